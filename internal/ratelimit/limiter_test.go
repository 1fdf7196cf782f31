package ratelimit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/config"
	"github.com/driftlane/cloakd/internal/database"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *database.DB) {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite3",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, cfg, zerolog.Nop()), db
}

func TestCheckDeniesOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		MaxRequests:           10,
		WindowSeconds:         60,
		ViolationsBeforeBlock: 5,
		BlockDurationSeconds:  3600,
	})

	for i := 1; i <= 10; i++ {
		v := l.Check("203.0.113.5", TypeIP, "")
		if !v.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
	}

	v := l.Check("203.0.113.5", TypeIP, "")
	if v.Allowed {
		t.Fatal("11th request allowed, want denied")
	}
	if v.Message == "" {
		t.Fatal("denial carries no message")
	}
}

func TestCheckRemainingCountsDown(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		MaxRequests:   3,
		WindowSeconds: 60,
	})

	want := []int{2, 1, 0}
	for i, exp := range want {
		v := l.Check("198.51.100.1", TypeIP, "")
		if !v.Allowed || v.Remaining != exp {
			t.Fatalf("request %d: allowed=%v remaining=%d, want remaining %d", i+1, v.Allowed, v.Remaining, exp)
		}
	}
}

func TestWhitelistShortCircuits(t *testing.T) {
	l, db := newTestLimiter(t, config.RateLimitConfig{
		MaxRequests:   1,
		WindowSeconds: 60,
	})
	if err := db.AddWhitelist(&database.WhitelistIP{IP: "203.0.113.9"}); err != nil {
		t.Fatalf("whitelist: %v", err)
	}

	for i := 0; i < 5; i++ {
		if v := l.Check("203.0.113.9", TypeIP, ""); !v.Allowed {
			t.Fatalf("whitelisted request %d denied", i+1)
		}
	}
}

func TestBlockedAlwaysDenied(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		MaxRequests:   100,
		WindowSeconds: 60,
	})
	if err := l.BlockIP("203.0.113.66", "", "manual block", "high", 3600); err != nil {
		t.Fatalf("block: %v", err)
	}

	v := l.Check("203.0.113.66", TypeIP, "")
	if v.Allowed {
		t.Fatal("blocked identifier allowed")
	}
	if v.Message != "manual block" {
		t.Fatalf("message = %q, want stored reason", v.Message)
	}
	if !l.IsBlocked("203.0.113.66", "") {
		t.Fatal("IsBlocked false for active block")
	}

	if err := l.UnblockIP("203.0.113.66", ""); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if l.IsBlocked("203.0.113.66", "") {
		t.Fatal("IsBlocked true after removal")
	}
}

func TestRepeatedViolationsAutoBlock(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		MaxRequests:           1,
		WindowSeconds:         60,
		ViolationsBeforeBlock: 3,
		BlockDurationSeconds:  3600,
	})

	l.Check("203.0.113.77", TypeIP, "")
	// Each denied request records one violation
	for i := 0; i < 3; i++ {
		if v := l.Check("203.0.113.77", TypeIP, ""); v.Allowed {
			t.Fatalf("over-limit request %d allowed", i+1)
		}
	}

	if !l.IsBlocked("203.0.113.77", "") {
		t.Fatal("identifier not auto-blocked after repeated violations")
	}
}

func TestTenantOverrideRaisesLimit(t *testing.T) {
	l, db := newTestLimiter(t, config.RateLimitConfig{
		MaxRequests:   1,
		WindowSeconds: 60,
	})
	if err := db.SetTenantConfig("acme", "rate_limit.max_requests", "5"); err != nil {
		t.Fatalf("tenant config: %v", err)
	}

	for i := 1; i <= 5; i++ {
		if v := l.Check("198.51.100.2", TypeIP, "acme"); !v.Allowed {
			t.Fatalf("request %d denied under tenant override", i)
		}
	}
	if v := l.Check("198.51.100.2", TypeIP, "acme"); v.Allowed {
		t.Fatal("6th request allowed over tenant limit")
	}

	// Another tenant keeps the global limit
	if v := l.Check("198.51.100.3", TypeIP, "other"); !v.Allowed {
		t.Fatal("first request denied")
	}
	if v := l.Check("198.51.100.3", TypeIP, "other"); v.Allowed {
		t.Fatal("second request allowed over global limit")
	}
}

func TestPerCheckLimitsBeatTenantOverride(t *testing.T) {
	l, db := newTestLimiter(t, config.RateLimitConfig{
		MaxRequests:   1,
		WindowSeconds: 60,
	})
	if err := db.SetTenantConfig("acme", "rate_limit.max_requests", "5"); err != nil {
		t.Fatalf("tenant config: %v", err)
	}

	lim := Limits{MaxRequests: 2}
	for i := 1; i <= 2; i++ {
		if v := l.CheckWithLimits("198.51.100.4", TypeIP, "acme", lim); !v.Allowed {
			t.Fatalf("request %d denied under explicit limits", i)
		}
	}
	if v := l.CheckWithLimits("198.51.100.4", TypeIP, "acme", lim); v.Allowed {
		t.Fatal("3rd request allowed over explicit limit")
	}

	// Zero fields fall through to the tenant override
	if v := l.CheckWithLimits("198.51.100.5", TypeIP, "acme", Limits{}); !v.Allowed {
		t.Fatal("first request denied under tenant override")
	}
}

func TestWindowResetAt(t *testing.T) {
	l, _ := newTestLimiter(t, config.RateLimitConfig{
		MaxRequests:   10,
		WindowSeconds: 60,
	})
	v := l.Check("203.0.113.88", TypeIP, "")
	if v.ResetAt.Before(time.Now()) {
		t.Fatalf("reset time %v already passed", v.ResetAt)
	}
	if v.ResetAt.After(time.Now().Add(61 * time.Second)) {
		t.Fatalf("reset time %v beyond window", v.ResetAt)
	}
}
