package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/config"
	"github.com/driftlane/cloakd/internal/database"
)

// Identifier types
const (
	TypeIP          = "ip"
	TypeFingerprint = "fingerprint"
	TypeUser        = "user"
)

// Tenant config keys that override the static limiter settings.
const (
	keyMaxRequests   = "rate_limit.max_requests"
	keyWindowSeconds = "rate_limit.window_seconds"
)

// Verdict is the outcome of a limiter check.
type Verdict struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Message   string    `json:"message,omitempty"`
}

// Limiter counts requests in fixed windows backed by the database, so all
// server processes share the same counters. Whitelisted identifiers always
// pass; blocked identifiers always fail. Repeated violations escalate to an
// auto-block.
type Limiter struct {
	db  *database.DB
	cfg config.RateLimitConfig
	log zerolog.Logger
}

func New(db *database.DB, cfg config.RateLimitConfig, log zerolog.Logger) *Limiter {
	return &Limiter{db: db, cfg: cfg, log: log.With().Str("component", "ratelimit").Logger()}
}

// Check records one request for the identifier and decides whether it is
// allowed. Storage errors fail open with a warning; the limiter is a guard,
// not a gate.
// Limits overrides the window bounds for a single check. Zero fields fall
// through to the tenant and then the global configuration.
type Limits struct {
	MaxRequests   int
	WindowSeconds int
}

func (l *Limiter) Check(identifier, typ, tenantID string) Verdict {
	return l.CheckWithLimits(identifier, typ, tenantID, Limits{})
}

func (l *Limiter) CheckWithLimits(identifier, typ, tenantID string, lim Limits) Verdict {
	now := time.Now()

	if typ == TypeIP {
		if ok, err := l.db.IsWhitelisted(identifier, tenantID); err == nil && ok {
			return Verdict{Allowed: true, Remaining: l.cfg.MaxRequests}
		}
		if block, err := l.db.GetActiveBlock(identifier, tenantID, now); err == nil {
			return Verdict{Allowed: false, ResetAt: block.ExpiresAt, Message: block.Reason}
		} else if !errors.Is(err, database.ErrNotFound) {
			l.log.Warn().Err(err).Msg("block lookup failed")
		}
	}

	max := lim.MaxRequests
	if max <= 0 {
		max = l.tenantInt(tenantID, keyMaxRequests, l.cfg.MaxRequests)
	}
	windowSec := lim.WindowSeconds
	if windowSec <= 0 {
		windowSec = l.tenantInt(tenantID, keyWindowSeconds, l.cfg.WindowSeconds)
	}
	window := time.Duration(windowSec) * time.Second

	w, err := l.db.GetCurrentWindow(identifier, typ, tenantID, now)
	if errors.Is(err, database.ErrNotFound) {
		if err := l.db.CreateWindow(identifier, typ, tenantID, now, now.Add(window)); err != nil {
			l.log.Warn().Err(err).Msg("window create failed")
		}
		return Verdict{Allowed: true, Remaining: max - 1, ResetAt: now.Add(window)}
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("window lookup failed")
		return Verdict{Allowed: true, Remaining: max, ResetAt: now.Add(window)}
	}

	if err := l.db.IncrementWindow(w.ID, now); err != nil {
		l.log.Warn().Err(err).Msg("window increment failed")
	}
	count := w.Requests + 1

	if count <= max {
		return Verdict{Allowed: true, Remaining: max - count, ResetAt: w.WindowEnd}
	}

	l.recordViolation(identifier, typ, tenantID, now)
	return Verdict{
		Allowed: false,
		ResetAt: w.WindowEnd,
		Message: fmt.Sprintf("rate limit exceeded: %d requests per %ds", max, windowSec),
	}
}

// recordViolation logs the over-limit event and auto-blocks identifiers that
// keep violating within the trailing hour.
func (l *Limiter) recordViolation(identifier, typ, tenantID string, now time.Time) {
	if err := l.db.RecordViolation(identifier, typ, tenantID); err != nil {
		l.log.Warn().Err(err).Msg("violation record failed")
		return
	}
	n, err := l.db.CountRecentViolations(identifier, tenantID, now.Add(-time.Hour))
	if err != nil {
		l.log.Warn().Err(err).Msg("violation count failed")
		return
	}
	if n >= l.cfg.ViolationsBeforeBlock {
		expires := now.Add(time.Duration(l.cfg.BlockDurationSeconds) * time.Second)
		if err := l.db.UpsertBlock(identifier, tenantID, "repeated rate limit violations", "auto", expires); err != nil {
			l.log.Warn().Err(err).Msg("auto-block failed")
			return
		}
		l.log.Info().Str("identifier", identifier).Str("tenant_id", tenantID).
			Int("violations", n).Time("expires_at", expires).Msg("identifier auto-blocked")
	}
}

// BlockIP blocks an address for durationSeconds; zero means permanent.
func (l *Limiter) BlockIP(ip, tenantID, reason, severity string, durationSeconds int) error {
	var expires time.Time
	if durationSeconds > 0 {
		expires = time.Now().Add(time.Duration(durationSeconds) * time.Second)
	}
	return l.db.UpsertBlock(ip, tenantID, reason, severity, expires)
}

func (l *Limiter) UnblockIP(ip, tenantID string) error {
	return l.db.RemoveBlock(ip, tenantID)
}

func (l *Limiter) IsWhitelisted(ip, tenantID string) bool {
	ok, err := l.db.IsWhitelisted(ip, tenantID)
	if err != nil {
		l.log.Warn().Err(err).Msg("whitelist lookup failed")
		return false
	}
	return ok
}

func (l *Limiter) IsBlocked(ip, tenantID string) bool {
	_, err := l.db.GetActiveBlock(ip, tenantID, time.Now())
	return err == nil
}

// Prune drops counting windows closed more than an hour ago. Run it
// periodically from the server loop.
func (l *Limiter) Prune() {
	if err := l.db.PruneWindows(time.Now().Add(-time.Hour)); err != nil {
		l.log.Warn().Err(err).Msg("window prune failed")
	}
}

// tenantInt resolves a per-tenant numeric override, falling back to the
// static configuration value.
func (l *Limiter) tenantInt(tenantID, key string, fallback int) int {
	raw, err := l.db.GetTenantConfig(tenantID, key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
