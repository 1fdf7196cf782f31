package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/cache"
	"github.com/driftlane/cloakd/internal/config"
	"github.com/driftlane/cloakd/internal/database"
	"github.com/driftlane/cloakd/internal/detection"
	"github.com/driftlane/cloakd/internal/fingerprint"
	"github.com/driftlane/cloakd/internal/geo"
	"github.com/driftlane/cloakd/internal/ratelimit"
	"github.com/driftlane/cloakd/internal/rules"
)

type stubProvider struct {
	loc geo.Location
}

func (p *stubProvider) Lookup(_ context.Context, ip string) (*geo.Location, error) {
	loc := p.loc
	loc.IP = ip
	return &loc, nil
}

func (p *stubProvider) Close() error { return nil }

type testEnv struct {
	db     *database.DB
	engine *Engine
}

func newTestEnv(t *testing.T, loc geo.Location) *testEnv {
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

	c, err := cache.New(config.CacheConfig{Backend: "memory", DecisionTTL: time.Minute, MaxSizeMB: 8})
	if err != nil {
		t.Fatalf("init cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	log := zerolog.Nop()
	resolver := geo.NewResolverWithProvider(&stubProvider{loc: loc}, nil, time.Second, time.Minute, log)
	fps := fingerprint.NewStore(db, log)
	bots := detection.NewBotMatcher(db, log)
	intel := detection.NewNetIntel(db, nil, 7*24*time.Hour, log)
	detector := detection.NewDetector(config.DetectionConfig{}, resolver, fps, bots, intel, log)
	evaluator := rules.NewEvaluator(db, log)
	limiter := ratelimit.New(db, config.RateLimitConfig{
		MaxRequests: 100, WindowSeconds: 60, ViolationsBeforeBlock: 5, BlockDurationSeconds: 3600,
	}, log)
	tokens := NewTokens(config.TokenConfig{Secret: "test-secret", TTL: time.Minute})

	eng := New(db, c, detector, evaluator, limiter, tokens, nil, time.Minute, log)
	return &testEnv{db: db, engine: eng}
}

func (e *testEnv) createCampaign(t *testing.T, mutate func(*database.Campaign)) *database.Campaign {
	t.Helper()
	c := &database.Campaign{
		Name:      "spring promo",
		Status:    database.CampaignActive,
		SafePage:  "https://safe.example.com",
		MoneyPage: "https://money.example.com",
	}
	if mutate != nil {
		mutate(c)
	}
	if err := e.db.CreateCampaign(c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func browserRequest(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/offer", nil)
	r.RemoteAddr = ip + ":50000"
	r.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.110 Safari/537.36")
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	r.Header.Set("Accept-Language", "en-US,en;q=0.9")
	r.Header.Set("Accept-Encoding", "gzip, deflate, br")
	r.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	return r
}

func usLocation() geo.Location {
	return geo.Location{CountryCode: "US", Country: "United States", City: "Denver", ISP: "Comcast Cable", Timezone: "America/Denver"}
}

func TestQualifiedVisitorGetsMoney(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Settings.DetectBots = true
		c.Settings.Pixels = map[string]string{"facebook": "123"}
	})

	d := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if d.Action != ActionMoney {
		t.Fatalf("action = %q (%s), want money", d.Action, d.Reason)
	}
	if d.URL != c.MoneyPage {
		t.Fatalf("url = %q, want money page", d.URL)
	}
	if d.Reason != "qualified_visitor" {
		t.Fatalf("reason = %q", d.Reason)
	}
	if d.Pixels["facebook"] != "123" {
		t.Fatal("pixels missing on money outcome")
	}
	if d.Token == "" {
		t.Fatal("money decision carries no token")
	}
}

func TestBotGetsSafe(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Settings.DetectBots = true
		c.Settings.Pixels = map[string]string{"facebook": "123"}
	})

	r := httptest.NewRequest(http.MethodGet, "/offer", nil)
	r.RemoteAddr = "8.8.8.8:40000"
	r.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")

	d := env.engine.Process(context.Background(), c.ID, r)
	if d.Action != ActionSafe {
		t.Fatalf("action = %q, want safe", d.Action)
	}
	if d.Reason != "security:bot" {
		t.Fatalf("reason = %q, want security:bot", d.Reason)
	}
	if d.URL != c.SafePage {
		t.Fatalf("url = %q, want safe page", d.URL)
	}
	if len(d.Pixels) != 0 {
		t.Fatal("pixels attached to a safe outcome")
	}
	if d.Token != "" {
		t.Fatal("token attached to a safe outcome")
	}
}

func TestScraperGetsSafe(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Settings.DetectScrapers = true
	})

	r := httptest.NewRequest(http.MethodGet, "/offer", nil)
	r.RemoteAddr = "203.0.113.5:40000"
	r.Header.Set("User-Agent", "curl/7.68.0")

	d := env.engine.Process(context.Background(), c.ID, r)
	if d.Action != ActionSafe {
		t.Fatalf("action = %q, want safe", d.Action)
	}
	// curl also trips the bot heuristics; the scraper check must be among the
	// fired reasons
	if d.Reason != "security:scraper" && d.Reason != "security:bot,scraper" {
		t.Fatalf("reason = %q, want scraper tagged", d.Reason)
	}
}

func TestWhitelistBypassesFilters(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Settings.DetectBots = true
		c.Rules.Geo.BlockedCountries = []string{"US"}
	})
	if err := env.db.AddWhitelist(&database.WhitelistIP{IP: "8.8.8.8"}); err != nil {
		t.Fatalf("whitelist: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/offer", nil)
	r.RemoteAddr = "8.8.8.8:40000"
	r.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")

	d := env.engine.Process(context.Background(), c.ID, r)
	if d.Action != ActionMoney || d.Reason != "whitelist" {
		t.Fatalf("decision = %q/%q, want money/whitelist", d.Action, d.Reason)
	}
}

func TestBlacklistedIPGetsSafe(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, nil)
	if err := env.db.UpsertBlock("203.0.113.5", "", "abuse", "high", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("block: %v", err)
	}

	d := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if d.Action != ActionSafe || d.Reason != "blacklist" {
		t.Fatalf("decision = %q/%q, want safe/blacklist", d.Action, d.Reason)
	}
}

func TestBlockedCountryBeatsAllowed(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Rules.Geo.AllowedCountries = []string{"US"}
		c.Rules.Geo.BlockedCountries = []string{"US"}
	})

	d := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if d.Action != ActionSafe || d.Reason != "geo:blocked_country" {
		t.Fatalf("decision = %q/%q, want safe/geo:blocked_country", d.Action, d.Reason)
	}
}

func TestCountryOutsideAllowListGetsSafe(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Rules.Geo.AllowedCountries = []string{"BR"}
	})

	d := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if d.Action != ActionSafe || d.Reason != "geo:country_not_allowed" {
		t.Fatalf("decision = %q/%q, want safe/geo:country_not_allowed", d.Action, d.Reason)
	}
}

func TestRequireJavascriptFailsClosed(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Rules.Advanced.RequireJavaScript = true
	})

	d := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if d.Action != ActionSafe || d.Reason != "advanced:no_javascript" {
		t.Fatalf("decision = %q/%q, want safe/advanced:no_javascript", d.Action, d.Reason)
	}

	r := browserRequest("203.0.113.5")
	r.AddCookie(&http.Cookie{Name: "_js", Value: "1"})
	d = env.engine.Process(context.Background(), c.ID, r)
	if d.Action != ActionMoney {
		t.Fatalf("decision = %q/%q, want money with _js cookie", d.Action, d.Reason)
	}
}

func TestCustomRuleIsTerminal(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, nil)

	rule := &database.Rule{
		CampaignID: c.ID, Name: "comcast to alt", Type: "isp", Operator: "contains",
		Value: "comcast", Action: ActionMoney, RedirectURL: "https://alt.example.com",
		Priority: 5, Active: true,
	}
	if err := env.db.CreateRule(rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	d := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if d.Action != ActionMoney {
		t.Fatalf("action = %q (%s), want money", d.Action, d.Reason)
	}
	if d.URL != "https://alt.example.com" {
		t.Fatalf("url = %q, want rule redirect", d.URL)
	}
	if d.RuleID != rule.ID {
		t.Fatalf("rule id = %q, want %q", d.RuleID, rule.ID)
	}
}

func TestMissingCampaignFailsSafe(t *testing.T) {
	env := newTestEnv(t, usLocation())
	d := env.engine.Process(context.Background(), "no-such-id", browserRequest("203.0.113.5"))
	if d.Action != ActionSafe {
		t.Fatalf("action = %q, want safe", d.Action)
	}
	if d.Reason != "error:campaign_not_found" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestInactiveCampaignFailsSafe(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Status = database.CampaignPaused
	})
	d := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if d.Action != ActionSafe || d.Reason != "error:campaign_inactive" {
		t.Fatalf("decision = %q/%q, want safe/error:campaign_inactive", d.Action, d.Reason)
	}
}

func TestDecisionCacheReturnsVerbatim(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Settings.CacheEnabled = true
	})

	first := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if first.CacheHit {
		t.Fatal("first request reported a cache hit")
	}

	second := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	if !second.CacheHit {
		t.Fatal("second request missed the cache")
	}
	if second.Action != first.Action || second.URL != first.URL || second.Reason != first.Reason {
		t.Fatalf("cached decision differs: %+v vs %+v", second, first)
	}

	// A different UA is a different cache key
	other := httptest.NewRequest(http.MethodGet, "/offer", nil)
	other.RemoteAddr = "203.0.113.5:50000"
	other.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15) Version/17.1 Safari/605.1.15")
	other.Header.Set("Accept", "text/html")
	other.Header.Set("Accept-Language", "en-US")
	other.Header.Set("Accept-Encoding", "gzip")
	other.AddCookie(&http.Cookie{Name: "s", Value: "1"})
	third := env.engine.Process(context.Background(), c.ID, other)
	if third.CacheHit {
		t.Fatal("different client hit the first client's cache entry")
	}
}

func TestRateLimitShortCircuits(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Settings.RateLimitEnabled = true
	})

	// Global limiter config allows 100; use the tenant override to tighten
	if err := env.db.SetTenantConfig("", "rate_limit.max_requests", "10"); err != nil {
		t.Fatalf("tenant config: %v", err)
	}

	var d *Decision
	for i := 0; i < 11; i++ {
		d = env.engine.Process(context.Background(), c.ID, browserRequest("198.51.100.44"))
	}
	if d.Action != ActionSafe || d.Reason != "rate_limit_exceeded" {
		t.Fatalf("decision = %q/%q, want safe/rate_limit_exceeded", d.Action, d.Reason)
	}
}

func TestCampaignRateLimitBeatsDefaults(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Settings.RateLimitEnabled = true
		c.Settings.RateLimitMax = 3
		c.Settings.RateLimitWindow = 60
	})

	var d *Decision
	for i := 0; i < 4; i++ {
		d = env.engine.Process(context.Background(), c.ID, browserRequest("198.51.100.45"))
	}
	if d.Action != ActionSafe || d.Reason != "rate_limit_exceeded" {
		t.Fatalf("decision = %q/%q, want safe/rate_limit_exceeded", d.Action, d.Reason)
	}
}

func TestProcessSlug(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, nil)

	d := env.engine.ProcessSlug(context.Background(), c.Slug, browserRequest("203.0.113.5"))
	if d.CampaignID != c.ID {
		t.Fatalf("campaign id = %q, want %q", d.CampaignID, c.ID)
	}

	d = env.engine.ProcessSlug(context.Background(), "bogus", browserRequest("203.0.113.5"))
	if d.Action != ActionSafe || d.Reason != "error:campaign_not_found" {
		t.Fatalf("decision = %q/%q, want safe/error:campaign_not_found", d.Action, d.Reason)
	}
}

func TestABSplitDeterministicPerVisitor(t *testing.T) {
	env := newTestEnv(t, usLocation())
	c := env.createCampaign(t, func(c *database.Campaign) {
		c.Settings.ABTestEnabled = true
		c.Settings.ABTestPercent = 50
	})

	first := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
	for i := 0; i < 5; i++ {
		d := env.engine.Process(context.Background(), c.ID, browserRequest("203.0.113.5"))
		if d.Action != first.Action {
			t.Fatalf("split flapped: %q then %q", first.Action, d.Action)
		}
	}
}
