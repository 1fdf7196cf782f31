package api

import (
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/driftlane/cloakd/internal/engine"
	"github.com/driftlane/cloakd/internal/fingerprint"
	"github.com/driftlane/cloakd/internal/geo"
	"github.com/driftlane/cloakd/internal/ratelimit"
	"github.com/driftlane/cloakd/internal/rules"
)

type stubProvider struct{}

func (stubProvider) Lookup(_ context.Context, ip string) (*geo.Location, error) {
	return &geo.Location{IP: ip, CountryCode: "US", Country: "United States"}, nil
}

func (stubProvider) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *database.DB) {
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

	c, err := cache.New(config.CacheConfig{Backend: "memory", MaxSizeMB: 8})
	if err != nil {
		t.Fatalf("init cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	log := zerolog.Nop()
	resolver := geo.NewResolverWithProvider(stubProvider{}, nil, time.Second, time.Minute, log)
	fps := fingerprint.NewStore(db, log)
	analyzer := fingerprint.NewAnalyzer(db)
	bots := detection.NewBotMatcher(db, log)
	intel := detection.NewNetIntel(db, nil, 7*24*time.Hour, log)
	detector := detection.NewDetector(config.DetectionConfig{}, resolver, fps, bots, intel, log)
	evaluator := rules.NewEvaluator(db, log)
	limiter := ratelimit.New(db, config.RateLimitConfig{MaxRequests: 100, WindowSeconds: 60}, log)
	tokens := engine.NewTokens(config.TokenConfig{Secret: "test", TTL: time.Minute})
	eng := engine.New(db, c, detector, evaluator, limiter, tokens, nil, time.Minute, log)

	return NewServer(eng, fps, analyzer, tokens, log), db
}

func TestDecisionRedirect(t *testing.T) {
	s, db := newTestServer(t)
	campaign := &database.Campaign{
		Name:      "promo",
		Status:    database.CampaignActive,
		SafePage:  "https://safe.example.com",
		MoneyPage: "https://money.example.com",
	}
	if err := db.CreateCampaign(campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/c/"+campaign.Slug, nil)
	r.RemoteAddr = "203.0.113.5:50000"
	r.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.110 Safari/537.36")
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != campaign.MoneyPage {
		t.Fatalf("redirect to %q, want money page", loc)
	}
}

func TestDecisionJSONMode(t *testing.T) {
	s, db := newTestServer(t)
	campaign := &database.Campaign{
		Name:      "promo",
		Status:    database.CampaignActive,
		SafePage:  "https://safe.example.com",
		MoneyPage: "https://money.example.com",
	}
	campaign.Settings.DetectBots = true
	if err := db.CreateCampaign(campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/c/"+campaign.Slug, nil)
	r.RemoteAddr = "8.8.8.8:40000"
	r.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	r.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var d engine.Decision
	if err := json.NewDecoder(w.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Action != engine.ActionSafe {
		t.Fatalf("action = %q (%s), want safe", d.Action, d.Reason)
	}
}

func TestDecisionUnknownSlug(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/c/doesnotexist", nil)
	r.RemoteAddr = "203.0.113.5:50000"
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestFingerprintIngest(t *testing.T) {
	s, _ := newTestServer(t)

	payload := fingerprint.Payload{
		ScreenWidth:    1920,
		ScreenHeight:   1080,
		ViewportWidth:  1903,
		ViewportHeight: 955,
		ColorDepth:     24,
		PixelRatio:     1,
		Timezone:       "Europe/Berlin",
		Language:       "de-DE",
		Languages:      []string{"de-DE"},
		Platform:       "Win32",
		Cores:          8,
		Memory:         16,
		CookiesEnabled: true,
		WebGLSupported: true,
		PluginCount:    3,
		MouseMovements: 50,
		Clicks:         1,
	}
	body, _ := json.Marshal(payload)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/fp", bytes.NewReader(body))
	r.RemoteAddr = "203.0.113.5:50000"
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp fingerprintResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.VisitorID == "" || resp.Hash == "" {
		t.Fatalf("response = %+v, want generated ids", resp)
	}

	cookies := w.Result().Cookies()
	names := map[string]bool{}
	for _, c := range cookies {
		names[c.Name] = true
	}
	for _, want := range []string{"_cid", "_fph", "_js"} {
		if !names[want] {
			t.Fatalf("cookie %q not set, got %v", want, cookies)
		}
	}
}

func TestFingerprintRejectsGarbage(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/fp", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestTokenVerifyEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	raw, err := s.tokens.Sign("camp-1", engine.ActionMoney, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"token": raw})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/token/verify", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["valid"] != true || resp["campaign_id"] != "camp-1" {
		t.Fatalf("response = %v", resp)
	}

	body, _ = json.Marshal(map[string]string{"token": "garbage"})
	r = httptest.NewRequest(http.MethodPost, "/api/v1/token/verify", bytes.NewReader(body))
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
