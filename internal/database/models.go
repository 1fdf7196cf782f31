package database

import (
	"time"
)

// Campaign statuses
const (
	CampaignActive = "active"
	CampaignPaused = "paused"
	CampaignDraft  = "draft"
)

// Campaign represents a cloaking campaign. Rows are owned by the admin CRUD
// layer; the decision engine only reads them.
type Campaign struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Name     string `json:"name" db:"name"`
	Slug     string `json:"slug" db:"slug"`
	Status   string `json:"status" db:"status"`

	SafePage  string `json:"safe_page" db:"safe_page"`
	MoneyPage string `json:"money_page" db:"money_page"`

	// Decoded from the settings/rules JSON columns at load time
	Settings CampaignSettings `json:"settings" db:"settings"`
	Rules    CampaignRules    `json:"rules" db:"rules"`

	// Stats (cached)
	TotalHits int64 `json:"total_hits" db:"total_hits"`
	BotHits   int64 `json:"bot_hits" db:"bot_hits"`
	HumanHits int64 `json:"human_hits" db:"human_hits"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CampaignSettings is the typed form of the campaign's settings JSON bag.
// Absent keys decode to zero values, so every flag defaults to off.
type CampaignSettings struct {
	DetectBots       bool `json:"detect_bots"`
	DetectVPN        bool `json:"detect_vpn"`
	DetectProxy      bool `json:"detect_proxy"`
	DetectTor        bool `json:"detect_tor"`
	DetectDatacenter bool `json:"detect_datacenter"`
	DetectHeadless   bool `json:"detect_headless"`
	DetectScrapers   bool `json:"detect_scrapers"`

	RateLimitEnabled bool `json:"rate_limit_enabled"`
	RateLimitMax     int  `json:"rate_limit_max,omitempty"`
	RateLimitWindow  int  `json:"rate_limit_window,omitempty"`

	ABTestEnabled bool `json:"ab_test_enabled"`
	ABTestPercent int  `json:"ab_test_percent,omitempty"` // % routed to money (group A)

	Pixels          map[string]string `json:"pixels,omitempty"` // pixel name -> id
	RedirectDelay   int               `json:"redirect_delay,omitempty"`
	UseCloakingPage bool              `json:"use_cloaking_page,omitempty"`

	CacheEnabled bool `json:"cache_enabled"`
}

// CampaignRules is the typed form of the campaign's filter JSON bag. This is
// distinct from custom Rule rows: these are the built-in filter lists the
// engine checks before the rule evaluator runs.
type CampaignRules struct {
	Schedule ScheduleRules `json:"schedule"`
	Geo      GeoRules      `json:"geo"`
	Device   DeviceRules   `json:"device"`
	Behavior BehaviorRules `json:"behavior"`
	Advanced AdvancedRules `json:"advanced"`
}

type ScheduleRules struct {
	Enabled   bool     `json:"enabled"`
	Days      []string `json:"days,omitempty"`       // "mon".."sun"
	StartTime string   `json:"start_time,omitempty"` // "09:00"
	EndTime   string   `json:"end_time,omitempty"`   // "18:00"
	Timezone  string   `json:"timezone,omitempty"`
}

type GeoRules struct {
	AllowedCountries []string `json:"allowed_countries,omitempty"`
	BlockedCountries []string `json:"blocked_countries,omitempty"`
	AllowedRegions   []string `json:"allowed_regions,omitempty"`
	AllowedCities    []string `json:"allowed_cities,omitempty"`
	AllowedTimezones []string `json:"allowed_timezones,omitempty"`
	AllowedISPs      []string `json:"allowed_isps,omitempty"`
	BlockedISPs      []string `json:"blocked_isps,omitempty"`
}

type DeviceRules struct {
	AllowedDevices  []string `json:"allowed_devices,omitempty"`
	AllowedOS       []string `json:"allowed_os,omitempty"`
	AllowedBrowsers []string `json:"allowed_browsers,omitempty"`
	BlockedBrowsers []string `json:"blocked_browsers,omitempty"`
}

type BehaviorRules struct {
	AllowedLanguages []string `json:"allowed_languages,omitempty"`
	BlockedReferrers []string `json:"blocked_referrers,omitempty"`
	RequiredReferrer string   `json:"required_referrer,omitempty"`
}

type AdvancedRules struct {
	RequireJavaScript    bool `json:"require_javascript"`
	RequireCookies       bool `json:"require_cookies"`
	CheckBrowserFeatures bool `json:"check_browser_features"`
}

// Rule is a custom rule row evaluated by the rules engine. First match by
// priority desc, id asc wins.
type Rule struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	Name       string `json:"name" db:"name"`

	// Category: geo, device, isp, ip, referer, time, bot, vpn, proxy,
	// language, browser, os, custom
	Type     string `json:"type" db:"type"`
	Field    string `json:"field" db:"field"`
	Operator string `json:"operator" db:"operator"`
	Value    string `json:"value" db:"value"`

	// Action: "safe" or "money"
	Action      string `json:"action" db:"action"`
	RedirectURL string `json:"redirect_url" db:"redirect_url"`

	Priority int   `json:"priority" db:"priority"`
	Active   bool  `json:"active" db:"active"`
	Hits     int64 `json:"hits" db:"hits"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Fingerprint stores a client-submitted browser fingerprint. Mutated on each
// subsequent lookup (visit_count, last_seen); never deleted by the engine.
type Fingerprint struct {
	ID        string `json:"id" db:"id"`
	Hash      string `json:"fingerprint_hash" db:"fingerprint_hash"`
	VisitorID string `json:"visitor_id" db:"visitor_id"`

	// Screen
	ScreenWidth    int     `json:"screen_width" db:"screen_width"`
	ScreenHeight   int     `json:"screen_height" db:"screen_height"`
	ViewportWidth  int     `json:"viewport_width" db:"viewport_width"`
	ViewportHeight int     `json:"viewport_height" db:"viewport_height"`
	ColorDepth     int     `json:"color_depth" db:"color_depth"`
	PixelRatio     float64 `json:"pixel_ratio" db:"pixel_ratio"`

	// System
	Timezone       string   `json:"timezone" db:"timezone"`
	TimezoneOffset int      `json:"timezone_offset" db:"timezone_offset"`
	Language       string   `json:"language" db:"language"`
	Languages      []string `json:"languages" db:"languages"`
	Platform       string   `json:"platform" db:"platform"`
	Cores          int      `json:"cores" db:"cores"`
	Memory         int      `json:"memory" db:"memory"`
	TouchSupport   bool     `json:"touch_support" db:"touch_support"`
	CookiesEnabled bool     `json:"cookies_enabled" db:"cookies_enabled"`

	// WebGL / canvas / audio
	WebGLVendor    string `json:"webgl_vendor" db:"webgl_vendor"`
	WebGLRenderer  string `json:"webgl_renderer" db:"webgl_renderer"`
	WebGLSupported bool   `json:"webgl_supported" db:"webgl_supported"`
	CanvasHash     string `json:"canvas_hash" db:"canvas_hash"`
	AudioHash      string `json:"audio_hash" db:"audio_hash"`

	// Plugins
	PluginCount int `json:"plugin_count" db:"plugin_count"`

	// Behavior counters collected client-side
	MouseMovements int `json:"mouse_movements" db:"mouse_movements"`
	Clicks         int `json:"clicks" db:"clicks"`
	KeyPresses     int `json:"key_presses" db:"key_presses"`
	ScrollEvents   int `json:"scroll_events" db:"scroll_events"`

	// Feature probe results; absent keys mean the probe did not run
	Features map[string]bool `json:"features" db:"features"`

	// Analysis results
	RiskScore    int      `json:"risk_score" db:"risk_score"`
	IsSuspicious bool     `json:"is_suspicious" db:"is_suspicious"`
	Flags        []string `json:"flags" db:"flags"`

	VisitCount int       `json:"visit_count" db:"visit_count"`
	FirstSeen  time.Time `json:"first_seen" db:"first_seen"`
	LastSeen   time.Time `json:"last_seen" db:"last_seen"`
}

// VisitorLog is the persisted classification + decision for one request.
type VisitorLog struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	TenantID   string `json:"tenant_id" db:"tenant_id"`

	IP        string `json:"ip" db:"ip"`
	UserAgent string `json:"user_agent" db:"user_agent"`
	Referer   string `json:"referer" db:"referer"`
	Path      string `json:"path" db:"path"`
	Method    string `json:"method" db:"method"`

	CountryCode string `json:"country_code" db:"country_code"`
	Region      string `json:"region" db:"region"`
	City        string `json:"city" db:"city"`
	ISP         string `json:"isp" db:"isp"`
	ASN         uint   `json:"asn" db:"asn"`

	DeviceType string `json:"device_type" db:"device_type"`
	OS         string `json:"os" db:"os"`
	Browser    string `json:"browser" db:"browser"`

	IsBot          bool    `json:"is_bot" db:"is_bot"`
	BotProbability float64 `json:"bot_probability" db:"bot_probability"`
	IsVPN          bool    `json:"is_vpn" db:"is_vpn"`
	IsProxy        bool    `json:"is_proxy" db:"is_proxy"`
	IsTor          bool    `json:"is_tor" db:"is_tor"`
	IsDatacenter   bool    `json:"is_datacenter" db:"is_datacenter"`
	IsHeadless     bool    `json:"is_headless" db:"is_headless"`
	IsScraper      bool    `json:"is_scraper" db:"is_scraper"`

	FingerprintHash string `json:"fingerprint_hash" db:"fingerprint_hash"`
	RequestHash     string `json:"request_hash" db:"request_hash"`

	Action         string `json:"action" db:"action"`
	Reason         string `json:"reason" db:"reason"`
	RuleID         string `json:"rule_id" db:"rule_id"`
	CacheHit       bool   `json:"cache_hit" db:"cache_hit"`
	ResponseTimeMs int64  `json:"response_time_ms" db:"response_time_ms"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RateLimitWindow is one fixed counting window for an identifier.
type RateLimitWindow struct {
	ID          int64     `json:"id" db:"id"`
	Identifier  string    `json:"identifier" db:"identifier"`
	Type        string    `json:"type" db:"type"` // ip, fingerprint, user
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Requests    int       `json:"requests" db:"requests"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	WindowEnd   time.Time `json:"window_end" db:"window_end"`
	LastRequest time.Time `json:"last_request" db:"last_request"`
}

// RateLimitViolation records one over-limit event.
type RateLimitViolation struct {
	ID         int64     `json:"id" db:"id"`
	Identifier string    `json:"identifier" db:"identifier"`
	Type       string    `json:"type" db:"type"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// BlockedIP blocks an identifier outright. ExpiresAt zero means permanent.
// Repeat offenses refresh the block and bump Attempts (upsert semantics).
type BlockedIP struct {
	ID        string    `json:"id" db:"id"`
	IP        string    `json:"ip" db:"ip"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Reason    string    `json:"reason" db:"reason"`
	Severity  string    `json:"severity" db:"severity"`
	Attempts  int       `json:"attempts" db:"attempts"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WhitelistIP bypasses every other check for the scoped tenant. A row with
// an empty tenant id applies globally.
type WhitelistIP struct {
	ID        string    `json:"id" db:"id"`
	IP        string    `json:"ip" db:"ip"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Note      string    `json:"note" db:"note"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TenantConfig is a key/value config row. Global rows (empty tenant id)
// apply to every tenant; tenant rows override the global value per key.
type TenantConfig struct {
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BotPattern is one known-bot UA substring with its hit counter.
type BotPattern struct {
	ID       int64  `json:"id" db:"id"`
	Pattern  string `json:"pattern" db:"pattern"`
	Name     string `json:"name" db:"name"`
	Category string `json:"category" db:"category"`
	Hits     int64  `json:"hits" db:"hits"`
}

// TorExitNode is one known TOR exit address with its publication time.
type TorExitNode struct {
	IP        string    `json:"ip" db:"ip"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DatacenterRange is a numeric IPv4 range owned by a hosting provider.
type DatacenterRange struct {
	ID       int64  `json:"id" db:"id"`
	StartIP  uint32 `json:"start_ip" db:"start_ip"`
	EndIP    uint32 `json:"end_ip" db:"end_ip"`
	Provider string `json:"provider" db:"provider"`
}
