package detection

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/driftlane/cloakd/internal/config"
	"github.com/driftlane/cloakd/internal/database"
	"github.com/driftlane/cloakd/internal/fingerprint"
	"github.com/driftlane/cloakd/internal/geo"
)

// Cookie names set by the tracking script.
const (
	visitorCookie = "_cid"
	fpHashCookie  = "_fph"
	jsCookie      = "_js"
)

// VisitorRecord is the normalized classification of one request. It is the
// single input to rule evaluation and the filter chain.
type VisitorRecord struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Referer   string `json:"referer"`
	Path      string `json:"path"`
	Method    string `json:"method"`

	Device DeviceInfo    `json:"device"`
	Geo    *geo.Location `json:"geo"`

	IsBot          bool    `json:"is_bot"`
	BotProbability float64 `json:"bot_probability"`
	BotName        string  `json:"bot_name,omitempty"`
	BotCategory    string  `json:"bot_category,omitempty"`

	IsVPN        bool `json:"is_vpn"`
	IsProxy      bool `json:"is_proxy"`
	IsTor        bool `json:"is_tor"`
	IsDatacenter bool `json:"is_datacenter"`

	IsHeadless          bool    `json:"is_headless"`
	HeadlessProbability float64 `json:"headless_probability"`

	IsScraper          bool    `json:"is_scraper"`
	ScraperProbability float64 `json:"scraper_probability"`
	ScraperName        string  `json:"scraper_name,omitempty"`

	Fingerprint     *database.Fingerprint `json:"fingerprint,omitempty"`
	FingerprintHash string                `json:"fingerprint_hash,omitempty"`
	RiskScore       int                   `json:"risk_score"`

	HasJavascript bool `json:"has_javascript"`
	HasCookies    bool `json:"has_cookies"`

	Language  string   `json:"language"`
	Languages []string `json:"languages"`

	// RequestHash is server-computed for caching and dedup, distinct from
	// the client-submitted fingerprint hash.
	RequestHash string `json:"request_hash"`

	Timestamp time.Time `json:"timestamp"`

	// Raw request views for custom rule fields
	Query   map[string]string `json:"-"`
	Headers map[string]string `json:"-"`
}

// BrowserFeature reports a fingerprint feature probe. The second return is
// false when no fingerprint (or no probe result) is available; callers must
// treat that as unknown, not as feature-absent.
func (v *VisitorRecord) BrowserFeature(name string) (bool, bool) {
	if v.Fingerprint == nil {
		return false, false
	}
	if supported, probed := v.Fingerprint.Features[name]; probed {
		return supported, true
	}
	switch name {
	case "canvas":
		return v.Fingerprint.CanvasHash != "", true
	case "webgl":
		return v.Fingerprint.WebGLSupported, true
	case "audio":
		return v.Fingerprint.AudioHash != "", true
	}
	return false, false
}

// Detector turns raw requests into VisitorRecords. Safe for concurrent use.
type Detector struct {
	cfg      config.DetectionConfig
	geo      *geo.Resolver
	fps      *fingerprint.Store
	bots     *BotMatcher
	netintel *NetIntel
	log      zerolog.Logger
}

func NewDetector(cfg config.DetectionConfig, resolver *geo.Resolver, fps *fingerprint.Store, bots *BotMatcher, intel *NetIntel, log zerolog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		geo:      resolver,
		fps:      fps,
		bots:     bots,
		netintel: intel,
		log:      log.With().Str("component", "detector").Logger(),
	}
}

// Analyze classifies a single request. External lookup failures degrade to
// unknown values; Analyze itself never fails.
func (d *Detector) Analyze(ctx context.Context, r *http.Request) *VisitorRecord {
	ua := r.UserAgent()

	v := &VisitorRecord{
		IP:        ExtractIP(r),
		UserAgent: ua,
		Referer:   r.Referer(),
		Path:      r.URL.Path,
		Method:    r.Method,
		Device:    ParseUserAgent(ua),
		Timestamp: time.Now().UTC(),
		Query:     flattenQuery(r),
		Headers:   flattenHeaders(r),
	}

	bot := d.bots.Match(r, ua, d.cfg.BotThreshold)
	v.IsBot = bot.IsBot
	v.BotProbability = bot.Probability
	v.BotName = bot.Name
	v.BotCategory = bot.Category

	v.IsProxy = HasProxyHeaders(r)
	v.IsTor = d.netintel.IsTorExit(v.IP)
	v.IsDatacenter = d.netintel.IsDatacenter(v.IP)

	v.Geo = d.geo.Resolve(ctx, v.IP)
	v.IsVPN = d.netintel.IsVPN(ctx, v.IP, v.Geo.ASN)

	v.HeadlessProbability, v.IsHeadless = ScoreHeadless(r, ua, d.cfg.HeadlessThreshold)

	scraper := ScoreScraper(r, ua, d.cfg.ScraperThreshold)
	v.IsScraper = scraper.IsScraper
	v.ScraperProbability = scraper.Probability
	v.ScraperName = scraper.Name

	d.attachFingerprint(r, v)

	if lang := r.Header.Get("Accept-Language"); lang != "" {
		v.Languages = parseLanguages(lang)
		if len(v.Languages) > 0 {
			v.Language = v.Languages[0]
		}
	}

	v.RequestHash = requestHash(v)
	return v
}

// attachFingerprint tries the visitor-id cookie, then the hash cookie. A hit
// enriches the record; a stored risk score >= 70 overrides the UA verdict.
func (d *Detector) attachFingerprint(r *http.Request, v *VisitorRecord) {
	var visitorID, hash string
	if c, err := r.Cookie(visitorCookie); err == nil {
		visitorID = c.Value
	}
	if c, err := r.Cookie(fpHashCookie); err == nil {
		hash = c.Value
	}

	v.HasCookies = len(r.Cookies()) > 0
	if _, err := r.Cookie(jsCookie); err == nil {
		v.HasJavascript = true
	}

	if visitorID == "" && hash == "" {
		return
	}
	fp, err := d.fps.Lookup(visitorID, hash)
	if err != nil {
		d.log.Debug().Err(err).Msg("fingerprint lookup failed")
		return
	}
	if fp == nil {
		return
	}

	v.Fingerprint = fp
	v.FingerprintHash = fp.Hash
	v.RiskScore = fp.RiskScore
	v.HasJavascript = true

	if fp.RiskScore >= fingerprint.BotThreshold {
		v.IsBot = true
		if p := float64(fp.RiskScore) / 100; p > v.BotProbability {
			v.BotProbability = p
		}
	}
}

func parseLanguages(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		lang := strings.TrimSpace(part)
		if idx := strings.Index(lang, ";"); idx >= 0 {
			lang = lang[:idx]
		}
		if lang != "" {
			out = append(out, strings.ToLower(lang))
		}
	}
	return out
}

func flattenQuery(r *http.Request) map[string]string {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	for k := range q {
		out[strings.ToLower(k)] = q.Get(k)
	}
	return out
}

func flattenHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for k := range r.Header {
		out[strings.ToLower(k)] = r.Header.Get(k)
	}
	return out
}

// requestHash is stable across requests from the same client configuration.
func requestHash(v *VisitorRecord) string {
	var screenW, screenH, tzOffset int
	var platform string
	if v.Fingerprint != nil {
		screenW = v.Fingerprint.ScreenWidth
		screenH = v.Fingerprint.ScreenHeight
		tzOffset = v.Fingerprint.TimezoneOffset
		platform = v.Fingerprint.Platform
	}
	acceptLang := v.Headers["accept-language"]
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%dx%d|%d|%s",
		v.IP, v.UserAgent, acceptLang, screenW, screenH, tzOffset, platform)))
	return hex.EncodeToString(sum[:16])
}
