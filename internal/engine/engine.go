package engine

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/cache"
	"github.com/driftlane/cloakd/internal/database"
	"github.com/driftlane/cloakd/internal/detection"
	"github.com/driftlane/cloakd/internal/events"
	"github.com/driftlane/cloakd/internal/ratelimit"
	"github.com/driftlane/cloakd/internal/rules"
)

// Decision actions
const (
	ActionSafe  = "safe"
	ActionMoney = "money"
	ActionBlock = "block"
)

// Decision is the engine's verdict for one request.
type Decision struct {
	Action     string `json:"action"`
	URL        string `json:"url"`
	Reason     string `json:"reason"`
	RuleID     string `json:"rule_id,omitempty"`
	CampaignID string `json:"campaign_id"`
	Token      string `json:"token,omitempty"`

	// Pixels are attached only on money outcomes
	Pixels          map[string]string `json:"pixels,omitempty"`
	RedirectDelay   int               `json:"redirect_delay,omitempty"`
	UseCloakingPage bool              `json:"use_cloaking_page,omitempty"`

	CacheHit       bool  `json:"-"`
	ResponseTimeMs int64 `json:"response_time_ms"`
}

// Engine runs the per-request decision pipeline: rate limit, cache, the
// filter chain, custom rules, A/B split. Safe on every error path; a broken
// dependency degrades to the safe page, never to the money page.
type Engine struct {
	db          *database.DB
	cache       cache.Cache
	detector    *detection.Detector
	rules       *rules.Evaluator
	limiter     *ratelimit.Limiter
	tokens      *Tokens
	notifier    *events.Notifier
	log         zerolog.Logger
	decisionTTL time.Duration
}

func New(db *database.DB, c cache.Cache, det *detection.Detector, ev *rules.Evaluator,
	lim *ratelimit.Limiter, tokens *Tokens, notifier *events.Notifier,
	decisionTTL time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		db:          db,
		cache:       c,
		detector:    det,
		rules:       ev,
		limiter:     lim,
		tokens:      tokens,
		notifier:    notifier,
		log:         log.With().Str("component", "engine").Logger(),
		decisionTTL: decisionTTL,
	}
}

// ProcessSlug resolves the campaign by its public slug and processes the
// request.
func (e *Engine) ProcessSlug(ctx context.Context, slug string, r *http.Request) *Decision {
	started := time.Now()
	campaign, err := e.db.GetCampaignBySlug(slug)
	if err != nil {
		e.log.Warn().Err(err).Str("slug", slug).Msg("campaign lookup failed")
		return e.finishError(started, "", "error:campaign_not_found")
	}
	return e.process(ctx, campaign, r, started)
}

// Process loads the campaign by id and processes the request.
func (e *Engine) Process(ctx context.Context, campaignID string, r *http.Request) *Decision {
	started := time.Now()
	campaign, err := e.db.GetCampaign(campaignID)
	if err != nil {
		e.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("campaign lookup failed")
		return e.finishError(started, campaignID, "error:campaign_not_found")
	}
	return e.process(ctx, campaign, r, started)
}

func (e *Engine) process(ctx context.Context, c *database.Campaign, r *http.Request, started time.Time) *Decision {
	if c.Status != database.CampaignActive {
		return e.finishError(started, c.ID, "error:campaign_inactive")
	}

	ip := detection.ExtractIP(r)

	// Rate limit before any expensive lookup
	if c.Settings.RateLimitEnabled {
		verdict := e.limiter.CheckWithLimits(ip, ratelimit.TypeIP, c.TenantID, ratelimit.Limits{
			MaxRequests:   c.Settings.RateLimitMax,
			WindowSeconds: c.Settings.RateLimitWindow,
		})
		if !verdict.Allowed {
			d := e.safe(c, "rate_limit_exceeded")
			d.ResponseTimeMs = time.Since(started).Milliseconds()
			e.record(c, nil, r, ip, d)
			return d
		}
	}

	cacheKey := decisionCacheKey(c.ID, ip, r)
	if c.Settings.CacheEnabled {
		if d := e.cachedDecision(ctx, cacheKey); d != nil {
			d.CacheHit = true
			d.ResponseTimeMs = time.Since(started).Milliseconds()
			e.record(c, nil, r, ip, d)
			return d
		}
	}

	v := e.detector.Analyze(ctx, r)
	d := e.decide(ctx, c, v)

	d.ResponseTimeMs = time.Since(started).Milliseconds()
	e.record(c, v, r, ip, d)

	if c.Settings.CacheEnabled && !d.CacheHit {
		e.storeDecision(ctx, cacheKey, d)
	}
	return d
}

// decide runs the ordered filter chain over an analyzed visitor. First
// failure is terminal.
func (e *Engine) decide(ctx context.Context, c *database.Campaign, v *detection.VisitorRecord) *Decision {
	if e.limiter.IsWhitelisted(v.IP, c.TenantID) {
		return e.money(c, v, "whitelist")
	}
	if e.limiter.IsBlocked(v.IP, c.TenantID) {
		return e.safe(c, "blacklist")
	}

	for _, f := range filterChain {
		if reason := f(c, v); reason != "" {
			return e.safe(c, reason)
		}
	}

	if match := e.rules.Evaluate(ctx, c.ID, v); match != nil {
		d := &Decision{
			Action:     match.Action,
			Reason:     "rule:" + match.RuleName,
			RuleID:     match.RuleID,
			CampaignID: c.ID,
		}
		switch {
		case match.RedirectURL != "":
			d.URL = match.RedirectURL
		case match.Action == ActionMoney:
			d.URL = c.MoneyPage
		default:
			d.URL = c.SafePage
		}
		if match.Action == ActionMoney {
			e.decorateMoney(c, v, d)
		}
		return d
	}

	if c.Settings.ABTestEnabled {
		if abBucket(v.RequestHash) > c.Settings.ABTestPercent {
			return e.safe(c, "ab_test:group_b")
		}
	}

	return e.money(c, v, "qualified_visitor")
}

// abBucket maps a visitor to 1..100. Seeding from the request hash keeps a
// returning visitor in the same split group.
func abBucket(requestHash string) int {
	if requestHash == "" {
		return rand.Intn(100) + 1
	}
	h := fnv.New32a()
	h.Write([]byte(requestHash))
	return int(h.Sum32()%100) + 1
}

func (e *Engine) safe(c *database.Campaign, reason string) *Decision {
	return &Decision{
		Action:          ActionSafe,
		URL:             c.SafePage,
		Reason:          reason,
		CampaignID:      c.ID,
		RedirectDelay:   c.Settings.RedirectDelay,
		UseCloakingPage: c.Settings.UseCloakingPage,
	}
}

func (e *Engine) money(c *database.Campaign, v *detection.VisitorRecord, reason string) *Decision {
	d := &Decision{
		Action:     ActionMoney,
		URL:        c.MoneyPage,
		Reason:     reason,
		CampaignID: c.ID,
	}
	e.decorateMoney(c, v, d)
	return d
}

// decorateMoney attaches pixels, delay, cloaking-page flag and the signed
// decision token. Pixels never leave the server on safe outcomes.
func (e *Engine) decorateMoney(c *database.Campaign, v *detection.VisitorRecord, d *Decision) {
	d.Pixels = c.Settings.Pixels
	d.RedirectDelay = c.Settings.RedirectDelay
	d.UseCloakingPage = c.Settings.UseCloakingPage
	if e.tokens != nil {
		token, err := e.tokens.Sign(c.ID, d.Action, v.RequestHash)
		if err != nil {
			e.log.Warn().Err(err).Msg("token sign failed")
			return
		}
		d.Token = token
	}
}

func (e *Engine) finishError(started time.Time, campaignID, reason string) *Decision {
	return &Decision{
		Action:         ActionSafe,
		Reason:         reason,
		CampaignID:     campaignID,
		ResponseTimeMs: time.Since(started).Milliseconds(),
	}
}

// record persists the visitor log, bumps campaign counters and publishes the
// decision event. All writes are fire-and-forget; requests never wait on
// telemetry.
func (e *Engine) record(c *database.Campaign, v *detection.VisitorRecord, r *http.Request, ip string, d *Decision) {
	log := &database.VisitorLog{
		CampaignID:     c.ID,
		TenantID:       c.TenantID,
		IP:             ip,
		UserAgent:      r.UserAgent(),
		Referer:        r.Referer(),
		Path:           r.URL.Path,
		Method:         r.Method,
		Action:         d.Action,
		Reason:         d.Reason,
		RuleID:         d.RuleID,
		CacheHit:       d.CacheHit,
		ResponseTimeMs: d.ResponseTimeMs,
	}
	isBot := false
	if v != nil {
		if v.Geo != nil {
			log.CountryCode = v.Geo.CountryCode
			log.Region = v.Geo.Region
			log.City = v.Geo.City
			log.ISP = v.Geo.ISP
			log.ASN = v.Geo.ASN
		}
		log.DeviceType = v.Device.Type
		log.OS = v.Device.OS
		log.Browser = v.Device.Browser
		log.IsBot = v.IsBot
		log.BotProbability = v.BotProbability
		log.IsVPN = v.IsVPN
		log.IsProxy = v.IsProxy
		log.IsTor = v.IsTor
		log.IsDatacenter = v.IsDatacenter
		log.IsHeadless = v.IsHeadless
		log.IsScraper = v.IsScraper
		log.FingerprintHash = v.FingerprintHash
		log.RequestHash = v.RequestHash
		isBot = v.IsBot
	}

	go func() {
		if err := e.db.CreateVisitorLog(log); err != nil {
			e.log.Warn().Err(err).Msg("visitor log write failed")
		}
		if err := e.db.IncrementCampaignHits(c.ID, isBot); err != nil {
			e.log.Warn().Err(err).Msg("campaign counter update failed")
		}
	}()

	if e.notifier != nil {
		ev := events.Event{
			Type:       "decision",
			CampaignID: c.ID,
			TenantID:   c.TenantID,
			IP:         ip,
			Action:     d.Action,
			Reason:     d.Reason,
			IsBot:      isBot,
		}
		if v != nil && v.Geo != nil {
			ev.Country = v.Geo.CountryCode
		}
		e.notifier.Publish(ev)
	}
}

// decisionCacheKey identifies one (campaign, client) pair. The fingerprint
// hash comes from its cookie so the key is computable without running the
// detector.
func decisionCacheKey(campaignID, ip string, r *http.Request) string {
	fp := ""
	if c, err := r.Cookie("_fph"); err == nil {
		fp = c.Value
	}
	return "decision:" + campaignID + ":" + ip + ":" + r.UserAgent() + ":" + fp + ":" + r.Referer()
}

func (e *Engine) cachedDecision(ctx context.Context, key string) *Decision {
	raw, err := e.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			e.log.Debug().Err(err).Msg("decision cache read failed")
		}
		return nil
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	return &d
}

func (e *Engine) storeDecision(ctx context.Context, key string, d *Decision) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, raw, e.decisionTTL); err != nil {
		e.log.Debug().Err(err).Msg("decision cache write failed")
	}
}
