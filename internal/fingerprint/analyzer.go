package fingerprint

import (
	"strings"
)

// Result is the risk analyzer's verdict on a fingerprint payload.
type Result struct {
	RiskScore    int      `json:"risk_score"` // 0..100
	IsSuspicious bool     `json:"is_suspicious"`
	IsBot        bool     `json:"is_bot"`
	Flags        []string `json:"flags"`
}

// Risk thresholds on the 0..100 scale.
const (
	SuspiciousThreshold = 50
	BotThreshold        = 70
)

// History provides lookups over previously seen fingerprints. *database.DB
// satisfies it.
type History interface {
	CountFingerprintIPs(hash string) (int, error)
	FingerprintVisitCount(hash string) (int, error)
}

// Analyzer runs a weighted battery of independent checks over a fingerprint.
// No check depends on another's output; they can run in any order.
type Analyzer struct {
	history History
}

func NewAnalyzer(history History) *Analyzer {
	return &Analyzer{history: history}
}

type check struct {
	name   string
	weight float64
	run    func(*Analyzer, *Payload, string) (int, []string)
}

var checks = []check{
	{"consistency", 1.0, (*Analyzer).checkConsistency},
	{"user_agent", 1.2, (*Analyzer).checkUserAgent},
	{"screen", 0.8, (*Analyzer).checkScreen},
	{"language", 0.7, (*Analyzer).checkLanguage},
	{"timezone", 0.9, (*Analyzer).checkTimezone},
	{"hardware", 0.8, (*Analyzer).checkHardware},
	{"webgl", 1.0, (*Analyzer).checkWebGL},
	{"plugins", 0.6, (*Analyzer).checkPlugins},
	{"behavior", 1.5, (*Analyzer).checkBehavior},
	{"cross_field", 1.1, (*Analyzer).checkCrossField},
	{"history", 1.3, (*Analyzer).checkHistory},
}

// Analyze scores the payload. ip is the submitting address, used only by the
// history check.
func (a *Analyzer) Analyze(p *Payload, ip string) Result {
	var total float64
	var flags []string

	for _, c := range checks {
		score, checkFlags := c.run(a, p, ip)
		total += float64(score) * c.weight
		flags = append(flags, checkFlags...)
	}

	riskScore := int(total)
	if riskScore > 100 {
		riskScore = 100
	}

	return Result{
		RiskScore:    riskScore,
		IsSuspicious: riskScore >= SuspiciousThreshold,
		IsBot:        riskScore >= BotThreshold,
		Flags:        flags,
	}
}

func (a *Analyzer) checkConsistency(p *Payload, _ string) (int, []string) {
	var score int
	var flags []string

	if !p.CookiesEnabled {
		score += 10
		flags = append(flags, "cookies_disabled")
	}
	if p.ColorDepth != 0 && p.ColorDepth < 24 {
		score += 10
		flags = append(flags, "low_color_depth")
	}
	if p.PixelRatio == 0 {
		score += 5
		flags = append(flags, "no_pixel_ratio")
	}

	return score, flags
}

var toolUASubstrings = []string{
	"headless", "phantomjs", "selenium", "webdriver", "puppeteer", "playwright",
	"curl", "wget", "python", "scrapy", "bot", "crawler", "spider",
}

func (a *Analyzer) checkUserAgent(p *Payload, _ string) (int, []string) {
	if p.UserAgent == "" {
		return 50, []string{"empty_user_agent"}
	}

	var score int
	var flags []string

	lower := strings.ToLower(p.UserAgent)
	for _, tool := range toolUASubstrings {
		if strings.Contains(lower, tool) {
			score += 40
			flags = append(flags, "tool_user_agent")
			break
		}
	}
	if len(p.UserAgent) < 50 {
		score += 20
		flags = append(flags, "short_user_agent")
	}
	if len(p.UserAgent) > 500 {
		score += 15
		flags = append(flags, "oversized_user_agent")
	}

	return score, flags
}

func (a *Analyzer) checkScreen(p *Payload, _ string) (int, []string) {
	var score int
	var flags []string

	if p.ScreenWidth == 0 || p.ScreenHeight == 0 {
		score += 20
		flags = append(flags, "no_screen_dimensions")
	} else if p.ScreenWidth < 800 || p.ScreenHeight < 600 {
		score += 15
		flags = append(flags, "small_screen")
	}

	// Viewport exactly matching the screen is a classic headless tell:
	// real browsers lose pixels to chrome and the taskbar.
	if p.ScreenWidth > 0 && p.ViewportWidth == p.ScreenWidth && p.ViewportHeight == p.ScreenHeight {
		score += 10
		flags = append(flags, "viewport_equals_screen")
	}

	return score, flags
}

func (a *Analyzer) checkLanguage(p *Payload, _ string) (int, []string) {
	var score int
	var flags []string

	if len(p.Languages) == 0 {
		score += 15
		flags = append(flags, "no_languages")
	} else if p.Language != "" {
		found := false
		for _, l := range p.Languages {
			if strings.EqualFold(l, p.Language) {
				found = true
				break
			}
		}
		if !found {
			score += 10
			flags = append(flags, "language_mismatch")
		}
	}

	return score, flags
}

func (a *Analyzer) checkTimezone(p *Payload, _ string) (int, []string) {
	var score int
	var flags []string

	if p.Timezone == "" {
		score += 15
		flags = append(flags, "no_timezone")
	}
	if p.Timezone == "UTC" && p.TimezoneOffset == 0 {
		// UTC with zero offset is the default in most automation frameworks
		score += 10
		flags = append(flags, "utc_timezone")
	}

	return score, flags
}

func (a *Analyzer) checkHardware(p *Payload, _ string) (int, []string) {
	var score int
	var flags []string

	if p.Cores == 0 {
		score += 15
		flags = append(flags, "no_cpu_info")
	}
	if p.Memory == 0 {
		score += 10
		flags = append(flags, "no_memory_info")
	}
	if p.Cores > 32 {
		score += 10
		flags = append(flags, "server_grade_cpu")
	}

	return score, flags
}

func (a *Analyzer) checkWebGL(p *Payload, _ string) (int, []string) {
	var score int
	var flags []string

	if !p.WebGLSupported {
		score += 15
		flags = append(flags, "webgl_unsupported")
	}

	vendor := strings.ToLower(p.WebGLVendor)
	if strings.Contains(vendor, "mesa") || strings.Contains(vendor, "swiftshader") {
		score += 20
		flags = append(flags, "software_webgl_vendor")
	}
	if strings.Contains(strings.ToLower(p.WebGLRenderer), "llvmpipe") {
		score += 25
		flags = append(flags, "llvmpipe_renderer")
	}

	return score, flags
}

func (a *Analyzer) checkPlugins(p *Payload, _ string) (int, []string) {
	platform := strings.ToLower(p.Platform)
	mobile := strings.Contains(platform, "android") || strings.Contains(platform, "iphone") ||
		strings.Contains(platform, "ipad")

	if p.PluginCount == 0 && !mobile {
		return 10, []string{"no_plugins"}
	}
	return 0, nil
}

func (a *Analyzer) checkBehavior(p *Payload, _ string) (int, []string) {
	var score int
	var flags []string

	if p.MouseMovements == 0 && p.Clicks == 0 && p.KeyPresses == 0 && p.ScrollEvents == 0 {
		score += 30
		flags = append(flags, "no_interaction")
	}
	// Clicks without any pointer movement cannot happen on a real device
	if p.Clicks > 0 && p.MouseMovements == 0 {
		score += 25
		flags = append(flags, "clicks_without_movement")
	}

	return score, flags
}

func (a *Analyzer) checkCrossField(p *Payload, _ string) (int, []string) {
	var score int
	var flags []string

	platform := strings.ToLower(p.Platform)
	mobile := strings.Contains(platform, "android") || strings.Contains(platform, "iphone") ||
		strings.Contains(platform, "ipad")

	if p.TouchSupport && platform != "" && !mobile {
		score += 15
		flags = append(flags, "touch_on_desktop")
	}
	if p.ViewportWidth > p.ScreenWidth || p.ViewportHeight > p.ScreenHeight {
		score += 15
		flags = append(flags, "viewport_exceeds_screen")
	}

	return score, flags
}

func (a *Analyzer) checkHistory(p *Payload, _ string) (int, []string) {
	if a.history == nil {
		return 0, nil
	}

	hash := p.Hash
	if hash == "" {
		hash = CorrelationHash(p)
	}

	var score int
	var flags []string

	// Read errors degrade to "no history"; this check must never fail
	// the pipeline.
	if ips, err := a.history.CountFingerprintIPs(hash); err == nil && ips > 10 {
		score += 30
		flags = append(flags, "fingerprint_ip_farm")
	}
	if visits, err := a.history.FingerprintVisitCount(hash); err == nil && visits > 100 {
		score += 15
		flags = append(flags, "fingerprint_overused")
	}

	return score, flags
}
