package detection

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/database"
)

// BotMatch is the outcome of the user-agent bot check.
type BotMatch struct {
	IsBot       bool
	Probability float64
	Name        string
	Category    string
}

// ScraperMatch is the outcome of the HTTP-client/library check.
type ScraperMatch struct {
	IsScraper   bool
	Probability float64
	Name        string
}

// toolSubstrings show up in UAs of HTTP tooling rather than browsers.
var toolSubstrings = []string{"bot", "crawl", "spider", "scrape", "fetch", "http", "client", "library", "python", "java/", "perl", "ruby", "php"}

// scraperSignatures map exact UA substrings to display names. Ordered so the
// most specific entries win.
var scraperSignatures = []struct {
	Substring string
	Name      string
}{
	{"scrapy", "Scrapy"},
	{"python-requests", "Python Requests"},
	{"python-urllib", "Python urllib"},
	{"aiohttp", "aiohttp"},
	{"go-http-client", "Go HTTP Client"},
	{"curl/", "cURL"},
	{"wget/", "Wget"},
	{"axios/", "Axios"},
	{"node-fetch", "Node Fetch"},
	{"okhttp", "OkHttp"},
	{"libwww-perl", "LWP"},
	{"httpclient", "HTTP Client"},
	{"guzzlehttp", "Guzzle"},
	{"java/", "Java HTTP"},
	{"httpie", "HTTPie"},
	{"postmanruntime", "Postman"},
	{"insomnia", "Insomnia"},
}

var headlessSubstrings = []string{"headless", "phantomjs", "selenium", "webdriver", "puppeteer", "playwright"}

// Trailing ".0.0.0" build numbers are a headless Chrome giveaway; real
// browsers report full build versions.
var reExactChromeVer = regexp.MustCompile(`Chrome/\d+\.0\.0\.0`)

// BotMatcher matches user agents against the persistent bot pattern table.
// Patterns are loaded once and held in memory; hit counters are written back
// asynchronously.
type BotMatcher struct {
	db  *database.DB
	log zerolog.Logger

	mu       sync.RWMutex
	patterns []database.BotPattern
}

func NewBotMatcher(db *database.DB, log zerolog.Logger) *BotMatcher {
	m := &BotMatcher{db: db, log: log.With().Str("component", "bots").Logger()}
	if err := m.Reload(context.Background()); err != nil {
		m.log.Warn().Err(err).Msg("bot pattern load failed")
	}
	return m
}

// Reload refreshes the in-memory pattern list from the database.
func (m *BotMatcher) Reload(ctx context.Context) error {
	patterns, err := m.db.ListBotPatterns()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.patterns = patterns
	m.mu.Unlock()
	return nil
}

// Match classifies the user agent. An empty UA is treated as a bot at 0.9
// probability. A known pattern match is definitive at 1.0 and increments the
// pattern's hit counter. Otherwise a weighted point score over request shape
// decides against the threshold (0.5 when unset).
func (m *BotMatcher) Match(r *http.Request, ua string, threshold float64) BotMatch {
	if threshold <= 0 {
		threshold = 0.5
	}
	if ua == "" {
		return BotMatch{IsBot: true, Probability: 0.9, Category: "unknown"}
	}
	lower := strings.ToLower(ua)

	m.mu.RLock()
	patterns := m.patterns
	m.mu.RUnlock()

	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p.Pattern)) {
			id := p.ID
			go func() {
				if err := m.db.IncrementBotPatternHits(id); err != nil {
					m.log.Debug().Err(err).Int64("pattern_id", id).Msg("hit counter update failed")
				}
			}()
			return BotMatch{IsBot: true, Probability: 1.0, Name: p.Name, Category: p.Category}
		}
	}

	var points, max float64

	max += 15
	if r.Header.Get("Accept") == "" {
		points += 15
	}
	max += 15
	if r.Header.Get("Accept-Language") == "" {
		points += 15
	}
	max += 10
	if r.Header.Get("Accept-Encoding") == "" {
		points += 10
	}
	max += 25
	for _, s := range toolSubstrings {
		if strings.Contains(lower, s) {
			points += 25
			break
		}
	}
	max += 15
	if len(ua) < 40 {
		points += 15
	}
	max += 10
	if len(r.Cookies()) == 0 {
		points += 10
	}

	prob := points / max
	return BotMatch{IsBot: prob >= threshold, Probability: prob}
}

// ScoreHeadless estimates the probability the request comes from an automated
// browser. The threshold defaults to 0.5 when unset.
func ScoreHeadless(r *http.Request, ua string, threshold float64) (float64, bool) {
	if threshold <= 0 {
		threshold = 0.5
	}
	lower := strings.ToLower(ua)
	var points, max float64

	// An automation marker in the UA must flag on its own, even when every
	// other signal looks like a normal browser.
	max += 60
	for _, s := range headlessSubstrings {
		if strings.Contains(lower, s) {
			points += 60
			break
		}
	}
	max += 30
	if strings.Contains(ua, "HeadlessChrome") {
		points += 30
	}
	max += 15
	if r.Header.Get("Accept-Language") == "" {
		points += 15
	}
	max += 10
	if reExactChromeVer.MatchString(ua) {
		points += 10
	}

	prob := points / max
	return prob, prob >= threshold
}

// ScoreScraper detects HTTP client libraries. Known signatures are definitive
// at 1.0; otherwise a weighted behavioral score decides against the
// threshold (0.6 when unset).
func ScoreScraper(r *http.Request, ua string, threshold float64) ScraperMatch {
	if threshold <= 0 {
		threshold = 0.6
	}
	lower := strings.ToLower(ua)
	for _, sig := range scraperSignatures {
		if strings.Contains(lower, sig.Substring) {
			return ScraperMatch{IsScraper: true, Probability: 1.0, Name: sig.Name}
		}
	}

	var points, max float64

	max += 25
	if r.Header.Get("Accept") == "" {
		points += 25
	}
	max += 20
	if r.Header.Get("Accept-Language") == "" {
		points += 20
	}
	max += 15
	if r.Header.Get("Accept-Encoding") == "" {
		points += 15
	}
	max += 20
	if len(ua) < 40 {
		points += 20
	}
	max += 10
	if len(r.Cookies()) == 0 {
		points += 10
	}

	prob := points / max
	return ScraperMatch{IsScraper: prob >= threshold, Probability: prob}
}
