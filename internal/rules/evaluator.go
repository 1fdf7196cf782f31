package rules

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/database"
	"github.com/driftlane/cloakd/internal/detection"
)

// Match is the outcome of a rule evaluation.
type Match struct {
	Action      string
	RuleID      string
	RuleName    string
	RedirectURL string
}

// Evaluator matches visitor records against campaign rules. Rules are read
// ordered by priority desc then id asc; the first match is terminal and bumps
// the rule's hit counter.
type Evaluator struct {
	db  *database.DB
	log zerolog.Logger

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
}

func NewEvaluator(db *database.DB, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		db:      db,
		log:     log.With().Str("component", "rules").Logger(),
		regexes: map[string]*regexp.Regexp{},
	}
}

// Evaluate returns the first matching rule or nil. A storage error also
// returns nil so the caller falls through to the default policy.
func (e *Evaluator) Evaluate(ctx context.Context, campaignID string, v *detection.VisitorRecord) *Match {
	list, err := e.db.ListActiveRules(campaignID)
	if err != nil {
		e.log.Warn().Err(err).Str("campaign_id", campaignID).Msg("rule load failed")
		return nil
	}
	for i := range list {
		rule := &list[i]
		if e.matches(rule, v) {
			go func(id string) {
				if err := e.db.IncrementRuleHits(id); err != nil {
					e.log.Debug().Err(err).Str("rule_id", id).Msg("hit counter update failed")
				}
			}(rule.ID)
			return &Match{
				Action:      rule.Action,
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				RedirectURL: rule.RedirectURL,
			}
		}
	}
	return nil
}

func (e *Evaluator) matches(rule *database.Rule, v *detection.VisitorRecord) bool {
	field, ok := resolveField(rule.Type, rule.Field, v)
	if !ok {
		// Absent data never satisfies a rule
		return false
	}
	return e.apply(rule.Operator, field, rule.Value)
}

// resolveField dispatches type then field. The second return is false when
// the attribute does not exist or has no value for this visitor.
func resolveField(ruleType, field string, v *detection.VisitorRecord) (string, bool) {
	switch ruleType {
	case "geo":
		if v.Geo == nil {
			return "", false
		}
		switch field {
		case "country", "country_code":
			return nonEmpty(v.Geo.CountryCode)
		case "country_name":
			return nonEmpty(v.Geo.Country)
		case "region":
			return nonEmpty(v.Geo.Region)
		case "city":
			return nonEmpty(v.Geo.City)
		case "timezone":
			return nonEmpty(v.Geo.Timezone)
		}
	case "device":
		switch field {
		case "type", "":
			return nonEmpty(v.Device.Type)
		case "brand":
			return nonEmpty(v.Device.Brand)
		case "model":
			return nonEmpty(v.Device.Model)
		}
	case "isp":
		if v.Geo == nil {
			return "", false
		}
		switch field {
		case "asn":
			if v.Geo.ASN == 0 {
				return "", false
			}
			return strconv.FormatUint(uint64(v.Geo.ASN), 10), true
		default:
			return nonEmpty(v.Geo.ISP)
		}
	case "ip":
		return nonEmpty(v.IP)
	case "referer":
		return nonEmpty(v.Referer)
	case "time":
		switch field {
		case "hour":
			return strconv.Itoa(v.Timestamp.Hour()), true
		case "day", "day_of_week":
			return strings.ToLower(v.Timestamp.Weekday().String()), true
		case "date":
			return v.Timestamp.Format("2006-01-02"), true
		default:
			return v.Timestamp.Format(time.RFC3339), true
		}
	case "bot":
		switch field {
		case "probability":
			return strconv.FormatFloat(v.BotProbability, 'f', -1, 64), true
		case "name":
			return nonEmpty(v.BotName)
		case "category":
			return nonEmpty(v.BotCategory)
		default:
			return strconv.FormatBool(v.IsBot), true
		}
	case "vpn":
		return strconv.FormatBool(v.IsVPN), true
	case "proxy":
		return strconv.FormatBool(v.IsProxy), true
	case "language":
		return nonEmpty(v.Language)
	case "browser":
		switch field {
		case "version":
			return nonEmpty(v.Device.BrowserVersion)
		default:
			return nonEmpty(v.Device.Browser)
		}
	case "os":
		switch field {
		case "version":
			return nonEmpty(v.Device.OSVersion)
		default:
			return nonEmpty(v.Device.OS)
		}
	case "custom":
		return resolveCustom(field, v)
	}
	return "", false
}

// resolveCustom checks query params, then headers, then top-level fields.
func resolveCustom(field string, v *detection.VisitorRecord) (string, bool) {
	key := strings.ToLower(field)
	if val, ok := v.Query[key]; ok {
		return val, true
	}
	if val, ok := v.Headers[key]; ok && val != "" {
		return val, true
	}
	switch key {
	case "ip":
		return nonEmpty(v.IP)
	case "user_agent":
		return nonEmpty(v.UserAgent)
	case "referer", "referrer":
		return nonEmpty(v.Referer)
	case "path":
		return nonEmpty(v.Path)
	case "method":
		return nonEmpty(v.Method)
	case "language":
		return nonEmpty(v.Language)
	case "fingerprint_hash":
		return nonEmpty(v.FingerprintHash)
	case "request_hash":
		return nonEmpty(v.RequestHash)
	case "is_bot":
		return strconv.FormatBool(v.IsBot), true
	case "is_headless":
		return strconv.FormatBool(v.IsHeadless), true
	case "is_scraper":
		return strconv.FormatBool(v.IsScraper), true
	case "risk_score":
		return strconv.Itoa(v.RiskScore), true
	}
	return "", false
}

func nonEmpty(s string) (string, bool) {
	return s, s != ""
}

func (e *Evaluator) apply(op, field, value string) bool {
	switch op {
	case "equals":
		return strings.EqualFold(field, value)
	case "not_equals":
		return !strings.EqualFold(field, value)
	case "contains":
		return containsFold(field, value)
	case "not_contains":
		return !containsFold(field, value)
	case "in":
		return inList(field, value)
	case "not_in":
		return !inList(field, value)
	case "starts_with":
		return len(field) >= len(value) && strings.EqualFold(field[:len(value)], value)
	case "ends_with":
		return len(field) >= len(value) && strings.EqualFold(field[len(field)-len(value):], value)
	case "regex":
		re := e.compile(value)
		return re != nil && re.MatchString(field)
	case "between":
		return between(field, value)
	case "greater_than":
		return compare(field, value) > 0
	case "less_than":
		return compare(field, value) < 0
	}
	return false
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// inList parses the value as a JSON array when possible, comma-split
// otherwise, and matches each element with equals semantics.
func inList(field, value string) bool {
	var items []string
	var arr []any
	if err := json.Unmarshal([]byte(value), &arr); err == nil {
		for _, it := range arr {
			switch t := it.(type) {
			case string:
				items = append(items, t)
			case float64:
				items = append(items, strconv.FormatFloat(t, 'f', -1, 64))
			case bool:
				items = append(items, strconv.FormatBool(t))
			}
		}
	} else {
		items = strings.Split(value, ",")
	}
	for _, it := range items {
		if strings.EqualFold(field, strings.TrimSpace(it)) {
			return true
		}
	}
	return false
}

// compile returns a cached case-insensitive regexp, or nil for an invalid
// pattern. Invalid patterns fail closed.
func (e *Evaluator) compile(pattern string) *regexp.Regexp {
	e.mu.RLock()
	re, ok := e.regexes[pattern]
	e.mu.RUnlock()
	if ok {
		return re
	}

	expr := pattern
	if strings.HasPrefix(expr, "/") {
		if end := strings.LastIndex(expr, "/"); end > 0 {
			expr = expr[1:end]
		}
	}
	compiled, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		e.log.Warn().Str("pattern", pattern).Err(err).Msg("invalid rule regex")
		compiled = nil
	}

	e.mu.Lock()
	e.regexes[pattern] = compiled
	e.mu.Unlock()
	return compiled
}

func between(field, value string) bool {
	sep := ","
	if !strings.Contains(value, ",") {
		sep = "-"
	}
	parts := strings.SplitN(value, sep, 2)
	if len(parts) != 2 {
		return false
	}
	lo, hi := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	return compare(field, lo) >= 0 && compare(field, hi) <= 0
}

// compare is numeric when both sides parse as numbers, lexicographic
// (case-insensitive) otherwise.
func compare(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
