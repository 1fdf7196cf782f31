package engine

import (
	"strings"
	"time"

	"github.com/driftlane/cloakd/internal/database"
	"github.com/driftlane/cloakd/internal/detection"
)

// A filter inspects the visitor against campaign configuration and returns a
// non-empty reason when the visitor must be sent to the safe page. Filters
// run in fixed order and the first non-empty reason is terminal.
type filter func(c *database.Campaign, v *detection.VisitorRecord) string

var filterChain = []filter{
	checkSchedule,
	checkSecurity,
	checkGeo,
	checkDevice,
	checkBehavior,
	checkAdvanced,
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// checkSchedule enforces the campaign's day-of-week and time-of-day window
// in the campaign's configured timezone.
func checkSchedule(c *database.Campaign, v *detection.VisitorRecord) string {
	s := c.Rules.Schedule
	if !s.Enabled {
		return ""
	}

	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	now := v.Timestamp.In(loc)

	if len(s.Days) > 0 {
		day := weekdayNames[now.Weekday()]
		ok := false
		for _, d := range s.Days {
			if strings.EqualFold(strings.TrimSpace(d), day) {
				ok = true
				break
			}
		}
		if !ok {
			return "schedule:day"
		}
	}

	if s.StartTime != "" && s.EndTime != "" {
		hm := now.Format("15:04")
		if s.StartTime <= s.EndTime {
			if hm < s.StartTime || hm > s.EndTime {
				return "schedule:hours"
			}
		} else {
			// Window crosses midnight
			if hm < s.StartTime && hm > s.EndTime {
				return "schedule:hours"
			}
		}
	}
	return ""
}

// checkSecurity applies the per-campaign detection flags. All fired checks
// are reported together.
func checkSecurity(c *database.Campaign, v *detection.VisitorRecord) string {
	s := c.Settings
	var fired []string
	if s.DetectBots && v.IsBot {
		fired = append(fired, "bot")
	}
	if s.DetectVPN && v.IsVPN {
		fired = append(fired, "vpn")
	}
	if s.DetectProxy && v.IsProxy {
		fired = append(fired, "proxy")
	}
	if s.DetectTor && v.IsTor {
		fired = append(fired, "tor")
	}
	if s.DetectDatacenter && v.IsDatacenter {
		fired = append(fired, "datacenter")
	}
	if s.DetectHeadless && v.IsHeadless {
		fired = append(fired, "headless")
	}
	if s.DetectScrapers && v.IsScraper {
		fired = append(fired, "scraper")
	}
	if len(fired) == 0 {
		return ""
	}
	return "security:" + strings.Join(fired, ",")
}

// checkGeo applies country, region, city, timezone and ISP filters. Block
// lists are checked before allow lists so a conflict always blocks.
func checkGeo(c *database.Campaign, v *detection.VisitorRecord) string {
	g := c.Rules.Geo
	if v.Geo == nil {
		if len(g.AllowedCountries) > 0 {
			return "geo:unknown"
		}
		return ""
	}

	if inListFold(g.BlockedCountries, v.Geo.CountryCode) {
		return "geo:blocked_country"
	}
	if len(g.AllowedCountries) > 0 && !inListFold(g.AllowedCountries, v.Geo.CountryCode) {
		return "geo:country_not_allowed"
	}
	if len(g.AllowedRegions) > 0 && !inListFold(g.AllowedRegions, v.Geo.Region) {
		return "geo:region"
	}
	if len(g.AllowedCities) > 0 && !inListFold(g.AllowedCities, v.Geo.City) {
		return "geo:city"
	}
	if len(g.AllowedTimezones) > 0 && !inListFold(g.AllowedTimezones, v.Geo.Timezone) {
		return "geo:timezone"
	}

	if anySubstring(g.BlockedISPs, v.Geo.ISP) {
		return "geo:blocked_isp"
	}
	if len(g.AllowedISPs) > 0 && !anySubstring(g.AllowedISPs, v.Geo.ISP) {
		return "geo:isp"
	}
	return ""
}

func checkDevice(c *database.Campaign, v *detection.VisitorRecord) string {
	d := c.Rules.Device
	if len(d.AllowedDevices) > 0 && !inListFold(d.AllowedDevices, v.Device.Type) {
		return "device:type"
	}
	if len(d.AllowedOS) > 0 && !anySubstring(d.AllowedOS, v.Device.OS) {
		return "device:os"
	}
	if anySubstring(d.BlockedBrowsers, v.Device.Browser) {
		return "device:blocked_browser"
	}
	if len(d.AllowedBrowsers) > 0 && !anySubstring(d.AllowedBrowsers, v.Device.Browser) {
		return "device:browser"
	}
	return ""
}

func checkBehavior(c *database.Campaign, v *detection.VisitorRecord) string {
	b := c.Rules.Behavior
	if len(b.AllowedLanguages) > 0 {
		ok := false
		for _, lang := range v.Languages {
			if anySubstring(b.AllowedLanguages, lang) {
				ok = true
				break
			}
		}
		if !ok {
			return "behavior:language"
		}
	}
	if anySubstring(b.BlockedReferrers, v.Referer) {
		return "behavior:blocked_referrer"
	}
	if b.RequiredReferrer != "" {
		// An empty referer never satisfies the requirement
		if v.Referer == "" || !strings.Contains(strings.ToLower(v.Referer), strings.ToLower(b.RequiredReferrer)) {
			return "behavior:referrer"
		}
	}
	return ""
}

// checkAdvanced fails closed: missing signals count as failures, never as
// passes.
func checkAdvanced(c *database.Campaign, v *detection.VisitorRecord) string {
	a := c.Rules.Advanced
	if a.RequireJavaScript && !v.HasJavascript {
		return "advanced:no_javascript"
	}
	if a.RequireCookies && !v.HasCookies {
		return "advanced:no_cookies"
	}
	if a.CheckBrowserFeatures {
		for _, feature := range []string{"canvas", "webgl", "audio"} {
			present, known := v.BrowserFeature(feature)
			if !known {
				return "advanced:no_features"
			}
			if !present {
				return "advanced:missing_" + feature
			}
		}
	}
	return ""
}

func inListFold(list []string, value string) bool {
	if value == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

// anySubstring reports whether value contains any list entry,
// case-insensitively.
func anySubstring(list []string, value string) bool {
	if value == "" {
		return false
	}
	lower := strings.ToLower(value)
	for _, item := range list {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" && strings.Contains(lower, item) {
			return true
		}
	}
	return false
}
