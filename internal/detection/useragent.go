package detection

import (
	"regexp"
	"strings"
)

// Device types
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// DeviceInfo is the parsed form of a User-Agent string.
type DeviceInfo struct {
	Type           string `json:"type"`
	Brand          string `json:"brand"`
	Model          string `json:"model"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version"`
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version"`
}

// Pattern order matters throughout: tablets are checked before mobiles
// because tablet UA strings usually contain mobile markers too, and Edge is
// checked before Chrome because Edge UAs contain "Chrome".

var tabletPatterns = []string{"ipad", "tablet", "kindle", "silk/", "playbook", "nexus 7", "nexus 9", "nexus 10"}

var mobilePatterns = []string{"mobile", "iphone", "ipod", "android", "blackberry", "windows phone", "opera mini", "iemobile"}

var (
	reWindowsNT  = regexp.MustCompile(`Windows NT (\d+\.\d+)`)
	reAndroidVer = regexp.MustCompile(`Android (\d+(?:\.\d+)*)`)
	reIOSVer     = regexp.MustCompile(`OS (\d+(?:[_.]\d+)*) like Mac OS X`)
	reMacVer     = regexp.MustCompile(`Mac OS X (\d+(?:[_.]\d+)*)`)

	reEdgeVer    = regexp.MustCompile(`(?:Edg|Edge|EdgA)/(\d+(?:\.\d+)*)`)
	reOperaVer   = regexp.MustCompile(`(?:OPR|Opera)/(\d+(?:\.\d+)*)`)
	reChromeVer  = regexp.MustCompile(`(?:Chrome|CriOS)/(\d+(?:\.\d+)*)`)
	reFirefoxVer = regexp.MustCompile(`(?:Firefox|FxiOS)/(\d+(?:\.\d+)*)`)
	reSafariVer  = regexp.MustCompile(`Version/(\d+(?:\.\d+)*)`)
	reSamsungVer = regexp.MustCompile(`SamsungBrowser/(\d+(?:\.\d+)*)`)

	reSamsungModel = regexp.MustCompile(`(SM-[A-Z0-9]+)`)
	rePixelModel   = regexp.MustCompile(`(Pixel [^;)]+)`)
)

var windowsVersions = map[string]string{
	"10.0": "10",
	"6.3":  "8.1",
	"6.2":  "8",
	"6.1":  "7",
	"6.0":  "Vista",
	"5.1":  "XP",
}

// ParseUserAgent classifies device, OS and browser from a UA string. Unknown
// values stay empty; an empty UA yields a desktop record with no browser.
func ParseUserAgent(ua string) DeviceInfo {
	info := DeviceInfo{Type: DeviceDesktop}
	if ua == "" {
		return info
	}
	lower := strings.ToLower(ua)

	// Device type, tablets first
	for _, p := range tabletPatterns {
		if strings.Contains(lower, p) {
			info.Type = DeviceTablet
			break
		}
	}
	if info.Type == DeviceDesktop {
		for _, p := range mobilePatterns {
			if strings.Contains(lower, p) {
				info.Type = DeviceMobile
				break
			}
		}
	}

	info.OS, info.OSVersion = parseOS(ua, lower)
	info.Brand, info.Model = parseBrandModel(ua, lower)
	info.Browser, info.BrowserVersion = parseBrowser(ua, lower)

	return info
}

func parseOS(ua, lower string) (string, string) {
	switch {
	case strings.Contains(lower, "windows phone"):
		return "Windows Phone", ""
	case strings.Contains(lower, "windows"):
		if m := reWindowsNT.FindStringSubmatch(ua); m != nil {
			if v, ok := windowsVersions[m[1]]; ok {
				return "Windows", v
			}
			return "Windows", m[1]
		}
		return "Windows", ""
	case strings.Contains(lower, "android"):
		if m := reAndroidVer.FindStringSubmatch(ua); m != nil {
			return "Android", m[1]
		}
		return "Android", ""
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"), strings.Contains(lower, "ipod"):
		if m := reIOSVer.FindStringSubmatch(ua); m != nil {
			return "iOS", strings.ReplaceAll(m[1], "_", ".")
		}
		return "iOS", ""
	case strings.Contains(lower, "mac os x"), strings.Contains(lower, "macintosh"):
		if m := reMacVer.FindStringSubmatch(ua); m != nil {
			return "macOS", strings.ReplaceAll(m[1], "_", ".")
		}
		return "macOS", ""
	case strings.Contains(lower, "cros"):
		return "ChromeOS", ""
	case strings.Contains(lower, "linux"):
		return "Linux", ""
	}
	return "", ""
}

func parseBrandModel(ua, lower string) (string, string) {
	switch {
	case strings.Contains(lower, "iphone"):
		return "Apple", "iPhone"
	case strings.Contains(lower, "ipad"):
		return "Apple", "iPad"
	case strings.Contains(lower, "macintosh"):
		return "Apple", "Mac"
	}
	if m := reSamsungModel.FindStringSubmatch(ua); m != nil {
		return "Samsung", m[1]
	}
	if m := rePixelModel.FindStringSubmatch(ua); m != nil {
		return "Google", m[1]
	}
	switch {
	case strings.Contains(lower, "huawei"):
		return "Huawei", ""
	case strings.Contains(lower, "xiaomi"), strings.Contains(lower, "redmi"):
		return "Xiaomi", ""
	}
	return "", ""
}

func parseBrowser(ua, lower string) (string, string) {
	switch {
	case strings.Contains(lower, "edg"):
		if m := reEdgeVer.FindStringSubmatch(ua); m != nil {
			return "Edge", m[1]
		}
		return "Edge", ""
	case strings.Contains(lower, "opr/"), strings.Contains(lower, "opera"):
		if m := reOperaVer.FindStringSubmatch(ua); m != nil {
			return "Opera", m[1]
		}
		return "Opera", ""
	case strings.Contains(lower, "samsungbrowser"):
		if m := reSamsungVer.FindStringSubmatch(ua); m != nil {
			return "Samsung Internet", m[1]
		}
		return "Samsung Internet", ""
	case strings.Contains(lower, "firefox"), strings.Contains(lower, "fxios"):
		if m := reFirefoxVer.FindStringSubmatch(ua); m != nil {
			return "Firefox", m[1]
		}
		return "Firefox", ""
	case strings.Contains(lower, "chrome"), strings.Contains(lower, "crios"):
		if m := reChromeVer.FindStringSubmatch(ua); m != nil {
			return "Chrome", m[1]
		}
		return "Chrome", ""
	case strings.Contains(lower, "safari"):
		if m := reSafariVer.FindStringSubmatch(ua); m != nil {
			return "Safari", m[1]
		}
		return "Safari", ""
	}
	return "", ""
}
