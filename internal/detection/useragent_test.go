package detection

import "testing"

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		device  string
		os      string
		browser string
	}{
		{
			name:    "windows chrome",
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			device:  DeviceDesktop,
			os:      "Windows",
			browser: "Chrome",
		},
		{
			name:    "iphone safari",
			ua:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
			device:  DeviceMobile,
			os:      "iOS",
			browser: "Safari",
		},
		{
			name:    "ipad is tablet not mobile",
			ua:      "Mozilla/5.0 (iPad; CPU OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1",
			device:  DeviceTablet,
			os:      "iOS",
			browser: "Safari",
		},
		{
			name:    "edge not chrome",
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
			device:  DeviceDesktop,
			os:      "Windows",
			browser: "Edge",
		},
		{
			name:    "android samsung browser",
			ua:      "Mozilla/5.0 (Linux; Android 13; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) SamsungBrowser/23.0 Chrome/115.0.0.0 Mobile Safari/537.36",
			device:  DeviceMobile,
			os:      "Android",
			browser: "Samsung Internet",
		},
		{
			name:    "mac firefox",
			ua:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
			device:  DeviceDesktop,
			os:      "macOS",
			browser: "Firefox",
		},
		{
			name:   "empty",
			ua:     "",
			device: DeviceDesktop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseUserAgent(tt.ua)
			if got.Type != tt.device {
				t.Fatalf("device = %q, want %q", got.Type, tt.device)
			}
			if got.OS != tt.os {
				t.Fatalf("os = %q, want %q", got.OS, tt.os)
			}
			if got.Browser != tt.browser {
				t.Fatalf("browser = %q, want %q", got.Browser, tt.browser)
			}
		})
	}
}

func TestParseUserAgentVersions(t *testing.T) {
	ua := "Mozilla/5.0 (Windows NT 6.1; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/109.0.5414.120 Safari/537.36"
	got := ParseUserAgent(ua)
	if got.OSVersion != "7" {
		t.Fatalf("os version = %q, want %q", got.OSVersion, "7")
	}
	if got.BrowserVersion != "109.0.5414.120" {
		t.Fatalf("browser version = %q, want %q", got.BrowserVersion, "109.0.5414.120")
	}

	ua = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.6167.101 Mobile Safari/537.36"
	got = ParseUserAgent(ua)
	if got.OSVersion != "14" {
		t.Fatalf("android version = %q, want %q", got.OSVersion, "14")
	}
	if got.Brand != "Google" || got.Model != "Pixel 8" {
		t.Fatalf("brand/model = %q/%q, want Google/Pixel 8", got.Brand, got.Model)
	}
}
