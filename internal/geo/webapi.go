package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebAPIProvider resolves IPs against an ip-api style JSON endpoint. One
// attempt per lookup; the caller's deadline bounds the whole call.
type WebAPIProvider struct {
	baseURL string
	client  *http.Client
}

func NewWebAPIProvider(baseURL string, timeout time.Duration) *WebAPIProvider {
	return &WebAPIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type webAPIResponse struct {
	Status      string  `json:"status"`
	CountryCode string  `json:"countryCode"`
	Country     string  `json:"country"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Zip         string  `json:"zip"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	AS          string  `json:"as"` // "AS15169 Google LLC"
}

func (p *WebAPIProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	url := fmt.Sprintf("%s/json/%s?fields=status,countryCode,country,regionName,city,zip,lat,lon,timezone,isp,org,as", p.baseURL, ip)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo: web api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo: web api returned status %d", resp.StatusCode)
	}

	var body webAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("geo: decode web api response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("geo: web api lookup failed for %s", ip)
	}

	return &Location{
		IP:          ip,
		CountryCode: body.CountryCode,
		Country:     body.Country,
		Region:      body.RegionName,
		City:        body.City,
		Postal:      body.Zip,
		Latitude:    body.Lat,
		Longitude:   body.Lon,
		Timezone:    body.Timezone,
		ISP:         body.ISP,
		Org:         body.Org,
		ASN:         parseASN(body.AS),
	}, nil
}

func (p *WebAPIProvider) Close() error { return nil }

func parseASN(as string) uint {
	if !strings.HasPrefix(as, "AS") {
		return 0
	}
	var n uint
	for _, r := range as[2:] {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + uint(r-'0')
	}
	return n
}
