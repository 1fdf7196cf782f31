package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/cache"
	"github.com/driftlane/cloakd/internal/config"
)

// Location is the result of resolving an IP.
type Location struct {
	IP          string  `json:"ip"`
	CountryCode string  `json:"country_code"`
	Country     string  `json:"country"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Postal      string  `json:"postal"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
	ASN         uint    `json:"asn"`
}

// Provider resolves a single IP. Implementations must respect ctx deadlines.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
	Close() error
}

// Resolver fronts a Provider with a cache, a private-IP short-circuit and a
// hard lookup deadline. Lookup failures degrade to an unknown Location; the
// resolver never blocks the decision path past the deadline.
type Resolver struct {
	provider Provider
	cache    cache.Cache
	timeout  time.Duration
	cacheTTL time.Duration
	log      zerolog.Logger
}

func NewResolver(cfg config.GeoConfig, c cache.Cache, cacheTTL time.Duration, log zerolog.Logger) (*Resolver, error) {
	var provider Provider
	var err error

	switch cfg.Provider {
	case "", "maxmind":
		provider, err = NewMaxMindProvider(cfg.CityDBPath, cfg.ASNDBPath)
	case "webapi":
		provider = NewWebAPIProvider(cfg.WebAPIURL, cfg.LookupTimeout)
	default:
		return nil, fmt.Errorf("geo: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return &Resolver{
		provider: provider,
		cache:    c,
		timeout:  cfg.LookupTimeout,
		cacheTTL: cacheTTL,
		log:      log,
	}, nil
}

// NewResolverWithProvider wires an explicit provider; used by tests.
func NewResolverWithProvider(p Provider, c cache.Cache, timeout, cacheTTL time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{provider: p, cache: c, timeout: timeout, cacheTTL: cacheTTL, log: log}
}

// Unknown is the fail-open-to-defaults location used when a lookup cannot
// complete. It carries the IP but no classification.
func Unknown(ip string) *Location {
	return &Location{IP: ip}
}

// Local is the pseudo-location assigned to private/reserved addresses.
func Local(ip string) *Location {
	return &Location{IP: ip, CountryCode: "LO", Country: "Local Network"}
}

// Resolve returns the location for ip. Private/reserved addresses resolve to
// Local without any network call. On provider error or deadline the unknown
// location is returned; the error is logged, never propagated.
func (r *Resolver) Resolve(ctx context.Context, ip string) *Location {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Unknown(ip)
	}
	if IsPrivate(parsed) {
		return Local(ip)
	}

	key := "geo:" + ip
	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, key); err == nil {
			var loc Location
			if json.Unmarshal(raw, &loc) == nil {
				return &loc
			}
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	loc, err := r.provider.Lookup(lookupCtx, ip)
	if err != nil {
		r.log.Warn().Err(err).Str("ip", ip).Str("fallback", "unknown_location").
			Msg("geo lookup failed")
		return Unknown(ip)
	}
	loc.IP = ip

	if r.cache != nil {
		if raw, err := json.Marshal(loc); err == nil {
			r.cache.Set(ctx, key, raw, r.cacheTTL)
		}
	}

	return loc
}

func (r *Resolver) Close() error {
	if r.provider != nil {
		return r.provider.Close()
	}
	return nil
}

var privateCIDRs = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

// IsPrivate reports whether ip is private, loopback or otherwise reserved.
func IsPrivate(ip net.IP) bool {
	for _, c := range privateCIDRs {
		if c.Contains(ip) {
			return true
		}
	}
	return false
}

func mustCIDRs(specs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(specs))
	for _, s := range specs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
