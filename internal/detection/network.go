package detection

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftlane/cloakd/internal/database"
)

// ipHeaders in priority order. The first header carrying a valid public
// address wins; private or malformed values fall through to the next one.
var ipHeaders = []string{
	"CF-Connecting-IP",
	"X-Real-IP",
	"X-Forwarded-For",
	"X-Client-IP",
}

var proxyHeaders = []string{
	"Via",
	"X-Forwarded-For",
	"Forwarded",
	"X-Proxy-ID",
	"Proxy-Connection",
	"X-Bluecoat-Via",
	"Client-IP",
	"X-Proxy-Authorization",
	"Proxy-Authorization",
	"X-Squid-Error",
}

// ExtractIP resolves the client address from proxy headers, falling back to
// the socket peer. X-Forwarded-For contributes only its first entry.
func ExtractIP(r *http.Request) string {
	for _, h := range ipHeaders {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			if idx := strings.Index(v, ","); idx >= 0 {
				v = v[:idx]
			}
		}
		v = strings.TrimSpace(v)
		if ip := net.ParseIP(v); ip != nil && isPublicIP(ip) {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HasProxyHeaders reports whether the request carries any header commonly
// injected by forward proxies.
func HasProxyHeaders(r *http.Request) bool {
	for _, h := range proxyHeaders {
		if r.Header.Get(h) != "" {
			return true
		}
	}
	return false
}

func isPublicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return false
	}
	// carrier-grade NAT
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1] >= 64 && v4[1] < 128 {
		return false
	}
	return true
}

// NetIntel answers network reputation questions: TOR exit membership,
// datacenter ranges and VPN checks. TOR nodes and datacenter ranges are
// loaded from the database into memory and refreshed in the background.
type NetIntel struct {
	db         *database.DB
	log        zerolog.Logger
	torMaxAge  time.Duration
	vpnChecker VPNChecker

	mu        sync.RWMutex
	torExits  map[string]struct{}
	dcRanges  []database.DatacenterRange
	refreshed time.Time
}

// VPNChecker decides whether an address belongs to a VPN provider.
// Implementations may call external reputation services.
type VPNChecker interface {
	IsVPN(ctx context.Context, ip string, asn uint) bool
}

// ASNBlacklistChecker flags addresses announced by known VPN operators.
type ASNBlacklistChecker struct {
	asns map[uint]struct{}
}

// Well-known commercial VPN ASNs.
var defaultVPNASNs = []uint{9009, 212238, 60068, 136787, 206804, 20473, 62240}

func NewASNBlacklistChecker(asns []uint) *ASNBlacklistChecker {
	if len(asns) == 0 {
		asns = defaultVPNASNs
	}
	set := make(map[uint]struct{}, len(asns))
	for _, a := range asns {
		set[a] = struct{}{}
	}
	return &ASNBlacklistChecker{asns: set}
}

func (c *ASNBlacklistChecker) IsVPN(_ context.Context, _ string, asn uint) bool {
	_, ok := c.asns[asn]
	return ok
}

func NewNetIntel(db *database.DB, checker VPNChecker, torMaxAge time.Duration, log zerolog.Logger) *NetIntel {
	if checker == nil {
		checker = NewASNBlacklistChecker(nil)
	}
	n := &NetIntel{
		db:         db,
		log:        log.With().Str("component", "netintel").Logger(),
		torMaxAge:  torMaxAge,
		vpnChecker: checker,
		torExits:   map[string]struct{}{},
	}
	if err := n.Refresh(context.Background()); err != nil {
		n.log.Warn().Err(err).Msg("initial network data load failed")
	}
	return n
}

// Refresh reloads TOR exits and datacenter ranges from the database. Nodes
// older than the recency window are dropped.
func (n *NetIntel) Refresh(ctx context.Context) error {
	nodes, err := n.db.ListTorExitNodes(time.Now().Add(-n.torMaxAge))
	if err != nil {
		return err
	}
	ranges, err := n.db.ListDatacenterRanges()
	if err != nil {
		return err
	}
	exits := make(map[string]struct{}, len(nodes))
	for _, ip := range nodes {
		exits[ip] = struct{}{}
	}

	n.mu.Lock()
	n.torExits = exits
	n.dcRanges = ranges
	n.refreshed = time.Now()
	n.mu.Unlock()

	n.log.Debug().Int("tor_exits", len(exits)).Int("dc_ranges", len(ranges)).Msg("network data refreshed")
	return nil
}

// RunRefresher refreshes on the given interval until ctx is cancelled.
func (n *NetIntel) RunRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Refresh(ctx); err != nil {
				n.log.Warn().Err(err).Msg("network data refresh failed")
			}
		}
	}
}

func (n *NetIntel) IsTorExit(ip string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.torExits[ip]
	return ok
}

// IsDatacenter runs a binary search over the sorted range list.
func (n *NetIntel) IsDatacenter(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return false
	}
	addr := binary.BigEndian.Uint32(v4)

	n.mu.RLock()
	defer n.mu.RUnlock()
	i := sort.Search(len(n.dcRanges), func(i int) bool {
		return n.dcRanges[i].EndIP >= addr
	})
	return i < len(n.dcRanges) && n.dcRanges[i].StartIP <= addr
}

func (n *NetIntel) IsVPN(ctx context.Context, ip string, asn uint) bool {
	return n.vpnChecker.IsVPN(ctx, ip, asn)
}
