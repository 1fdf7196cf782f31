package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindProvider reads GeoLite2 City and ASN databases from disk. The ASN
// database is optional; without it ASN/org fields stay empty.
type MaxMindProvider struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

func NewMaxMindProvider(cityPath, asnPath string) (*MaxMindProvider, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("geo: open city db: %w", err)
	}

	p := &MaxMindProvider{city: city}

	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err == nil {
			p.asn = asn
		}
	}

	return p, nil
}

func (p *MaxMindProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("geo: invalid ip %q", ip)
	}

	record, err := p.city.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geo: city lookup: %w", err)
	}

	loc := &Location{
		IP:          ip,
		CountryCode: record.Country.IsoCode,
		Country:     record.Country.Names["en"],
		City:        record.City.Names["en"],
		Postal:      record.Postal.Code,
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
		Timezone:    record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}

	if p.asn != nil {
		if asnRec, err := p.asn.ASN(parsed); err == nil {
			loc.ASN = asnRec.AutonomousSystemNumber
			loc.Org = asnRec.AutonomousSystemOrganization
			loc.ISP = asnRec.AutonomousSystemOrganization
		}
	}

	return loc, nil
}

func (p *MaxMindProvider) Close() error {
	if p.asn != nil {
		p.asn.Close()
	}
	return p.city.Close()
}
