package geoip

import (
	"net/netip"

	"spindle/internal/config"
)

// Location holds geo attributes for a peer IP. A miss yields the zero value;
// callers persist the null fields and carry on.
type Location struct {
	Country string  `json:"country"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	ISP     string  `json:"isp"`
}

type entry struct {
	prefix netip.Prefix
	loc    Location
}

// Resolver maps IPs to locations from a static in-memory prefix table.
// Lookups never block and never fail.
type Resolver struct {
	entries []entry
}

// Built-in table covering well-known public resolver and cloud ranges.
// Operators extend it via geoip.entries in the config file.
var builtin = []struct {
	cidr string
	loc  Location
}{
	{"8.8.8.0/24", Location{Country: "US", City: "Mountain View", Lat: 37.386, Lon: -122.084, ISP: "Google LLC"}},
	{"8.8.4.0/24", Location{Country: "US", City: "Mountain View", Lat: 37.386, Lon: -122.084, ISP: "Google LLC"}},
	{"1.1.1.0/24", Location{Country: "AU", City: "Sydney", Lat: -33.868, Lon: 151.209, ISP: "Cloudflare"}},
	{"1.0.0.0/24", Location{Country: "AU", City: "Sydney", Lat: -33.868, Lon: 151.209, ISP: "Cloudflare"}},
	{"9.9.9.0/24", Location{Country: "US", City: "Berkeley", Lat: 37.871, Lon: -122.272, ISP: "Quad9"}},
	{"208.67.222.0/24", Location{Country: "US", City: "San Francisco", Lat: 37.774, Lon: -122.419, ISP: "OpenDNS"}},
}

// New builds a resolver from the built-in table plus configured entries.
// Invalid configured CIDRs are skipped; config validation reports empty ones.
func New(cfg config.GeoIPConfig) *Resolver {
	r := &Resolver{}
	for _, b := range builtin {
		p, err := netip.ParsePrefix(b.cidr)
		if err != nil {
			continue
		}
		r.entries = append(r.entries, entry{prefix: p, loc: b.loc})
	}
	for _, e := range cfg.Entries {
		p, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			continue
		}
		r.entries = append(r.entries, entry{prefix: p, loc: Location{
			Country: e.Country,
			City:    e.City,
			Lat:     e.Lat,
			Lon:     e.Lon,
			ISP:     e.ISP,
		}})
	}
	return r
}

// Lookup resolves an IP to a location. Configured entries win over built-ins;
// unknown or unparseable IPs return ok=false with a zero Location.
func (r *Resolver) Lookup(ip string) (Location, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}, false
	}
	// Later entries are configured overrides, so scan in reverse
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].prefix.Contains(addr) {
			return r.entries[i].loc, true
		}
	}
	return Location{}, false
}
