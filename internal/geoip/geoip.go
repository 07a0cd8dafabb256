package geoip

import (
	"encoding/json"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/patrickwarner/adengine/internal/models"
)

// GeoIP provides country and subdivision lookup using a MaxMind DB or a
// JSON fallback of CIDR ranges.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []record
}

type record struct {
	net     *net.IPNet
	country string
	region  string
}

// Init opens the GeoIP2 database located at path, falling back to a JSON list
// of {"net","country","region"} entries. The returned error is the MaxMind
// open error when neither format can be read.
func Init(path string) (*GeoIP, error) {
	g := &GeoIP{}
	db, err := geoip2.Open(path)
	if err == nil {
		g.db = db
		return g, nil
	}

	data, jerr := os.ReadFile(path)
	if jerr != nil {
		return nil, err
	}
	var entries []struct {
		Net     string `json:"net"`
		Country string `json:"country"`
		Region  string `json:"region"`
	}
	if jerr = json.Unmarshal(data, &entries); jerr != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, n, perr := net.ParseCIDR(e.Net); perr == nil {
			g.fallback = append(g.fallback, record{net: n, country: e.Country, region: e.Region})
		}
	}
	return g, nil
}

// Country returns the ISO country code for the given IP, or "" when unknown.
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		rec, err := g.db.Country(ip)
		if err == nil {
			return rec.Country.IsoCode
		}
	}
	if r, ok := g.lookupFallback(ip); ok {
		return r.country
	}
	return ""
}

// Subdivision returns the ISO 3166-2 code ("US-CA") for the given IP, or ""
// when the database has no subdivision for it.
func (g *GeoIP) Subdivision(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		rec, err := g.db.City(ip)
		if err == nil && len(rec.Subdivisions) > 0 {
			return qualify(rec.Country.IsoCode, rec.Subdivisions[0].IsoCode)
		}
	}
	if r, ok := g.lookupFallback(ip); ok {
		return qualify(r.country, r.region)
	}
	return ""
}

// Lookup resolves both country and subdivision.
func (g *GeoIP) Lookup(ip net.IP) models.Geo {
	return models.Geo{Country: g.Country(ip), Subdivision: g.Subdivision(ip)}
}

func (g *GeoIP) lookupFallback(ip net.IP) (record, bool) {
	for _, r := range g.fallback {
		if r.net.Contains(ip) {
			return r, true
		}
	}
	return record{}, false
}

// qualify prefixes a bare subdivision code with its country.
func qualify(country, region string) string {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		return ""
	}
	if strings.Contains(region, "-") || country == "" {
		return region
	}
	return strings.ToUpper(country) + "-" + region
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
