package logic

import (
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/adengine/internal/geoip"
	"github.com/patrickwarner/adengine/internal/models"
)

// pageDecay is the weight multiplier applied to each successively older page.
const pageDecay = 0.9

// Resolver turns a raw session into the ordered segment list the
// eligibility pipeline consumes.
type Resolver struct {
	GeoIP *geoip.GeoIP
	// MaxSegments truncates the resolved list. 0 keeps every segment.
	MaxSegments int
}

// NewResolver returns a Resolver. g may be nil, in which case sessions carry
// no geo.
func NewResolver(g *geoip.GeoIP, maxSegments int) *Resolver {
	return &Resolver{GeoIP: g, MaxSegments: maxSegments}
}

// ResolveSegments returns the session's segments, most specific first:
// purchase-intent segments as given, then page segments ranked by
// recency-weighted frequency. No signal yields an empty slice.
func (r *Resolver) ResolveSegments(s models.Session) []string {
	out := models.DedupeSegments(s.IntentSegments)
	taken := make(map[string]struct{}, len(out))
	for _, seg := range out {
		taken[seg] = struct{}{}
	}

	for _, seg := range rankPageSegments(s.PageSegments) {
		if _, ok := taken[seg]; ok {
			continue
		}
		taken[seg] = struct{}{}
		out = append(out, seg)
	}

	if r != nil && r.MaxSegments > 0 && len(out) > r.MaxSegments {
		out = out[:r.MaxSegments]
	}
	return out
}

type rankedSegment struct {
	segment string
	weight  float64
	newest  int
}

// rankPageSegments scores newest-first page segments with exponential decay.
// Ties go to the segment seen most recently.
func rankPageSegments(pages []string) []string {
	byName := make(map[string]*rankedSegment)
	var order []*rankedSegment
	w := 1.0
	for i, p := range pages {
		seg := models.NormalizeSegment(p)
		if seg != "" {
			rs, ok := byName[seg]
			if !ok {
				rs = &rankedSegment{segment: seg, newest: i}
				byName[seg] = rs
				order = append(order, rs)
			}
			rs.weight += w
		}
		w *= pageDecay
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].weight != order[j].weight {
			return order[i].weight > order[j].weight
		}
		return order[i].newest < order[j].newest
	})
	out := make([]string, len(order))
	for i, rs := range order {
		out[i] = rs.segment
	}
	return out
}

// ResolveSession fills the derived fields of a session: platform and bot
// flag from the user agent, geo from the IP.
func (r *Resolver) ResolveSession(s models.Session) models.Session {
	s.Platform, s.IsBot = ParseUserAgent(s.UserAgent)
	if r != nil && r.GeoIP != nil {
		if ip := net.ParseIP(s.IP); ip != nil {
			s.Geo = r.GeoIP.Lookup(ip)
		}
	}
	return s
}

// ParseUserAgent maps a raw User-Agent onto a coarse platform name and a bot flag.
func ParseUserAgent(ua string) (platform string, isBot bool) {
	u := uasurfer.Parse(ua)
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		platform = "desktop"
	case uasurfer.DevicePhone:
		platform = "mobile"
	case uasurfer.DeviceTablet:
		platform = "tablet"
	default:
		platform = "other"
	}
	return platform, u.IsBot()
}

// ClientIP extracts the caller's IP, preferring the first X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
