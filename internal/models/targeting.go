package models

import "strings"

// Geo is the resolved location of a session. Country is an ISO 3166-1
// alpha-2 code ("US"); Subdivision is an ISO 3166-2 code ("US-CA").
// Either may be empty when the lookup failed.
type Geo struct {
	Country     string `json:"country,omitempty"`
	Subdivision string `json:"subdivision,omitempty"`
}

// Session carries everything the targeting resolver knows about the current
// user. It is assembled fresh for each serving request and never persisted by
// the engine.
type Session struct {
	UserID    string
	UserAgent string
	IP        string

	// PageSegments are the classified segments of recently viewed pages,
	// newest first.
	PageSegments []string
	// IntentSegments are purchase-intent segments, strongest first. They
	// outrank page segments.
	IntentSegments []string
	// VisitedSites are the sites the user recently interacted with. They feed
	// the anti-targeting oracle.
	VisitedSites []string

	// Derived by the resolver.
	Platform string
	IsBot    bool
	Geo      Geo
}

// MatchesGeo reports whether a creative's geo targets allow serving to geo.
// A target of "US" matches any session in the US; "US-CA" requires the
// subdivision to resolve to exactly that code.
func MatchesGeo(targets []string, geo Geo) bool {
	if len(targets) == 0 {
		return true
	}
	country := strings.ToUpper(geo.Country)
	sub := strings.ToUpper(geo.Subdivision)
	for _, t := range targets {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if strings.Contains(t, "-") {
			if sub != "" && t == sub {
				return true
			}
			continue
		}
		if country != "" && t == country {
			return true
		}
	}
	return false
}
