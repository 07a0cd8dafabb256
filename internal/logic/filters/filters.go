package filters

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/patrickwarner/adengine/internal/history"
	"github.com/patrickwarner/adengine/internal/models"
)

// Every filter returns a new slice and leaves its input untouched.

// Rejection reasons reported by PacingWithDetails.
const (
	ReasonPerHour     = "per_hour"
	ReasonPerDay      = "per_day"
	ReasonTotalMax    = "total_max"
	ReasonCampaignDay = "campaign_daily_cap"
	ReasonFlight      = "flight_window"
)

// ExclusionOracle answers whether a creative set or campaign must not be
// shown to the current user.
type ExclusionOracle interface {
	IsLoaded() bool
	IsExcluded(id string) bool
}

// SeenPolicy controls when an advertiser counts as already seen.
type SeenPolicy struct {
	// Threshold is the impression count at which an advertiser is seen.
	Threshold int
	// Window bounds the count. 0 counts the user's lifetime history.
	Window time.Duration
}

// DefaultSeenPolicy treats any prior impression as seen.
var DefaultSeenPolicy = SeenPolicy{Threshold: 1}

// Sanitize splits candidates into well-formed and malformed ones.
func Sanitize(candidates []models.CreativeAd) (valid, malformed []models.CreativeAd) {
	valid = make([]models.CreativeAd, 0, len(candidates))
	for _, c := range candidates {
		if c.Valid() {
			valid = append(valid, c)
		} else {
			malformed = append(malformed, c)
		}
	}
	return valid, malformed
}

// Subdivision removes creatives whose geo targets exclude the session's location.
func Subdivision(candidates []models.CreativeAd, geo models.Geo) []models.CreativeAd {
	out := make([]models.CreativeAd, 0, len(candidates))
	for _, c := range candidates {
		if models.MatchesGeo(c.GeoTargets, geo) {
			out = append(out, c)
		}
	}
	return out
}

// AntiTargeting removes creatives whose creative set or campaign is excluded
// for the user. A nil or unloaded oracle excludes nothing: missing
// anti-targeting data fails open.
func AntiTargeting(candidates []models.CreativeAd, oracle ExclusionOracle) []models.CreativeAd {
	out := make([]models.CreativeAd, 0, len(candidates))
	if oracle == nil || !oracle.IsLoaded() {
		return append(out, candidates...)
	}
	for _, c := range candidates {
		if c.CreativeSetID != "" && oracle.IsExcluded(c.CreativeSetID) {
			continue
		}
		if oracle.IsExcluded(c.CampaignID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Pacing removes creatives that reached a delivery cap or are outside their
// flight window.
func Pacing(candidates []models.CreativeAd, snap *history.Snapshot, now time.Time) []models.CreativeAd {
	out, _ := PacingWithDetails(candidates, snap, now)
	return out
}

// PacingWithDetails is Pacing plus per-reason rejection counts for tracing.
func PacingWithDetails(candidates []models.CreativeAd, snap *history.Snapshot, now time.Time) ([]models.CreativeAd, map[string]string) {
	out := make([]models.CreativeAd, 0, len(candidates))
	rejected := make(map[string]int)
	for _, c := range candidates {
		if reason := PacingReason(c, snap, now); reason != "" {
			rejected[reason]++
			continue
		}
		out = append(out, c)
	}

	details := map[string]string{
		"input_count":  strconv.Itoa(len(candidates)),
		"output_count": strconv.Itoa(len(out)),
	}
	for reason, n := range rejected {
		details[fmt.Sprintf("rejected_%s", reason)] = strconv.Itoa(n)
	}
	return out, details
}

// PacingReason returns why c is paced out, or "" when it may serve. Caps of
// zero are disabled; a cap is reached when count >= cap.
func PacingReason(c models.CreativeAd, snap *history.Snapshot, now time.Time) string {
	if !c.InFlight(now) {
		return ReasonFlight
	}
	if c.PerHour > 0 && snap.ImpressionCount(history.CreativeKey(c.CreativeInstanceID), time.Hour) >= c.PerHour {
		return ReasonPerHour
	}
	if c.PerDay > 0 && snap.ImpressionCount(history.CreativeKey(c.CreativeInstanceID), 24*time.Hour) >= c.PerDay {
		return ReasonPerDay
	}
	if c.TotalMax > 0 && c.CreativeSetID != "" && snap.ImpressionCount(history.CreativeSetKey(c.CreativeSetID), 0) >= c.TotalMax {
		return ReasonTotalMax
	}
	if c.CampaignDailyCap > 0 && snap.ImpressionCount(history.CampaignKey(c.CampaignID), 24*time.Hour) >= c.CampaignDailyCap {
		return ReasonCampaignDay
	}
	return ""
}

// Seen prefers creatives from advertisers the user has not seen. When every
// advertiser has been seen the full input is returned, least recently shown
// advertiser first, so the pool never empties.
func Seen(candidates []models.CreativeAd, snap *history.Snapshot, policy SeenPolicy) []models.CreativeAd {
	if len(candidates) == 0 {
		return []models.CreativeAd{}
	}
	threshold := policy.Threshold
	if threshold < 1 {
		threshold = 1
	}

	unseen := make([]models.CreativeAd, 0, len(candidates))
	for _, c := range candidates {
		if snap.ImpressionCount(history.AdvertiserKey(c.AdvertiserID), policy.Window) < threshold {
			unseen = append(unseen, c)
		}
	}
	if len(unseen) > 0 {
		return unseen
	}

	return RoundRobin(candidates, snap)
}

// RoundRobin orders candidates by ascending advertiser last-shown time.
// Never-shown advertisers sort first; ties keep input order.
func RoundRobin(candidates []models.CreativeAd, snap *history.Snapshot) []models.CreativeAd {
	out := append([]models.CreativeAd(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		a := snap.LastShown(history.AdvertiserKey(out[i].AdvertiserID))
		b := snap.LastShown(history.AdvertiserKey(out[j].AdvertiserID))
		return a.Before(b)
	})
	return out
}
