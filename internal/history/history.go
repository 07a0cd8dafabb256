// Package history records which creatives a user has been shown and answers
// windowed impression counts for the pacing and seen filters.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/patrickwarner/adengine/internal/models"
)

// Kind is the level at which impressions are counted.
type Kind string

const (
	KindCreative    Kind = "creative"
	KindCreativeSet Kind = "creative_set"
	KindCampaign    Kind = "campaign"
	KindAdvertiser  Kind = "advertiser"
)

// Key identifies one counter in a user's history.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// CreativeKey and friends build keys for the four counting levels.
func CreativeKey(id string) Key    { return Key{Kind: KindCreative, ID: id} }
func CreativeSetKey(id string) Key { return Key{Kind: KindCreativeSet, ID: id} }
func CampaignKey(id string) Key    { return Key{Kind: KindCampaign, ID: id} }
func AdvertiserKey(id string) Key  { return Key{Kind: KindAdvertiser, ID: id} }

// KeysFor returns every history key a creative is counted under. Empty ids
// are skipped.
func KeysFor(c models.CreativeAd) []Key {
	return keys(c.CreativeInstanceID, c.CreativeSetID, c.CampaignID, c.AdvertiserID)
}

// KeysForCandidates returns the deduplicated union of KeysFor over candidates.
func KeysForCandidates(candidates []models.CreativeAd) []Key {
	seen := make(map[Key]struct{}, len(candidates)*4)
	out := make([]Key, 0, len(candidates)*4)
	for _, c := range candidates {
		for _, k := range KeysFor(c) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

func keys(creative, set, campaign, advertiser string) []Key {
	out := make([]Key, 0, 4)
	if creative != "" {
		out = append(out, CreativeKey(creative))
	}
	if set != "" {
		out = append(out, CreativeSetKey(set))
	}
	if campaign != "" {
		out = append(out, CampaignKey(campaign))
	}
	if advertiser != "" {
		out = append(out, AdvertiserKey(advertiser))
	}
	return out
}

// Impression is a single delivery of a creative to a user.
type Impression struct {
	UserID             string
	CreativeInstanceID string
	CreativeSetID      string
	CampaignID         string
	AdvertiserID       string
	At                 time.Time
}

// NewImpression builds an Impression for a served ad.
func NewImpression(userID string, ad models.AdRecord, at time.Time) Impression {
	return Impression{
		UserID:             userID,
		CreativeInstanceID: ad.CreativeInstanceID,
		CreativeSetID:      ad.CreativeSetID,
		CampaignID:         ad.CampaignID,
		AdvertiserID:       ad.AdvertiserID,
		At:                 at,
	}
}

// Keys returns the counters the impression increments.
func (i Impression) Keys() []Key {
	return keys(i.CreativeInstanceID, i.CreativeSetID, i.CampaignID, i.AdvertiserID)
}

// Store persists delivery history. RecordImpression calls are serialized per
// store so counters are never lost under concurrent writes.
type Store interface {
	// Snapshot reads the requested keys for a user as of now.
	Snapshot(ctx context.Context, userID string, keys []Key, now time.Time) (*Snapshot, error)
	// RecordImpression appends an impression to every key it counts under.
	RecordImpression(ctx context.Context, imp Impression) error
}

// Entry is the stored state of one key: impression times inside the
// retention horizon and the lifetime total.
type Entry struct {
	Times []time.Time
	Total int64
}

// Snapshot is an immutable, point-in-time view of a user's history. A nil
// Snapshot behaves as an empty history.
type Snapshot struct {
	now     time.Time
	entries map[Key]Entry
}

// NewSnapshot builds a snapshot from raw entries. Times are copied and sorted.
func NewSnapshot(now time.Time, entries map[Key]Entry) *Snapshot {
	s := &Snapshot{now: now, entries: make(map[Key]Entry, len(entries))}
	for k, e := range entries {
		times := make([]time.Time, 0, len(e.Times))
		for _, t := range e.Times {
			if !t.After(now) {
				times = append(times, t)
			}
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		total := e.Total
		if total < int64(len(times)) {
			total = int64(len(times))
		}
		s.entries[k] = Entry{Times: times, Total: total}
	}
	return s
}

// Now is the instant the snapshot was taken at.
func (s *Snapshot) Now() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.now
}

// ImpressionCount returns the impressions recorded for key in the window
// ending at the snapshot time. A window <= 0 returns the lifetime total.
func (s *Snapshot) ImpressionCount(key Key, window time.Duration) int {
	if s == nil {
		return 0
	}
	e, ok := s.entries[key]
	if !ok {
		return 0
	}
	if window <= 0 {
		return int(e.Total)
	}
	cutoff := s.now.Add(-window)
	// times are sorted ascending; find the first one inside the window
	i := sort.Search(len(e.Times), func(i int) bool { return e.Times[i].After(cutoff) })
	return len(e.Times) - i
}

// LastShown returns the most recent impression time for key, or the zero
// time when the key was never shown inside the retention horizon.
func (s *Snapshot) LastShown(key Key) time.Time {
	if s == nil {
		return time.Time{}
	}
	e, ok := s.entries[key]
	if !ok || len(e.Times) == 0 {
		return time.Time{}
	}
	return e.Times[len(e.Times)-1]
}
