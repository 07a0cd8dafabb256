package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParentSegment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"technology & computing-software", "technology & computing"},
		{"Sports-Tennis", "sports"},
		{"travel", "travel"},
		{"  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParentSegment(tt.in))
		})
	}
}

func TestParentSegments_DedupesInOrder(t *testing.T) {
	got := ParentSegments([]string{"sports-tennis", "travel-europe", "sports-golf", "travel"})
	assert.Equal(t, []string{"sports", "travel"}, got)
}

func TestDedupeSegments(t *testing.T) {
	got := DedupeSegments([]string{"Tech", "tech ", "", "sports"})
	assert.Equal(t, []string{"tech", "sports"}, got)
}

func TestMatchesGeo(t *testing.T) {
	ca := Geo{Country: "US", Subdivision: "US-CA"}
	tests := []struct {
		name    string
		targets []string
		geo     Geo
		want    bool
	}{
		{"no targets", nil, Geo{}, true},
		{"country match", []string{"US"}, ca, true},
		{"country mismatch", []string{"DE"}, ca, false},
		{"subdivision match", []string{"US-CA"}, ca, true},
		{"subdivision mismatch", []string{"US-NY"}, ca, false},
		{"subdivision unknown", []string{"US-CA"}, Geo{Country: "US"}, false},
		{"country unknown", []string{"US"}, Geo{}, false},
		{"lower case target", []string{"us-ca"}, ca, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesGeo(tt.targets, tt.geo))
		})
	}
}

func TestCreativeAd_InFlight(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewTestCreative("c1", "adv", "sports", "300x250")
	assert.True(t, c.InFlight(now))

	c.StartAt = now.Add(time.Hour)
	assert.False(t, c.InFlight(now))

	c.StartAt = time.Time{}
	c.EndAt = now.Add(-time.Minute)
	assert.False(t, c.InFlight(now))
}

func TestBuildAdRecord_CopiesCreative(t *testing.T) {
	c := NewTestCreative("c1", "adv", "sports", "300x250")
	ad := BuildAdRecord(AdTypeInlineContent, c, "uuid-1")

	assert.Equal(t, AdTypeInlineContent, ad.Type)
	assert.Equal(t, "uuid-1", ad.UUID)
	assert.Equal(t, c.CreativeInstanceID, ad.CreativeInstanceID)
	assert.Equal(t, c.CreativeSetID, ad.CreativeSetID)
	assert.Equal(t, c.CampaignID, ad.CampaignID)
	assert.Equal(t, c.AdvertiserID, ad.AdvertiserID)
	assert.Equal(t, c.TargetURL, ad.TargetURL)
	assert.False(t, ad.IsZero())
	assert.True(t, AdRecord{}.IsZero())
}
