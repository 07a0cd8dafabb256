package eligible

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adengine/internal/antitargeting"
	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/history"
	"github.com/patrickwarner/adengine/internal/logic"
	"github.com/patrickwarner/adengine/internal/logic/filters"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type failingStore struct{ calls int }

func (f *failingStore) Snapshot(ctx context.Context, userID string, keys []history.Key, now time.Time) (*history.Snapshot, error) {
	f.calls++
	return nil, errors.New("redis down")
}

func (f *failingStore) RecordImpression(ctx context.Context, imp history.Impression) error {
	return errors.New("redis down")
}

type countingStore struct {
	history.Store
	snapshots int
}

func (c *countingStore) Snapshot(ctx context.Context, userID string, keys []history.Key, now time.Time) (*history.Snapshot, error) {
	c.snapshots++
	return c.Store.Snapshot(ctx, userID, keys, now)
}

func newCatalog(creatives ...models.CreativeAd) *db.Catalog {
	c := db.NewCatalog()
	c.Swap(creatives)
	return c
}

func ids(cs []models.CreativeAd) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.CreativeInstanceID
	}
	return out
}

func record(t *testing.T, store history.Store, user string, c models.CreativeAd, at time.Time) {
	t.Helper()
	ad := models.BuildAdRecord(models.AdTypeInlineContent, c, "uuid")
	require.NoError(t, store.RecordImpression(context.Background(), history.NewImpression(user, ad, at)))
}

func TestGetEligible_CatalogNotLoaded(t *testing.T) {
	o := NewOrchestrator(db.NewCatalog(), history.NewMemoryStore(time.Hour), filters.DefaultSeenPolicy, nil, nil)
	available, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: []string{"tech"}})
	assert.ErrorIs(t, err, logic.ErrCatalogUnavailable)
	assert.False(t, available)
	assert.Empty(t, eligible)
}

func TestGetEligible_NoCandidates(t *testing.T) {
	store := &countingStore{Store: history.NewMemoryStore(time.Hour)}
	o := NewOrchestrator(newCatalog(), store, filters.DefaultSeenPolicy, nil, nil)

	available, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: []string{"tech"}, Size: "300x250", Now: testNow})
	require.NoError(t, err)
	assert.False(t, available)
	assert.NotNil(t, eligible)
	assert.Empty(t, eligible)
	assert.Zero(t, store.snapshots)
}

func TestGetEligible_SeenExample(t *testing.T) {
	a := models.NewTestCreative("a", "A", "tech", "300x250")
	b := models.NewTestCreative("b", "B", "tech", "300x250")
	c := models.NewTestCreative("c", "C", "tech", "300x250")
	store := history.NewMemoryStore(30 * 24 * time.Hour)
	record(t, store, "u1", a, testNow.Add(-2*time.Hour))
	record(t, store, "u1", a, testNow.Add(-time.Hour))

	o := NewOrchestrator(newCatalog(a, b, c), store, filters.DefaultSeenPolicy, nil, nil)
	available, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: []string{"tech"}, Size: "300x250", Now: testNow})
	require.NoError(t, err)
	assert.True(t, available)
	assert.Equal(t, []string{"b", "c"}, ids(eligible))
}

func TestGetEligible_FallbackOrdering(t *testing.T) {
	x := models.NewTestCreative("x", "X", "tech", "300x250")
	y := models.NewTestCreative("y", "Y", "tech", "300x250")
	store := history.NewMemoryStore(30 * 24 * time.Hour)
	record(t, store, "u1", x, testNow.Add(-time.Hour))
	record(t, store, "u1", y, testNow.Add(-3*time.Hour))

	o := NewOrchestrator(newCatalog(x, y), store, filters.DefaultSeenPolicy, nil, nil)
	_, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: []string{"tech"}, Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x"}, ids(eligible))
}

func TestGetEligible_FullyFilteredIsAvailable(t *testing.T) {
	capped := models.NewTestCreative("a", "A", "tech", "300x250")
	capped.PerDay = 1
	store := history.NewMemoryStore(30 * 24 * time.Hour)
	record(t, store, "u1", capped, testNow.Add(-time.Hour))

	o := NewOrchestrator(newCatalog(capped), store, filters.DefaultSeenPolicy, nil, nil)
	available, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: []string{"tech"}, Now: testNow})
	require.NoError(t, err)
	assert.True(t, available)
	assert.Empty(t, eligible)
}

func TestGetEligible_Tiers(t *testing.T) {
	child := models.NewTestCreative("child", "A", "sports-golf", "300x250")
	parent := models.NewTestCreative("parent", "B", "sports", "300x250")
	general := models.NewTestCreative("general", "C", models.UntargetedSegment, "300x250")
	store := history.NewMemoryStore(time.Hour)
	o := NewOrchestrator(newCatalog(child, parent, general), store, filters.DefaultSeenPolicy, nil, nil)

	tests := []struct {
		name     string
		segments []string
		expected []string
	}{
		{"exact segment wins", []string{"sports-golf"}, []string{"child"}},
		{"falls back to parent", []string{"sports-tennis"}, []string{"parent"}},
		{"falls back to untargeted", []string{"travel-beaches"}, []string{"general"}},
		{"no segments goes untargeted", nil, []string{"general"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: tt.segments, Size: "300x250", Now: testNow})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ids(eligible))
		})
	}
}

func TestGetEligible_FilteredTierFallsThrough(t *testing.T) {
	child := models.NewTestCreative("child", "A", "sports-golf", "300x250")
	child.GeoTargets = []string{"GB"}
	general := models.NewTestCreative("general", "C", models.UntargetedSegment, "300x250")
	store := &countingStore{Store: history.NewMemoryStore(time.Hour)}
	o := NewOrchestrator(newCatalog(child, general), store, filters.DefaultSeenPolicy, nil, nil)

	trace := &logic.SelectionTrace{}
	_, eligible, err := o.GetEligible(context.Background(), Query{
		UserID: "u1", Segments: []string{"sports-golf"}, Geo: models.Geo{Country: "US"}, Now: testNow, Trace: trace,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"general"}, ids(eligible))
	assert.Equal(t, 1, store.snapshots)

	// segments tier: lookup, sanitize, subdivision (empty); untargeted tier: lookup + every stage
	require.Len(t, trace.Steps, 3+1+len(StageNames()))
	assert.Equal(t, "subdivision", trace.Steps[2].Stage)
	assert.Empty(t, trace.Steps[2].CreativeIDs)
	assert.Equal(t, TierUntargeted, trace.Steps[3].Tier)
	assert.Equal(t, []string{"sports-golf"}, trace.Segments)
}

func TestGetEligible_StageOrder(t *testing.T) {
	assert.Equal(t, []string{"sanitize", "subdivision", "anti_targeting", "pacing", "seen"}, StageNames())
}

func TestGetEligible_MalformedDropped(t *testing.T) {
	good := models.NewTestCreative("good", "A", "tech", "300x250")
	bad := models.NewTestCreative("bad", "", "tech", "300x250")
	metrics := observability.NewMockMetricsRegistry()
	o := NewOrchestrator(newCatalog(good, bad), history.NewMemoryStore(time.Hour), filters.DefaultSeenPolicy, metrics, nil)

	_, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: []string{"tech"}, Now: testNow})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, ids(eligible))
	assert.Equal(t, 1, metrics.MalformedCount())
}

func TestGetEligible_AntiTargeting(t *testing.T) {
	a := models.NewTestCreative("a", "A", "tech", "300x250")
	b := models.NewTestCreative("b", "B", "tech", "300x250")
	res := antitargeting.NewResource()
	require.NoError(t, res.Parse([]byte(`{"version":1,"sites":{"set-a":["brand-a.example"]}}`)))

	o := NewOrchestrator(newCatalog(a, b), history.NewMemoryStore(time.Hour), filters.DefaultSeenPolicy, nil, nil)
	_, eligible, err := o.GetEligible(context.Background(), Query{
		UserID: "u1", Segments: []string{"tech"}, Now: testNow,
		Oracle: res.ForVisits([]string{"https://brand-a.example/cart"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(eligible))
}

func TestGetEligible_HistoryUnavailable(t *testing.T) {
	a := models.NewTestCreative("a", "A", "tech", "300x250")
	o := NewOrchestrator(newCatalog(a), &failingStore{}, filters.DefaultSeenPolicy, nil, nil)

	available, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: []string{"tech"}, Now: testNow})
	assert.ErrorIs(t, err, logic.ErrHistoryUnavailable)
	assert.False(t, available)
	assert.Nil(t, eligible)
}

func TestGetEligible_UsesNowFn(t *testing.T) {
	orig := nowFn
	defer func() { nowFn = orig }()
	nowFn = func() time.Time { return testNow }

	expired := models.NewTestCreative("a", "A", "tech", "300x250")
	expired.EndAt = testNow.Add(-time.Second)
	o := NewOrchestrator(newCatalog(expired), history.NewMemoryStore(time.Hour), filters.DefaultSeenPolicy, nil, nil)

	available, eligible, err := o.GetEligible(context.Background(), Query{UserID: "u1", Segments: []string{"tech"}})
	require.NoError(t, err)
	assert.True(t, available)
	assert.Empty(t, eligible)
}

func TestGetEligible_ObservesStagesPerRequest(t *testing.T) {
	capped := models.NewTestCreative("a", "A", "tech", "300x250")
	capped.PerDay = 1
	store := history.NewMemoryStore(30 * 24 * time.Hour)
	record(t, store, "u1", capped, testNow.Add(-time.Hour))
	metrics := observability.NewMockMetricsRegistry()

	o := NewOrchestrator(newCatalog(capped), store, filters.DefaultSeenPolicy, metrics, nil)
	for _, user := range []string{"u1", "u2"} {
		_, _, err := o.GetEligible(context.Background(), Query{UserID: user, Segments: []string{"tech"}, Now: testNow})
		require.NoError(t, err)
	}

	assert.Equal(t, []int{1, 1}, metrics.StageCandidates["sanitize"])
	assert.Equal(t, []int{0, 1}, metrics.StageCandidates["pacing"])
	assert.Equal(t, []int{1}, metrics.StageCandidates["seen"])
}
