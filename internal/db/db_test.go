package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adengine/internal/models"
)

func TestCatalog_LookupCandidates(t *testing.T) {
	c := NewCatalog()
	assert.False(t, c.Loaded())
	assert.Nil(t, c.LookupCandidates("technology", "300x250"))

	c.Swap([]models.CreativeAd{
		models.NewTestCreative("a", "adv-1", "Technology-Computing", "300x250"),
		models.NewTestCreative("b", "adv-2", "technology-computing", "728x90"),
		models.NewTestCreative("c", "adv-3", "", "300x250"),
	})

	require.True(t, c.Loaded())
	assert.Equal(t, 3, c.Len())

	got := c.LookupCandidates("technology-computing", "300x250")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].CreativeInstanceID)

	assert.Len(t, c.LookupCandidates("TECHNOLOGY-COMPUTING", ""), 2)
	assert.Len(t, c.LookupCandidates(models.UntargetedSegment, "300x250"), 1)
	assert.Empty(t, c.LookupCandidates("sports", "300x250"))
}

func TestCatalog_LookupReturnsCopy(t *testing.T) {
	c := NewCatalog()
	c.Swap([]models.CreativeAd{models.NewTestCreative("a", "adv-1", "sports", "300x250")})

	got := c.LookupCandidates("sports", "300x250")
	got[0].Title = "mutated"

	again := c.LookupCandidates("sports", "300x250")
	assert.Equal(t, "Title a", again[0].Title)
}

func TestCatalog_FindCreativeAndSegments(t *testing.T) {
	c := NewCatalog()
	c.Swap([]models.CreativeAd{
		models.NewTestCreative("a", "adv-1", "sports", "300x250"),
		models.NewTestCreative("b", "adv-1", "sports", "300x250"),
		models.NewTestCreative("c", "adv-1", "travel", "300x250"),
	})

	cr, ok := c.FindCreative("c")
	require.True(t, ok)
	assert.Equal(t, "travel", cr.Segment)
	_, ok = c.FindCreative("missing")
	assert.False(t, ok)

	assert.Equal(t, map[string]int{"sports": 2, "travel": 1}, c.Segments())
	assert.Equal(t, []string{"sports", "travel"}, c.SortedSegments())

	var ids []string
	for _, cr := range c.All() {
		ids = append(ids, cr.CreativeInstanceID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Nil(t, NewCatalog().All())
}

func TestValidateCatalog(t *testing.T) {
	good := models.NewTestCreative("a", "adv-1", "sports", "300x250")
	noAdvertiser := models.NewTestCreative("b", "", "sports", "300x250")
	errs := ValidateCatalog([]models.CreativeAd{good, noAdvertiser, good})
	assert.Len(t, errs, 2)
	assert.Empty(t, ValidateCatalog([]models.CreativeAd{good}))
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `creatives:
  - creative_instance_id: ci-1
    creative_set_id: cs-1
    campaign_id: camp-1
    advertiser_id: adv-1
    segment: technology-computing
    size: 300x250
    per_day: 3
    geo_targets: [US-CA, GB]
    title: Laptops
    target_url: https://example.com
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	creatives, err := LoadCatalogFile(path)
	require.NoError(t, err)
	require.Len(t, creatives, 1)
	assert.Equal(t, "ci-1", creatives[0].CreativeInstanceID)
	assert.Equal(t, 3, creatives[0].PerDay)
	assert.Equal(t, []string{"US-CA", "GB"}, creatives[0].GeoTargets)

	_, err = LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseCatalog([]byte("creatives: {"))
	assert.Error(t, err)
}

type stubLoader struct {
	creatives []models.CreativeAd
	err       error
}

func (s stubLoader) LoadCreatives(ctx context.Context) ([]models.CreativeAd, error) {
	return s.creatives, s.err
}

func TestReload(t *testing.T) {
	c := NewCatalog()
	n, err := Reload(context.Background(), c, stubLoader{creatives: []models.CreativeAd{
		models.NewTestCreative("a", "adv-1", "sports", "300x250"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a failed reload leaves the previous snapshot in place
	_, err = Reload(context.Background(), c, stubLoader{err: errors.New("boom")})
	assert.Error(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestRedisStore_Ping(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	store := &RedisStore{Client: redis.NewClient(&redis.Options{Addr: s.Addr()})}
	defer store.Close()
	assert.NoError(t, store.Ping(context.Background()))

	var missing *RedisStore
	assert.Error(t, missing.Ping(context.Background()))
}
