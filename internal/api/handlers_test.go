package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/antitargeting"
	"github.com/patrickwarner/adengine/internal/config"
	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/history"
	"github.com/patrickwarner/adengine/internal/logic"
	"github.com/patrickwarner/adengine/internal/logic/eligible"
	"github.com/patrickwarner/adengine/internal/logic/filters"
	"github.com/patrickwarner/adengine/internal/logic/ratelimit"
	"github.com/patrickwarner/adengine/internal/logic/serving"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
	"github.com/patrickwarner/adengine/internal/token"
)

type loaderFunc func(ctx context.Context) ([]models.CreativeAd, error)

func (f loaderFunc) LoadCreatives(ctx context.Context) ([]models.CreativeAd, error) { return f(ctx) }

func newTestServer(t *testing.T, creatives ...models.CreativeAd) *Server {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	catalog := db.NewCatalog()
	if creatives != nil {
		catalog.Swap(creatives)
	}
	store := history.NewRedisStore(client, 30*24*time.Hour)
	metrics := observability.NewNoOpRegistry()
	resource := antitargeting.NewResource()
	controller := serving.NewController(serving.Options{
		Resolver:      logic.NewResolver(nil, 3),
		Eligibility:   eligible.NewOrchestrator(catalog, store, filters.DefaultSeenPolicy, metrics, nil),
		History:       store,
		AntiTargeting: resource,
		Metrics:       metrics,
	})
	loader := loaderFunc(func(ctx context.Context) ([]models.CreativeAd, error) { return creatives, nil })
	srv := NewServer(zap.NewNop(), controller, catalog, loader, resource, metrics, config.Config{
		TokenSecret: "secret",
		TokenTTL:    time.Minute,
	})
	srv.Store = &db.RedisStore{Client: client}
	return srv
}

func postAd(t *testing.T, h http.Handler, path string, body any) (*httptest.ResponseRecorder, AdResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp AdResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestAdAndImpression_RoundTrip(t *testing.T) {
	srv := newTestServer(t, models.NewTestCreative("c1", "adv-1", "sports", "300x250"))
	h := srv.Router()
	body := AdRequest{UserID: "u1", Size: "300x250", PageSegments: []string{"sports"}}

	rec, resp := postAd(t, h, "/ad", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Served)
	require.NotNil(t, resp.Ad)
	assert.Equal(t, "c1", resp.Ad.CreativeInstanceID)
	assert.Equal(t, []string{"sports"}, resp.Segments)
	require.NotEmpty(t, resp.ImpressionURL)
	assert.Nil(t, resp.Debug)

	imp := httptest.NewRecorder()
	h.ServeHTTP(imp, httptest.NewRequest(http.MethodGet, resp.ImpressionURL, nil))
	require.Equal(t, http.StatusOK, imp.Code)
	assert.Equal(t, "image/gif", imp.Header().Get("Content-Type"))
	assert.Equal(t, pixelGIF, imp.Body.Bytes())

	// the advertiser has now been seen by this user
	rec, resp = postAd(t, h, "/ad", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.Served)
	assert.Nil(t, resp.Ad)
	assert.Equal(t, serving.ReasonNoEligible, resp.Reason)

	// another user is unaffected
	_, resp = postAd(t, h, "/ad", AdRequest{UserID: "u2", Size: "300x250", PageSegments: []string{"sports"}})
	assert.True(t, resp.Served)
}

func TestGetAdHandler_DebugTrace(t *testing.T) {
	srv := newTestServer(t, models.NewTestCreative("c1", "adv-1", "sports", "300x250"))
	_, resp := postAd(t, srv.Router(), "/ad?debug=1", AdRequest{UserID: "u1", PageSegments: []string{"sports"}})
	require.True(t, resp.Served)
	debug, ok := resp.Debug.(map[string]any)
	require.True(t, ok)
	tr, ok := debug["trace"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, tr["steps"])
}

func TestGetAdHandler_NoCandidates(t *testing.T) {
	srv := newTestServer(t, models.NewTestCreative("c1", "adv-1", "travel", "300x250"))
	rec, resp := postAd(t, srv.Router(), "/ad", AdRequest{UserID: "u1", PageSegments: []string{"sports"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.Served)
	assert.Equal(t, serving.ReasonNoCandidates, resp.Reason)
	assert.Empty(t, resp.ImpressionURL)
}

func TestGetAdHandler_BadRequests(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ad", bytes.NewBufferString("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = postAd(t, h, "/ad", AdRequest{Size: "300x250"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ad", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestImpressionHandler_InvalidToken(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ImpressionHandler(rec, httptest.NewRequest(http.MethodGet, "/impression", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.ImpressionHandler(rec, httptest.NewRequest(http.MethodGet, "/impression?t=garbage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ad := models.BuildAdRecord(models.AdTypeInlineContent, models.NewTestCreative("c1", "adv-1", "sports", "300x250"), "id")
	tok, err := token.Generate(ad, "u1", []byte("another secret"))
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.ImpressionHandler(rec, httptest.NewRequest(http.MethodGet, "/impression?t="+tok, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestImpressionHandler_ExpiredToken(t *testing.T) {
	srv := newTestServer(t)
	srv.TokenTTL = time.Nanosecond
	ad := models.BuildAdRecord(models.AdTypeInlineContent, models.NewTestCreative("c1", "adv-1", "sports", "300x250"), "id")
	tok, err := token.Generate(ad, "u1", srv.TokenSecret)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	rec := httptest.NewRecorder()
	srv.ImpressionHandler(rec, httptest.NewRequest(http.MethodGet, "/impression?t="+tok, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}

func TestHealthHandler(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.Catalog.Swap([]models.CreativeAd{models.NewTestCreative("c1", "adv-1", "sports", "300x250")})
	rec = httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.CatalogLoaded)
	assert.Equal(t, 1, resp.Creatives)
	assert.False(t, resp.AntiTargetingLoaded)
	assert.Equal(t, "ok", resp.Redis)
}

func TestReloadHandler(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "anti_targeting.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"sites":{"set-c1":["https://www.example.com"]}}`), 0o600))
	srv.AntiTargetingPath = path

	calls := 0
	srv.Loader = loaderFunc(func(ctx context.Context) ([]models.CreativeAd, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("postgres down")
		}
		return []models.CreativeAd{models.NewTestCreative("c1", "adv-1", "sports", "300x250")}, nil
	})

	rec := httptest.NewRecorder()
	srv.ReloadHandler(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, srv.Catalog.Len())
	assert.True(t, srv.AntiTargeting.IsLoaded())

	rec = httptest.NewRecorder()
	srv.ReloadHandler(rec, httptest.NewRequest(http.MethodPost, "/reload", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, srv.Catalog.Len(), "failed reload keeps the previous catalog")
}

func TestAntiTargetingBlocksServing(t *testing.T) {
	srv := newTestServer(t, models.NewTestCreative("c1", "adv-1", "sports", "300x250"))
	require.NoError(t, srv.AntiTargeting.Parse([]byte(`{"version":1,"sites":{"set-c1":["https://competitor.example"]}}`)))
	h := srv.Router()

	_, resp := postAd(t, h, "/ad", AdRequest{UserID: "u1", PageSegments: []string{"sports"}, VisitedSites: []string{"competitor.example"}})
	assert.False(t, resp.Served)

	_, resp = postAd(t, h, "/ad", AdRequest{UserID: "u1", PageSegments: []string{"sports"}, VisitedSites: []string{"news.example"}})
	assert.True(t, resp.Served)
}

func TestCreativeAdminRoutes(t *testing.T) {
	srv := newTestServer(t,
		models.NewTestCreative("c1", "adv-1", "sports", "300x250"),
		models.NewTestCreative("c2", "adv-2", "travel", "728x90"),
	)
	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/creatives", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var all []models.CreativeAd
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/creatives?segment=travel", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, "c2", all[0].CreativeInstanceID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/creatives/c1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/creatives/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/segments", nil))
	var segs map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &segs))
	assert.Equal(t, map[string]int{"sports": 1, "travel": 1}, segs)

	// writes need postgres
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/creatives/c1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adengine_")
}

func TestAdHandler_RateLimited(t *testing.T) {
	srv := newTestServer(t, models.NewTestCreative("c1", "adv1", "sports", "300x250"))
	srv.Limiter = ratelimit.NewUserLimiter(ratelimit.Config{Capacity: 1, RefillRate: 0.001, Enabled: true}, nil)
	h := srv.Router()

	rec, _ := postAd(t, h, "/ad", AdRequest{UserID: "u1", PageSegments: []string{"sports"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = postAd(t, h, "/ad", AdRequest{UserID: "u1", PageSegments: []string{"sports"}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = postAd(t, h, "/ad", AdRequest{UserID: "u2", PageSegments: []string{"sports"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}
