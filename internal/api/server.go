package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/antitargeting"
	"github.com/patrickwarner/adengine/internal/config"
	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/logic/ratelimit"
	"github.com/patrickwarner/adengine/internal/logic/serving"
	"github.com/patrickwarner/adengine/internal/middleware"
	"github.com/patrickwarner/adengine/internal/observability"
)

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger        *zap.Logger
	Controller    *serving.Controller
	Catalog       *db.Catalog
	Loader        db.CatalogLoader
	PG            *db.Postgres
	Store         *db.RedisStore
	AntiTargeting *antitargeting.Resource
	// AntiTargetingPath is the resource file reloaded alongside the catalog.
	AntiTargetingPath string
	DebugTrace        bool
	TokenSecret       []byte
	TokenTTL          time.Duration
	Metrics           observability.MetricsRegistry
	// Limiter throttles /ad per user id. Nil allows every request.
	Limiter  *ratelimit.UserLimiter
	reloadMu sync.Mutex
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, controller *serving.Controller, catalog *db.Catalog, loader db.CatalogLoader, resource *antitargeting.Resource, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		Logger:            logger,
		Controller:        controller,
		Catalog:           catalog,
		Loader:            loader,
		AntiTargeting:     resource,
		AntiTargetingPath: cfg.AntiTargeting,
		DebugTrace:        cfg.DebugTrace,
		TokenSecret:       []byte(cfg.TokenSecret),
		TokenTTL:          cfg.TokenTTL,
		Metrics:           metrics,
		Limiter: ratelimit.NewUserLimiter(ratelimit.Config{
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillRate,
			Enabled:    cfg.RateLimitEnabled,
		}, metrics),
	}
}

// Router wires every endpoint behind tracing and trace-aware logging.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ad", s.GetAdHandler).Methods("POST")
	r.HandleFunc("/impression", s.ImpressionHandler).Methods("GET")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")

	// catalog admin routes
	admin := r.PathPrefix("/api").Subrouter()
	admin.HandleFunc("/creatives", s.ListCreatives).Methods("GET")
	admin.HandleFunc("/creatives/{id}", s.GetCreative).Methods("GET")
	admin.HandleFunc("/creatives/{id}", s.PutCreative).Methods("PUT")
	admin.HandleFunc("/creatives/{id}", s.DeleteCreative).Methods("DELETE")
	admin.HandleFunc("/segments", s.ListSegments).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(middleware.WithTraceLogger(s.Logger)(r), "adengine")
}

// Reload refreshes the creative catalog and, when configured, the
// anti-targeting resource. A failed source keeps its previous snapshot.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	var errs []error
	if s.Loader != nil && s.Catalog != nil {
		n, err := db.Reload(ctx, s.Catalog, s.Loader)
		if err != nil {
			s.Metrics.IncrementResourceReloads("catalog", "error")
			errs = append(errs, err)
		} else {
			s.Metrics.IncrementResourceReloads("catalog", "ok")
			s.Logger.Debug("catalog reloaded", zap.Int("creatives", n))
		}
	}
	if err := s.ReloadAntiTargeting(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReloadAntiTargeting reloads the anti-targeting resource file. It is a no-op
// when no resource path is configured.
func (s *Server) ReloadAntiTargeting() error {
	if s.AntiTargeting == nil || s.AntiTargetingPath == "" {
		return nil
	}
	if err := s.AntiTargeting.Load(s.AntiTargetingPath); err != nil {
		s.Metrics.IncrementResourceReloads("anti_targeting", "error")
		return fmt.Errorf("load anti-targeting: %w", err)
	}
	s.Metrics.IncrementResourceReloads("anti_targeting", "ok")
	return nil
}
