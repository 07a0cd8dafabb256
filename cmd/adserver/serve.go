package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/adengine/internal/analytics"
	"github.com/patrickwarner/adengine/internal/antitargeting"
	"github.com/patrickwarner/adengine/internal/api"
	"github.com/patrickwarner/adengine/internal/config"
	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/geoip"
	"github.com/patrickwarner/adengine/internal/history"
	"github.com/patrickwarner/adengine/internal/logic"
	"github.com/patrickwarner/adengine/internal/logic/eligible"
	"github.com/patrickwarner/adengine/internal/logic/filters"
	"github.com/patrickwarner/adengine/internal/logic/serving"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
	"github.com/patrickwarner/adengine/internal/opportunity"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ad server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := observability.InitLoggerWithService(cfg.ServiceName)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			zap.ReplaceGlobals(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, logger, cfg); err != nil {
				logger.Error("server error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	metrics := observability.NewPrometheusRegistry()

	var redisStore *db.RedisStore
	var store history.Store
	switch cfg.HistoryBackend {
	case config.HistoryBackendRedis:
		rs, err := db.InitRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer rs.Close()
		redisStore = rs
		store = history.NewRedisStore(rs.Client, cfg.HistoryRetention)
	default:
		logger.Warn("using in-memory history; impressions are lost on restart")
		store = history.NewMemoryStore(cfg.HistoryRetention)
	}

	var pg *db.Postgres
	var loader db.CatalogLoader
	switch cfg.CatalogSource {
	case config.CatalogSourcePostgres:
		p, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
		if err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer p.Close()
		pg, loader = p, p
	default:
		loader = db.FileLoader{Path: cfg.CatalogFile}
	}

	geoSvc, err := geoip.Init(cfg.GeoIPDB)
	if err != nil {
		return fmt.Errorf("failed to load geoip db: %w", err)
	}
	defer func() { _ = geoSvc.Close() }()

	recorder := newRecorder(cfg, metrics, logger)
	if recorder != nil {
		defer recorder.Close()
	}

	catalog := db.NewCatalog()
	resource := antitargeting.NewResource()
	orchestrator := eligible.NewOrchestrator(catalog, store,
		filters.SeenPolicy{Threshold: cfg.SeenThreshold, Window: cfg.SeenWindow}, metrics, logger)

	opts := serving.Options{
		AdType:        models.AdType(cfg.AdType),
		Resolver:      logic.NewResolver(geoSvc, cfg.MaxSegments),
		Eligibility:   orchestrator,
		History:       store,
		AntiTargeting: resource,
		ServeBots:     cfg.ServeBots,
		Metrics:       metrics,
		Logger:        logger,
	}
	if recorder != nil {
		opts.Recorder = recorder
	}
	controller := serving.NewController(opts)

	srv := api.NewServer(logger, controller, catalog, loader, resource, metrics, cfg)
	srv.PG = pg
	srv.Store = redisStore

	// start without a catalog rather than refuse to boot; /health reports it
	if err := srv.Reload(ctx); err != nil {
		logger.Warn("initial load incomplete", zap.Error(err))
	}
	logger.Info("catalog loaded",
		zap.Int("creatives", catalog.Len()),
		zap.Strings("segments", catalog.SortedSegments()))

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Ad server running", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	if cfg.ReloadInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.ReloadInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := srv.Reload(gctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	if srv.Limiter.Enabled() {
		g.Go(func() error {
			idle := srv.Limiter.IdleAfter()
			ticker := time.NewTicker(idle)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := srv.Limiter.Prune(idle); n > 0 {
						logger.Debug("pruned rate limit buckets", zap.Int("users", n))
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	if cfg.AntiTargeting != "" {
		g.Go(func() error {
			// anti-targeting fails open, so a broken watcher only loses hot reload
			if err := antitargeting.Watch(gctx, cfg.AntiTargeting, srv.ReloadAntiTargeting, logger); err != nil {
				logger.Warn("anti-targeting watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// newRecorder builds the opportunity recorder. ClickHouse is optional; when
// it cannot be reached answers are still counted in Prometheus.
func newRecorder(cfg config.Config, metrics observability.MetricsRegistry, logger *zap.Logger) *opportunity.Recorder {
	if !cfg.OpportunityEnabled {
		return nil
	}
	sinks := analytics.MultiSink{analytics.PrometheusSink{}}
	if cfg.ClickHouseDSN != "" {
		ch, err := analytics.InitClickHouse(cfg.ClickHouseDSN, cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime)
		if err != nil {
			logger.Warn("clickhouse unavailable, opportunities recorded to prometheus only", zap.Error(err))
		} else {
			sinks = append(sinks, ch)
		}
	}
	return opportunity.NewRecorder(sinks, cfg.OpportunityBuffer, metrics, logger)
}
