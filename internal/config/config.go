package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// History store backends.
const (
	HistoryBackendRedis  = "redis"
	HistoryBackendMemory = "memory"
)

// Catalog sources.
const (
	CatalogSourcePostgres = "postgres"
	CatalogSourceFile     = "file"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port           string        `env:"PORT" envDefault:"8787"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	ClickHouseDSN  string        `env:"CLICKHOUSE_DSN" envDefault:"clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1"`
	PostgresDSN    string        `env:"POSTGRES_DSN" envDefault:"postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable"`
	GeoIPDB        string        `env:"GEOIP_DB" envDefault:"internal/geoip/testdata/geo_fallback.json"`
	DebugTrace     bool          `env:"DEBUG_TRACE" envDefault:"false"`
	ReloadInterval time.Duration `env:"RELOAD_INTERVAL" envDefault:"30s"`
	TokenSecret    string        `env:"TOKEN_SECRET"`
	TokenTTL       time.Duration `env:"TOKEN_TTL" envDefault:"30m"`
	ServiceName    string        `env:"SERVICE_NAME" envDefault:"adengine"`

	// Serving engine
	AdType           string        `env:"AD_TYPE" envDefault:"inline_content_ad"`
	MaxSegments      int           `env:"MAX_SEGMENTS" envDefault:"3"`
	SeenThreshold    int           `env:"SEEN_THRESHOLD" envDefault:"1"`
	SeenWindow       time.Duration `env:"SEEN_WINDOW" envDefault:"0s"`
	ServeBots        bool          `env:"SERVE_BOTS" envDefault:"false"`
	CatalogSource    string        `env:"CATALOG_SOURCE" envDefault:"postgres"`
	CatalogFile      string        `env:"CATALOG_FILE" envDefault:"catalog.yaml"`
	AntiTargeting    string        `env:"ANTI_TARGETING_RESOURCE" envDefault:""`
	HistoryBackend   string        `env:"HISTORY_BACKEND" envDefault:"redis"`
	HistoryRetention time.Duration `env:"HISTORY_RETENTION" envDefault:"720h"`

	// Per-user /ad rate limiting
	RateLimitEnabled    bool    `env:"RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitCapacity   int     `env:"RATE_LIMIT_CAPACITY" envDefault:"20"`
	RateLimitRefillRate float64 `env:"RATE_LIMIT_REFILL_RATE" envDefault:"5"`

	// Opportunity telemetry
	OpportunityBuffer  int  `env:"OPPORTUNITY_BUFFER" envDefault:"1024"`
	OpportunityEnabled bool `env:"OPPORTUNITY_ENABLED" envDefault:"true"`

	// Database connection pooling configuration
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"1m"`
	// ClickHouse connection pooling configuration. Defaults are higher than
	// Postgres because opportunity inserts are frequent and small.
	CHMaxOpenConns    int           `env:"CH_MAX_OPEN_CONNS" envDefault:"100"`
	CHMaxIdleConns    int           `env:"CH_MAX_IDLE_CONNS" envDefault:"25"`
	CHConnMaxLifetime time.Duration `env:"CH_CONN_MAX_LIFETIME" envDefault:"5m"`

	// Tracing configuration
	TracingEnabled    bool    `env:"TRACING_ENABLED" envDefault:"false"`
	TempoEndpoint     string  `env:"TEMPO_ENDPOINT" envDefault:"tempo:4317"`
	TracingSampleRate float64 `env:"TRACING_SAMPLE_RATE" envDefault:"1.0"`
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.HistoryBackend {
	case HistoryBackendRedis, HistoryBackendMemory:
	default:
		return fmt.Errorf("unknown history backend %q", c.HistoryBackend)
	}
	switch c.CatalogSource {
	case CatalogSourcePostgres, CatalogSourceFile:
	default:
		return fmt.Errorf("unknown catalog source %q", c.CatalogSource)
	}
	if c.SeenThreshold < 1 {
		return fmt.Errorf("seen threshold must be at least 1, got %d", c.SeenThreshold)
	}
	if c.RateLimitEnabled && (c.RateLimitCapacity < 1 || c.RateLimitRefillRate <= 0) {
		return fmt.Errorf("rate limit needs a positive capacity and refill rate")
	}
	if c.HistoryRetention > 0 {
		if need := max(24*time.Hour, c.SeenWindow); c.HistoryRetention < need {
			return fmt.Errorf("history retention %s is shorter than the longest cap window %s", c.HistoryRetention, need)
		}
	}
	if c.MaxSegments < 0 {
		return fmt.Errorf("max segments must not be negative, got %d", c.MaxSegments)
	}
	return nil
}
