package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the catalog table if it doesn't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS creatives (
    creative_instance_id TEXT PRIMARY KEY,
    creative_set_id TEXT NOT NULL DEFAULT '',
    campaign_id TEXT NOT NULL,
    advertiser_id TEXT NOT NULL,
    segment TEXT NOT NULL DEFAULT 'untargeted',
    size TEXT NOT NULL DEFAULT '',
    per_hour INT NOT NULL DEFAULT 0,
    per_day INT NOT NULL DEFAULT 0,
    total_max INT NOT NULL DEFAULT 0,
    campaign_daily_cap INT NOT NULL DEFAULT 0,
    start_at TIMESTAMP NULL,
    end_at TIMESTAMP NULL,
    geo_targets TEXT[],
    title TEXT,
    description TEXT,
    image_url TEXT,
    target_url TEXT,
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_creatives_segment_size ON creatives (segment, size) WHERE active = true;
CREATE INDEX IF NOT EXISTS idx_creatives_campaign_id ON creatives (campaign_id);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const selectCreativesSQL = `SELECT creative_instance_id, creative_set_id, campaign_id, advertiser_id, segment, size,
    per_hour, per_day, total_max, campaign_daily_cap, start_at, end_at, geo_targets,
    COALESCE(title, ''), COALESCE(description, ''), COALESCE(image_url, ''), COALESCE(target_url, '')
FROM creatives WHERE active`

// LoadCreatives retrieves every active creative. Flight windows are enforced
// at serve time, so creatives outside their window are still loaded.
func (p *Postgres) LoadCreatives(ctx context.Context) ([]models.CreativeAd, error) {
	rows, err := p.DB.QueryContext(ctx, selectCreativesSQL)
	if err != nil {
		return nil, fmt.Errorf("query creatives: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var cs []models.CreativeAd
	for rows.Next() {
		var c models.CreativeAd
		var startAt, endAt sql.NullTime
		var geo pq.StringArray
		if err := rows.Scan(&c.CreativeInstanceID, &c.CreativeSetID, &c.CampaignID, &c.AdvertiserID,
			&c.Segment, &c.Size, &c.PerHour, &c.PerDay, &c.TotalMax, &c.CampaignDailyCap,
			&startAt, &endAt, &geo, &c.Title, &c.Description, &c.ImageURL, &c.TargetURL); err != nil {
			return nil, fmt.Errorf("scan creative: %w", err)
		}
		if startAt.Valid {
			c.StartAt = startAt.Time
		}
		if endAt.Valid {
			c.EndAt = endAt.Time
		}
		c.GeoTargets = []string(geo)
		cs = append(cs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return cs, nil
}

// UpsertCreative inserts or replaces a creative by instance id.
func (p *Postgres) UpsertCreative(ctx context.Context, c models.CreativeAd) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO creatives (creative_instance_id, creative_set_id, campaign_id, advertiser_id, segment, size,
    per_hour, per_day, total_max, campaign_daily_cap, start_at, end_at, geo_targets, title, description, image_url, target_url)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (creative_instance_id) DO UPDATE SET
    creative_set_id = EXCLUDED.creative_set_id, campaign_id = EXCLUDED.campaign_id,
    advertiser_id = EXCLUDED.advertiser_id, segment = EXCLUDED.segment, size = EXCLUDED.size,
    per_hour = EXCLUDED.per_hour, per_day = EXCLUDED.per_day, total_max = EXCLUDED.total_max,
    campaign_daily_cap = EXCLUDED.campaign_daily_cap, start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at,
    geo_targets = EXCLUDED.geo_targets, title = EXCLUDED.title, description = EXCLUDED.description,
    image_url = EXCLUDED.image_url, target_url = EXCLUDED.target_url, active = TRUE`,
		c.CreativeInstanceID, c.CreativeSetID, c.CampaignID, c.AdvertiserID, c.Segment, c.Size,
		c.PerHour, c.PerDay, c.TotalMax, c.CampaignDailyCap, nullTime(c.StartAt), nullTime(c.EndAt),
		pq.Array(c.GeoTargets), c.Title, c.Description, c.ImageURL, c.TargetURL)
	if err != nil {
		return fmt.Errorf("upsert creative %s: %w", c.CreativeInstanceID, err)
	}
	return nil
}

// DeactivateCreative hides a creative from future catalog loads.
func (p *Postgres) DeactivateCreative(ctx context.Context, id string) error {
	if _, err := p.DB.ExecContext(ctx, `UPDATE creatives SET active = FALSE WHERE creative_instance_id=$1`, id); err != nil {
		return fmt.Errorf("deactivate creative %s: %w", id, err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
