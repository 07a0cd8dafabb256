package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// Sink receives aggregate opportunity events. Implementations must not
// require user identifiers: an event is a name plus the questions it answers.
type Sink interface {
	RecordEvent(ctx context.Context, name string, questions []string) error
}

// ClickHouseSink stores one row per answered question.
type ClickHouseSink struct {
	DB *sql.DB
	// nowFn is replaced in tests.
	nowFn func() time.Time
}

const createOpportunityTable = `CREATE TABLE IF NOT EXISTS opportunity_events (
    timestamp DateTime,
    event     LowCardinality(String),
    question  LowCardinality(String)
) ENGINE=MergeTree() ORDER BY (event, question, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the opportunity table exists.
func InitClickHouse(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*ClickHouseSink, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), createOpportunityTable); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns))
	return &ClickHouseSink{DB: db, nowFn: time.Now}, nil
}

// RecordEvent inserts the questions of one event as a single batch.
func (c *ClickHouseSink) RecordEvent(ctx context.Context, name string, questions []string) error {
	if c == nil || c.DB == nil {
		return ErrUnavailable
	}
	if len(questions) == 0 {
		return nil
	}
	now := time.Now
	if c.nowFn != nil {
		now = c.nowFn
	}
	ts := now().UTC()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO opportunity_events (timestamp, event, question)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, q := range questions {
		if _, err := stmt.ExecContext(ctx, ts, name, q); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append question %s: %w", q, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// QuestionCount is an aggregate row returned by QuestionCounts.
type QuestionCount struct {
	Event    string `json:"event"`
	Question string `json:"question"`
	Count    uint64 `json:"count"`
}

// QuestionCounts aggregates answers recorded since the given time.
func (c *ClickHouseSink) QuestionCounts(ctx context.Context, since time.Time) ([]QuestionCount, error) {
	if c == nil || c.DB == nil {
		return nil, ErrUnavailable
	}
	rows, err := c.DB.QueryContext(ctx, `SELECT event, question, count() AS n
FROM opportunity_events WHERE timestamp >= ?
GROUP BY event, question ORDER BY event, n DESC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query opportunity events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var out []QuestionCount
	for rows.Next() {
		var qc QuestionCount
		if err := rows.Scan(&qc.Event, &qc.Question, &qc.Count); err != nil {
			return nil, fmt.Errorf("scan question count: %w", err)
		}
		out = append(out, qc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// Close terminates the ClickHouse connection.
func (c *ClickHouseSink) Close() {
	if c != nil && c.DB != nil {
		if err := c.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}
