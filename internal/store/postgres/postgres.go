// Package postgres is the storage gateway: the only component that talks to
// the relational store. It owns the schema, idempotent trade insertion,
// atomic candle upserts and all range reads.
package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a bounded connection pool. Connection-level recovery happens
// inside the pool; statement errors surface to the caller.
type Store struct {
	pool *pgxpool.Pool

	// OnError is called with the operation name when a statement fails.
	// Optional, used for error counting.
	OnError func(op string)
}

// New connects, registers decimal codecs and bootstraps the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: schema: %w", err)
	}
	log.Printf("[postgres] connected, pool max=%d", cfg.MaxConns)
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trades (
			id         BIGSERIAL PRIMARY KEY,
			exchange   TEXT        NOT NULL,
			market_id  TEXT        NOT NULL,
			price      NUMERIC     NOT NULL,
			quantity   NUMERIC     NOT NULL,
			side       TEXT        NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			tx_hash    TEXT,
			dedupe_key TEXT        NOT NULL UNIQUE
		);

		CREATE INDEX IF NOT EXISTS trades_market_ts_idx
			ON trades (exchange, market_id, ts DESC);
		CREATE INDEX IF NOT EXISTS trades_ts_idx
			ON trades (ts DESC);

		CREATE TABLE IF NOT EXISTS candles (
			exchange  TEXT        NOT NULL,
			market_id TEXT        NOT NULL,
			interval  TEXT        NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			open      NUMERIC     NOT NULL,
			high      NUMERIC     NOT NULL,
			low       NUMERIC     NOT NULL,
			close     NUMERIC     NOT NULL,
			volume    NUMERIC     NOT NULL,
			PRIMARY KEY (exchange, market_id, interval, open_time)
		);

		CREATE TABLE IF NOT EXISTS ingest_cursors (
			exchange   TEXT        NOT NULL,
			market_id  TEXT        NOT NULL DEFAULT '',
			cursor     TEXT        NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (exchange, market_id)
		);
	`)
	return err
}

func (s *Store) fail(op string, err error) error {
	if s.OnError != nil {
		s.OnError(op)
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// Ping reports store reachability for /health.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool. Called last during shutdown.
func (s *Store) Close() {
	s.pool.Close()
}
