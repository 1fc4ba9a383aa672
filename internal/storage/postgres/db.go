// Package postgres persists jobs, idempotency keys and webhook delivery
// attempts in Postgres through pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Open creates a pgx pool from cfg and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS harvest_jobs (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	request JSONB NOT NULL,
	result JSONB,
	error JSONB,
	callback_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS harvest_jobs_status_created_idx ON harvest_jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS harvest_idempotency (
	key TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS harvest_deliveries (
	job_id TEXT NOT NULL,
	attempt INT NOT NULL,
	sent_at TIMESTAMPTZ NOT NULL,
	response_status INT,
	error TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	PRIMARY KEY (job_id, attempt)
)`,
}

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
