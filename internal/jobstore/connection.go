// Package jobstore is the PostgreSQL-backed persistence layer for jobs,
// workers, resource allocations, the state-transition audit log, and
// idempotency keys (spec §4.4). Every multi-statement operation runs inside
// a transaction so a crash mid-write never leaves the job graph partially
// updated.
package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	_ "github.com/lib/pq"
)

// DB wraps a PostgreSQL connection pool sized and tuned the way
// internal/common.Config.Database describes it.
type DB struct {
	sql    *sql.DB
	logger arbor.ILogger
}

// Config mirrors the subset of common.DatabaseConfig jobstore needs,
// avoiding an import of internal/common to keep this package dependency-free
// of the rest of the application.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open establishes the connection pool and verifies connectivity with a
// ping before returning.
func Open(cfg Config, logger arbor.ILogger) (*DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Int("max_idle_conns", cfg.MaxIdleConns).
		Msg("Database connection pool established")

	return &DB{sql: sqlDB, logger: logger}, nil
}

// NewFromDB wraps an already-open *sql.DB, used by tests against sqlmock.
func NewFromDB(sqlDB *sql.DB, logger arbor.ILogger) *DB {
	return &DB{sql: sqlDB, logger: logger}
}

// SQL returns the underlying connection pool for migration tooling.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Close closes the connection pool.
func (d *DB) Close() error {
	if d.sql != nil {
		return d.sql.Close()
	}
	return nil
}

// Ping verifies the connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}
