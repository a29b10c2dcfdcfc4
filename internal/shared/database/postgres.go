// Package database opens the Postgres pool backing the usage ledger and
// applies its schema.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinical-coding/platform/internal/shared/config"
	"github.com/clinical-coding/platform/internal/shared/metrics"
)

// DB holds the ledger's connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// PoolConfig builds the pgx pool settings from cfg. Unset limits fall back
// to a pool of four connections.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = 4
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = min(max(cfg.MinConns, 0), poolConfig.MaxConns)
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = time.Minute
	return poolConfig, nil
}

// New opens the pool and checks that the server answers.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	db := &DB{Pool: pool}
	if err := db.Health(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Close closes the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health pings the server. It backs the database entry of /health.
func (db *DB) Health(ctx context.Context) error {
	started := time.Now()
	err := db.Pool.Ping(ctx)
	metrics.RecordDBQuery("ping", time.Since(started))
	return err
}
