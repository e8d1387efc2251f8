// Package storage provides the PostgreSQL structured store for Kensa.
//
// It manages the pgx connection pool, the embedded forward-only migrations,
// and query methods for runs, memories, workflow executions, feedback
// signals and providers. Every method acquires its own pooled connection,
// so background workflows never share a session with the request that
// scheduled them.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/telemetry"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// pgvector types are only needed by the pgvector search backend. The
	// extension may not exist yet on first connect, so failure is tolerated.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// NewFromPool wraps an existing pool. Used by tests.
func NewFromPool(pool *pgxpool.Pool, logger *slog.Logger) *DB {
	return &DB{pool: pool, logger: logger}
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// RegisterPoolMetrics exports pool occupancy as observable gauges.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("kensa/storage")
	total, err1 := meter.Int64ObservableGauge("kensa.db.pool.total_conns")
	idle, err2 := meter.Int64ObservableGauge("kensa.db.pool.idle_conns")
	acquired, err3 := meter.Int64ObservableGauge("kensa.db.pool.acquired_conns")
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			db.logger.Warn("storage: register pool metrics", "error", err)
			return
		}
	}
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		return nil
	}, total, idle, acquired)
	if err != nil {
		db.logger.Warn("storage: register pool metrics callback", "error", err)
	}
}
