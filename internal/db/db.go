package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/streamgate/internal/apperr"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Pool is the subset of pgxpool.Pool used by the core. pgxmock.PgxPoolIface
// satisfies it, which is how every query path is unit tested.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	pool Pool
}

// New creates a connection pool from DATABASE_URL
func New(ctx context.Context) (*DB, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}
	return NewWithDSN(ctx, databaseURL)
}

// NewWithDSN creates a new database connection pool
func NewWithDSN(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if config.MaxConns < 10 {
		config.MaxConns = 10
	}
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Int32("max_conns", config.MaxConns).Msg("Database connection pool created successfully")

	return &DB{pool: pool}, nil
}

// NewWithPool wraps an existing pool (tests, testcontainers)
func NewWithPool(pool Pool) *DB {
	return &DB{pool: pool}
}

// SetPool replaces the underlying pool
func (db *DB) SetPool(pool Pool) {
	db.pool = pool
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

// Pool returns the underlying connection pool
func (db *DB) Pool() Pool {
	return db.pool
}

// Health checks database connectivity
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// persistErr tags a database error with the persistence failure kind
func persistErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", apperr.ErrPersistenceFailure, op, err)
}
