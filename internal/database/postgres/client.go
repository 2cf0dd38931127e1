// Package postgres archives accepted blocks in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/powtoken/pkg/errors"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a postgres:// connection string
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings for url
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 10,
		MaxIdleConns: 2,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient opens the pool, checks connectivity and creates the schema
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, wrapError(err, "postgres_ping", "failed to ping database")
	}

	c := &Client{db: db}
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

const schema = `
CREATE TABLE IF NOT EXISTS mining_events (
	block_number   BIGINT PRIMARY KEY,
	miner          TEXT NOT NULL,
	nonce          NUMERIC(20, 0) NOT NULL,
	pow_hash       TEXT NOT NULL,
	new_difficulty NUMERIC(78, 0) NOT NULL,
	timestamp_ms   BIGINT NOT NULL,
	reward         NUMERIC(20, 0) NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS mining_events_miner_idx ON mining_events (miner);`

// Migrate creates the archive table when missing
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return wrapError(err, "postgres_migrate", "failed to create schema")
	}
	return nil
}

// wrapError classifies a driver error. Connection exceptions (SQLSTATE
// class 08) and serialization failures are retryable; everything else is
// not.
func wrapError(err error, operation, message string) *errors.ServiceError {
	se := errors.Wrap(err, errors.ErrorTypeDatabase, operation, message)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		se.WithContext("sqlstate", string(pqErr.Code))
		switch pqErr.Code.Class() {
		case "08", "40", "57":
			return se.WithRetryable(true)
		default:
			return se.WithRetryable(false)
		}
	}
	return se
}
