// Package postgres provides persistent share accounting for the stratum
// proxy. Every submitted share is logged with its outcome so operators can
// audit what the upstream pool credited against what their miners produced.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps the accounting database connection pool.
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection parameters.
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens a connection pool and verifies connectivity. The proxy
// starts accepting miners only after this succeeds, so a short ping
// timeout keeps a dead database from delaying startup indefinitely.
func NewClient(cfg *Config) (*Client, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=5",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity.
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB exposes the pool to the repositories.
func (c *Client) DB() *sql.DB {
	return c.db
}
