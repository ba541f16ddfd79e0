// Package database provides the sqlx client and migration utilities for
// the embedded sqlite store (default) and the optional postgres backend.
package database

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	_ "modernc.org/sqlite"             // register CGO-free sqlite driver

	"github.com/hivemind-dev/hivemind/pkg/config"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know; sqlite
	// uses ? placeholders.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Client wraps the sqlx handle together with its driver name so the
// higher layers can stay placeholder-agnostic via Rebind.
type Client struct {
	db     *sqlx.DB
	driver string
}

// DB returns the underlying sqlx handle.
func (c *Client) DB() *sqlx.DB { return c.db }

// Driver returns the configured driver name ("sqlite" or "postgres").
func (c *Client) Driver() string { return c.driver }

// Close closes the database connection.
func (c *Client) Close() error { return c.db.Close() }

// NewClientFromDB wraps an existing handle (useful for testing).
func NewClientFromDB(db *sqlx.DB, driver string) *Client {
	return &Client{db: db, driver: driver}
}

// NewClient opens a connection, configures pooling, and applies
// pending migrations.
func NewClient(ctx context.Context, cfg *config.DatabaseConfig) (*Client, error) {
	var (
		driverName string
		dsn        string
	)
	switch cfg.Driver {
	case "sqlite":
		driverName = "sqlite"
		dsn = sqliteDSN(cfg.Path)
	case "postgres":
		driverName = "pgx"
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == "sqlite" {
		// A single writer connection sidesteps SQLITE_BUSY under
		// concurrent appends; WAL still allows parallel readers.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{db: db, driver: cfg.Driver}
	if err := client.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return client, nil
}

// sqliteDSN builds a file: URI enabling WAL and a busy timeout.
func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?mode=memory&cache=shared"
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}
