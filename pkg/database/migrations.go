package database

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending migrations from the embedded SQL files.
// Each driver has its own migration directory: sqlite and postgres
// disagree on type names and autoincrement syntax.
func (c *Client) Migrate(_ context.Context) error {
	var (
		drv    database.Driver
		err    error
		subdir string
	)
	switch c.driver {
	case "sqlite":
		subdir = "migrations/sqlite"
		drv, err = migratesqlite.WithInstance(c.db.DB, &migratesqlite.Config{})
	case "postgres":
		subdir = "migrations/postgres"
		drv, err = migratepg.WithInstance(c.db.DB, &migratepg.Config{})
	default:
		return fmt.Errorf("no migrations for driver %q", c.driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, subdir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, c.driver, drv)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source. m.Close() would also close the database
	// driver and with it the shared *sql.DB.
	if err := src.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}
