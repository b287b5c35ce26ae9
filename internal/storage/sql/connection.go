// Package sql opens the Ratchet database and keeps its schema current.
// SQLite (default) and PostgreSQL are supported behind the same
// repository; the driver is picked from the URL scheme.
package sql

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ratchetd/ratchet/internal/storage/sql/repository"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// Config holds database connection configuration.
type Config struct {
	URL               string        // sqlite://<path> or postgres://...
	MaxConnections    int           // maximum open connections (default: 10)
	ConnectionTimeout time.Duration // dial/ping timeout (default: 30s)
}

// Open connects to the database named by cfg.URL, applies migrations, and
// returns the repository store.
func Open(ctx context.Context, cfg Config) (*repository.Store, error) {
	driver, dsn, err := splitURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(maxConns, 5))
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingTimeout := cfg.ConnectionTimeout
	if pingTimeout <= 0 {
		pingTimeout = 30 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repository.NewStore(db), nil
}

// splitURL maps a database URL onto a driver name and DSN.
func splitURL(url string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			path = ":memory:"
		}
		return "sqlite", path, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "pgx", url, nil
	default:
		return "", "", fmt.Errorf("unsupported database url %q (expected sqlite:// or postgres://)", url)
	}
}

func runMigrations(db *sqlx.DB, driver string) error {
	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)

	var dialect, dir string
	switch driver {
	case "sqlite":
		dialect, dir = "sqlite3", "migrations/sqlite"
	case "pgx":
		dialect, dir = "postgres", "migrations/postgres"
	default:
		return fmt.Errorf("no migrations for driver %q", driver)
	}

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, dir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
