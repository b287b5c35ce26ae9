// Package repository implements typed persistence for Ratchet's entities
// over database/sql. It is the sole writer of persistent state; every
// status mutation is a single conditional UPDATE guarded by the expected
// previous status.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/ratchetd/ratchet/internal/domain"
)

// Store provides access to all entity repositories over one connection
// pool. Queries are written with `?` placeholders and rebound per driver.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open, migrated database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// HealthCheck returns nil only when a trivial read round-trips.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return domain.Wrap(domain.KindInternal, err, "database health check failed")
	}
	return nil
}

// q rebinds a `?` query for the active driver.
func (s *Store) q(query string) string { return s.db.Rebind(query) }

// nowUTC returns the current time at the persisted resolution.
func nowUTC() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// isUniqueViolation detects unique-constraint errors on both drivers.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// notFoundOr maps sql.ErrNoRows to the domain NotFound for the entity.
func notFoundOr(err error, entity string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	return domain.Wrap(domain.KindInternal, err, "%s lookup failed", entity)
}

// requireTransition converts a zero-row guarded UPDATE into ErrStale:
// the row was not in the expected previous status.
func requireTransition(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "rows affected unavailable")
	}
	if n == 0 {
		return domain.ErrStale
	}
	return nil
}

// requireRow converts a zero-row UPDATE/DELETE into NotFound.
func requireRow(res sql.Result, entity string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "rows affected unavailable")
	}
	if n == 0 {
		return domain.NotFound(entity, id)
	}
	return nil
}

