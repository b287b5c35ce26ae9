package repository

import (
	"context"
	"time"

	"github.com/ratchetd/ratchet/internal/domain"
)

// TryAcquireLease attempts to take the named lease for the holder.
// An expired lease may be stolen. Returns false when another holder
// currently owns it.
func (s *Store) TryAcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := nowUTC()
	expires := now.Add(ttl)

	// Renew our own lease or steal an expired one.
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE leases SET holder = ?, expires_at = ?
		WHERE name = ? AND (holder = ? OR expires_at <= ?)`),
		holder, expires, name, holder, now)
	if err != nil {
		return false, domain.Wrap(domain.KindInternal, err, "failed to acquire lease")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	// No row yet: insert, losing gracefully to a concurrent insert.
	_, err = s.db.ExecContext(ctx,
		s.q("INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)"),
		name, holder, expires)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, domain.Wrap(domain.KindInternal, err, "failed to insert lease")
	}
	return true, nil
}

// ReleaseLease gives up the named lease if the holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM leases WHERE name = ? AND holder = ?"), name, holder)
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "failed to release lease")
	}
	return nil
}
