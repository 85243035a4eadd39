package queue

import (
	"context"
	"time"
)

// AcquireLease takes the sync lease for owner, or extends it when owner
// already holds it. It fails with ErrLeaseHeld while a different owner holds
// an unexpired lease. Every Store on the same file sees the same lease.
func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_lease (id, owner, expires_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE sync_lease.owner = excluded.owner OR sync_lease.expires_at <= ?`,
		owner, toUnix(now.Add(ttl)), toUnix(now))
	if err != nil {
		return storageErr("acquire lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_lease WHERE id = 1 AND owner = ?`, owner); err != nil {
		return storageErr("release lease", err)
	}
	return nil
}
