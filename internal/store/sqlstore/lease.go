package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
)

// TryAcquireLease takes the lease if it is free, expired or already ours.
// The conditional upsert is the only arbiter between contending instances.
func (s *Store) TryAcquireLease(ctx context.Context, key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO coordination (name, holder, expires_at, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at,
			version = coordination.version + 1
		WHERE coordination.expires_at <= ? OR coordination.holder = ?
	`

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), key, holder, now.Add(ttl).UnixMilli(), now.UnixMilli(), holder)
	if err != nil {
		return false, wrap("try_acquire_lease", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrap("try_acquire_lease", err)
	}
	return rowsAffected == 1, nil
}

// RenewLease extends a live lease held by holder
func (s *Store) RenewLease(ctx context.Context, key, holder string, now time.Time, ttl time.Duration) (bool, error) {
	query := `
		UPDATE coordination
		SET expires_at = ?, version = version + 1
		WHERE name = ? AND holder = ? AND expires_at > ?
	`

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), now.Add(ttl).UnixMilli(), key, holder, now.UnixMilli())
	if err != nil {
		return false, wrap("renew_lease", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, wrap("renew_lease", err)
	}
	return rowsAffected == 1, nil
}

// ReleaseLease expires the lease if holder owns it
func (s *Store) ReleaseLease(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE coordination SET expires_at = 0, version = version + 1 WHERE name = ? AND holder = ?`),
		key, holder)
	return wrap("release_lease", err)
}

// ReadLease returns the current lease record
func (s *Store) ReadLease(ctx context.Context, key string) (*domain.Lease, error) {
	var row leaseRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT holder, expires_at, version FROM coordination WHERE name = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("read_lease", err)
	}
	return &domain.Lease{
		Holder:    row.Holder,
		ExpiresAt: time.UnixMilli(row.ExpiresAt),
		Version:   row.Version,
	}, nil
}
