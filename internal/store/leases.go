package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease attempts to take or extend a named leader lease. It returns
// true when holder now owns the lease until now+ttl. Expired leases are
// stealable; a live lease held by someone else is not.
func (q *Queries) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO leader_leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE leader_leases.holder = EXCLUDED.holder OR leader_leases.expires_at <= $4`,
		name, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (q *Queries) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := q.db.Exec(ctx,
		`DELETE FROM leader_leases WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("release lease %q: %w", name, err)
	}
	return nil
}
