package repo

import (
	"context"
	"time"
)

// TryAcquireLock takes the named cluster-wide advisory lock with try-lock
// semantics: a process that cannot acquire it gets false immediately and must
// skip its tick. Expired leases are purged first so a crashed holder never
// wedges the fleet. Re-acquisition by the current owner extends the lease.
func (r Repo) TryAcquireLock(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	nowStr := now.UTC().Format(time.RFC3339)
	expires := now.UTC().Add(ttl).Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx, `DELETE FROM advisory_locks WHERE name=? AND expires_at<?`, name, nowStr); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO advisory_locks(name,owner,acquired_at,expires_at) VALUES (?,?,?,?)`,
		name, owner, nowStr, expires)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Held by someone; extend only if it is us.
		res, err := tx.ExecContext(ctx, `UPDATE advisory_locks SET expires_at=? WHERE name=? AND owner=?`, expires, name, owner)
		if err != nil {
			return false, err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, tx.Commit()
		}
	}
	return true, tx.Commit()
}

// ReleaseLock drops the lease if this owner still holds it.
func (r Repo) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM advisory_locks WHERE name=? AND owner=?`, name, owner)
	return err
}
