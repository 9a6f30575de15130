package store

import (
	"context"
	"fmt"
	"time"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

// MinLockTTL is the shortest TTL TryAcquireLock accepts; shorter values are
// raised to it.
const MinLockTTL = time.Second

// TryAcquireLock takes the named lock for owner until now+ttl. It is one
// conditional upsert: the row is inserted, or taken over only when the
// current holder's expiry has passed. It reports whether owner now holds it.
// A holder re-acquiring its own live lock is refused like any other caller.
func (s *Store) TryAcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if ttl < MinLockTTL {
		ttl = MinLockTTL
	}
	now := s.nowMs()
	res, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   owner      = excluded.owner,
		   expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		name, owner, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, fmt.Errorf("store: acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLock deletes the lock only if owner still holds it. A lock that
// lapsed and was taken by someone else is left alone.
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return false, fmt.Errorf("store: release lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WithLock runs fn while holding the named lock. acquired is false (and fn
// is not called) when another owner holds it. The lock is released on every
// exit path, including a panic in fn or a cancelled ctx.
func (s *Store) WithLock(ctx context.Context, name, owner string, ttl time.Duration, fn func(context.Context) error) (acquired bool, err error) {
	ok, err := s.TryAcquireLock(ctx, name, owner, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if _, relErr := s.ReleaseLock(context.WithoutCancel(ctx), name, owner); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return true, fn(ctx)
}

// PruneExpiredLocks deletes locks whose TTL has passed.
func (s *Store) PruneExpiredLocks(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM locks WHERE expires_at <= ?`, s.nowMs())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
