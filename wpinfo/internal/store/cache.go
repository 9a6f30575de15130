package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

// CacheGet returns the live payload cached for origin. An expired row is
// deleted on read and reported as a miss.
func (s *Store) CacheGet(ctx context.Context, origin string) ([]byte, bool, error) {
	now := s.nowMs()
	if _, err := dbopen.Exec(ctx, s.DB,
		`DELETE FROM cache WHERE origin = ? AND expires_at <= ?`, origin, now); err != nil {
		return nil, false, err
	}

	var payload string
	err := s.DB.QueryRowContext(ctx,
		`SELECT payload_json FROM cache WHERE origin = ? AND expires_at > ?`, origin, now).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

// CacheSet stores payload for origin until now+ttl, replacing any entry.
func (s *Store) CacheSet(ctx context.Context, origin string, payload []byte, ttl time.Duration) error {
	now := s.nowMs()
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO cache (origin, payload_json, expires_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(origin) DO UPDATE SET
		   payload_json = excluded.payload_json,
		   expires_at   = excluded.expires_at,
		   created_at   = excluded.created_at`,
		origin, string(payload), now+ttl.Milliseconds(), now)
	return err
}

// PruneExpiredCache deletes every expired entry and returns how many went.
func (s *Store) PruneExpiredCache(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM cache WHERE expires_at <= ?`, s.nowMs())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TrimCache keeps the maxEntries most recently written entries.
func (s *Store) TrimCache(ctx context.Context, maxEntries int) (int64, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`DELETE FROM cache WHERE origin NOT IN (
		   SELECT origin FROM cache ORDER BY created_at DESC, origin LIMIT ?
		 )`, maxEntries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
