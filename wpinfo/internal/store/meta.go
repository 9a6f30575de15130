package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

// MetaGet returns the value stored under key. ok is false when absent.
func (s *Store) MetaGet(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// MetaGetInt64 parses the value under key. An absent or empty value yields
// 0; a value that is not an integer is an error.
func (s *Store) MetaGetInt64(ctx context.Context, key string) (int64, error) {
	raw, ok, err := s.MetaGet(ctx, key)
	if err != nil || !ok || raw == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: meta %s: %w", key, err)
	}
	return n, nil
}

// MetaSet upserts key=value.
func (s *Store) MetaSet(ctx context.Context, key, value string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// MetaSetMany upserts every pair in one transaction.
func (s *Store) MetaSetMany(ctx context.Context, kv map[string]string) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for k, v := range kv {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO meta (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}
