// Package store is the SQLite persistence layer for wpinfo: cache, named
// locks, key-value metadata, the vulnerability catalog, watches, user
// settings and the event log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

// Store is the wpinfo database handle.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now. Tests use it to move lock and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an open database and applies pending migrations.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{DB: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens (or creates) the database at path and migrates it.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// TimeLayout is the text layout of vulnerability timestamps. Values in this
// layout sort lexically in time order.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

var inputLayouts = []string{
	TimeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// NormalizeTime converts an upstream timestamp to TimeLayout. It returns ""
// when raw is empty or unparseable so the column stores NULL.
func NormalizeTime(raw string) string {
	if raw == "" {
		return ""
	}
	for _, layout := range inputLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return FormatTime(t)
		}
	}
	return ""
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
