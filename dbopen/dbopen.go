// Package dbopen opens SQLite databases with the pragmas every wpinfo process
// relies on. Pragmas are carried in the DSN (modernc `_pragma` parameters) so
// each pooled connection gets them, not only the first one.
//
// Default pragmas:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	db, err := dbopen.Open("data/wpinfo.db", dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type config struct {
	busyTimeout  int
	synchronous  string
	foreignKeys  bool
	mkdirAll     bool
	maxOpenConns int
	schemas      []string
}

func defaults() config {
	return config{
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		foreignKeys: true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithMaxOpenConns caps the connection pool. 0 keeps the database/sql default.
func WithMaxOpenConns(n int) Option { return func(c *config) { c.maxOpenConns = n } }

// WithSchema queues inline SQL to execute once the database is open.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutForeignKeys disables PRAGMA foreign_keys.
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// Open opens the SQLite database at path, applies pragmas to every connection
// and runs any queued schema statements.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing. The pool is
// pinned to one connection because each connection to ":memory:" is its own
// database. The database is closed through t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, append(opts, WithMaxOpenConns(1))...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func dsn(path string, cfg *config) string {
	fk := "ON"
	if !cfg.foreignKeys {
		fk = "OFF"
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys("+fk+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout))
	q.Add("_pragma", "synchronous("+strings.ToUpper(cfg.synchronous)+")")
	return "file:" + path + "?" + q.Encode()
}
