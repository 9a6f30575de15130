package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

const metaTable = `CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// migrations are applied in order; the index+1 is the schema version stored
// under meta.schema_version. Never edit a released migration, append one.
var migrations = []string{
	// v1: core tables.
	`
CREATE TABLE IF NOT EXISTS events (
    id          TEXT PRIMARY KEY,
    ts          INTEGER NOT NULL,
    user_id     INTEGER,
    origin      TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL,
    ok          INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);

CREATE TABLE IF NOT EXISTS cache (
    origin       TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    expires_at   INTEGER NOT NULL,
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at);

CREATE TABLE IF NOT EXISTS vulns (
    id            TEXT PRIMARY KEY,
    title         TEXT NOT NULL,
    description   TEXT,
    cve           TEXT,
    cvss_score    REAL,
    cvss_rating   TEXT NOT NULL DEFAULT 'Unknown',
    published     TEXT,
    updated       TEXT,
    informational INTEGER NOT NULL DEFAULT 0,
    reference_url TEXT,
    remediation   TEXT,
    last_seen_ts  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vulns_rating ON vulns(cvss_rating);
CREATE INDEX IF NOT EXISTS idx_vulns_effective ON vulns(COALESCE(updated, published));

CREATE TABLE IF NOT EXISTS vuln_software (
    vuln_id                TEXT NOT NULL REFERENCES vulns(id) ON DELETE CASCADE,
    type                   TEXT NOT NULL,
    slug                   TEXT NOT NULL,
    name                   TEXT,
    patched                INTEGER NOT NULL DEFAULT 0,
    patched_versions_json  TEXT NOT NULL DEFAULT '[]',
    affected_versions_json TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (vuln_id, type, slug)
);
CREATE INDEX IF NOT EXISTS idx_vuln_software_component ON vuln_software(type, slug);

CREATE TABLE IF NOT EXISTS watches (
    id               TEXT PRIMARY KEY,
    user_id          INTEGER NOT NULL,
    chat_id          INTEGER NOT NULL,
    origin           TEXT NOT NULL,
    components_json  TEXT NOT NULL,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    last_notified_at INTEGER NOT NULL DEFAULT 0,
    UNIQUE (user_id, origin)
);
`,
	// v2: cross-process named locks.
	`
CREATE TABLE IF NOT EXISTS locks (
    name       TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);
`,
	// v3: per-user notification settings.
	`
CREATE TABLE IF NOT EXISTS user_settings (
    user_id      INTEGER PRIMARY KEY,
    notify_vulns INTEGER NOT NULL DEFAULT 1,
    updated_at   INTEGER NOT NULL
);
`,
}

// SchemaVersion is the version a fully migrated database reports.
var SchemaVersion = len(migrations)

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, metaTable); err != nil {
		return fmt.Errorf("store: create meta: %w", err)
	}
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	for v := current + 1; v <= len(migrations); v++ {
		err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[v-1]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(v))
			return err
		})
		if err != nil {
			return fmt.Errorf("store: migration v%d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	raw, ok, err := s.MetaGet(ctx, "schema_version")
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("store: bad schema_version %q", raw)
	}
	return v, nil
}
