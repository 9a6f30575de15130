package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

const effectiveTS = `COALESCE(v.updated, v.published)`

// highSeverityFilter restricts to Critical/High, non-informational rows.
const highSeverityFilter = `v.cvss_rating IN ('Critical', 'High') AND v.informational = 0`

const summaryColumns = `v.id, v.title, v.cve, v.cvss_score, v.cvss_rating, v.published, v.updated, v.reference_url, v.remediation`

// UpsertVulnerability writes v and replaces its software links in one
// transaction. Every mutable column is overwritten; links absent from v are
// gone afterwards.
func (s *Store) UpsertVulnerability(ctx context.Context, v *Vulnerability) error {
	if v.ID == "" {
		return errors.New("store: vulnerability without id")
	}
	title := v.Title
	if title == "" {
		title = v.ID
	}
	rating := v.Rating
	if rating == "" {
		rating = SeverityUnknown
	}
	seen := s.nowMs()

	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vulns (id, title, description, cve, cvss_score, cvss_rating,
			                   published, updated, informational, reference_url, remediation, last_seen_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			  title         = excluded.title,
			  description   = excluded.description,
			  cve           = excluded.cve,
			  cvss_score    = excluded.cvss_score,
			  cvss_rating   = excluded.cvss_rating,
			  published     = excluded.published,
			  updated       = excluded.updated,
			  informational = excluded.informational,
			  reference_url = excluded.reference_url,
			  remediation   = excluded.remediation,
			  last_seen_ts  = excluded.last_seen_ts`,
			v.ID, title, nullString(v.Description), nullString(v.CVE), v.Score, string(rating),
			nullString(v.Published), nullString(v.Updated), boolInt(v.Informational),
			nullString(v.ReferenceURL), nullString(v.Remediation), seen)
		if err != nil {
			return fmt.Errorf("upsert vuln %s: %w", v.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM vuln_software WHERE vuln_id = ?`, v.ID); err != nil {
			return fmt.Errorf("clear links %s: %w", v.ID, err)
		}
		for _, l := range v.Software {
			patched, err := json.Marshal(nonNil(l.PatchedVersions))
			if err != nil {
				return err
			}
			affected := l.AffectedVersions
			if affected == "" {
				affected = "{}"
			}
			// Upstream occasionally lists one component twice; last one wins.
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO vuln_software
				  (vuln_id, type, slug, name, patched, patched_versions_json, affected_versions_json)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				v.ID, l.Type, l.Slug, nullString(l.Name), boolInt(l.Patched), string(patched), affected); err != nil {
				return fmt.Errorf("insert link %s/%s/%s: %w", v.ID, l.Type, l.Slug, err)
			}
		}
		return nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetVulnerability loads one record with its links, or nil when absent.
func (s *Store) GetVulnerability(ctx context.Context, id string) (*Vulnerability, error) {
	v := &Vulnerability{}
	var desc, cve, pub, upd, ref, rem sql.NullString
	var score sql.NullFloat64
	var rating string
	var info int
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, title, description, cve, cvss_score, cvss_rating, published, updated,
		       informational, reference_url, remediation
		FROM vulns WHERE id = ?`, id).Scan(
		&v.ID, &v.Title, &desc, &cve, &score, &rating, &pub, &upd, &info, &ref, &rem)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.Description, v.CVE, v.Published, v.Updated = desc.String, cve.String, pub.String, upd.String
	v.ReferenceURL, v.Remediation = ref.String, rem.String
	v.Rating = Severity(rating)
	v.Informational = info != 0
	if score.Valid {
		v.Score = &score.Float64
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT type, slug, name, patched, patched_versions_json, affected_versions_json
		FROM vuln_software WHERE vuln_id = ? ORDER BY type, slug`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l SoftwareLink
		var name sql.NullString
		var patched int
		var pv string
		if err := rows.Scan(&l.Type, &l.Slug, &name, &patched, &pv, &l.AffectedVersions); err != nil {
			return nil, err
		}
		l.Name = name.String
		l.Patched = patched != 0
		_ = json.Unmarshal([]byte(pv), &l.PatchedVersions)
		v.Software = append(v.Software, l)
	}
	return v, rows.Err()
}

// RecentVulns lists Critical/High vulnerabilities whose effective timestamp
// (updated, else published) falls within the last days, newest first.
func (s *Store) RecentVulns(ctx context.Context, days, limit int) ([]VulnSummary, error) {
	since := FormatTime(s.Now().Add(-time.Duration(days) * 24 * time.Hour))
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+summaryColumns+`
		FROM vulns v
		WHERE `+highSeverityFilter+` AND `+effectiveTS+` >= ?
		ORDER BY `+effectiveTS+` DESC, v.id
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VulnSummary
	for rows.Next() {
		vs, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vs)
	}
	return out, rows.Err()
}

// VulnsForComponents lists recent Critical/High vulnerabilities linked to
// any component of cs, one row per (vulnerability, component).
func (s *Store) VulnsForComponents(ctx context.Context, cs ComponentSet, days, limit int) ([]ComponentVuln, error) {
	keys := cs.Keys()
	if len(keys) == 0 {
		return nil, nil
	}
	match, args := componentMatch(keys)
	since := FormatTime(s.Now().Add(-time.Duration(days) * 24 * time.Hour))
	args = append(args, since, limit)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+summaryColumns+`, vs.type, vs.slug, vs.patched, vs.patched_versions_json, vs.affected_versions_json
		FROM vulns v
		JOIN vuln_software vs ON vs.vuln_id = v.id
		WHERE (`+match+`) AND `+highSeverityFilter+` AND `+effectiveTS+` >= ?
		ORDER BY `+effectiveTS+` DESC, v.id, vs.type, vs.slug
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ComponentVuln
	for rows.Next() {
		var r summaryRow
		var cv ComponentVuln
		var patched int
		var pv string
		dest := append(r.dest(), &cv.Type, &cv.Slug, &patched, &pv, &cv.AffectedVersions)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		cv.VulnSummary = r.summary()
		cv.Patched = patched != 0
		_ = json.Unmarshal([]byte(pv), &cv.PatchedVersions)
		out = append(out, cv)
	}
	return out, rows.Err()
}

// NewVulnsForWatch lists distinct Critical/High vulnerabilities linked to cs
// whose effective timestamp is at or after since and strictly after
// watermark, newest first.
func (s *Store) NewVulnsForWatch(ctx context.Context, cs ComponentSet, since, watermark time.Time, limit int) ([]VulnSummary, error) {
	keys := cs.Keys()
	if len(keys) == 0 {
		return nil, nil
	}
	match, margs := componentMatch(keys)
	// Bind order follows placeholder order in the statement.
	args := append([]any{FormatTime(since), FormatTime(watermark)}, margs...)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+summaryColumns+`
		FROM vulns v
		WHERE `+highSeverityFilter+`
		  AND `+effectiveTS+` >= ?
		  AND `+effectiveTS+` > ?
		  AND EXISTS (
		    SELECT 1 FROM vuln_software vs
		    WHERE vs.vuln_id = v.id AND (`+match+`)
		  )
		ORDER BY `+effectiveTS+` DESC, v.id
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VulnSummary
	for rows.Next() {
		vs, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vs)
	}
	return out, rows.Err()
}

// CountVulns returns the number of catalog records.
func (s *Store) CountVulns(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM vulns`).Scan(&n)
	return n, err
}

// CountVulnLinks returns the number of software links.
func (s *Store) CountVulnLinks(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM vuln_software`).Scan(&n)
	return n, err
}

func componentMatch(keys []SoftwareKey) (string, []any) {
	parts := make([]string, len(keys))
	args := make([]any, 0, 2*len(keys))
	for i, k := range keys {
		parts[i] = "(vs.type = ? AND vs.slug = ?)"
		args = append(args, k.Type, k.Slug)
	}
	return strings.Join(parts, " OR "), args
}

// summaryRow is the scan target for summaryColumns.
type summaryRow struct {
	id, title               string
	cve, pub, upd, ref, rem sql.NullString
	score                   sql.NullFloat64
	rating                  string
}

func (r *summaryRow) dest() []any {
	return []any{&r.id, &r.title, &r.cve, &r.score, &r.rating, &r.pub, &r.upd, &r.ref, &r.rem}
}

func (r *summaryRow) summary() VulnSummary {
	vs := VulnSummary{
		ID:           r.id,
		Title:        r.title,
		CVE:          r.cve.String,
		Rating:       Severity(r.rating),
		Published:    r.pub.String,
		Updated:      r.upd.String,
		ReferenceURL: r.ref.String,
		Remediation:  r.rem.String,
	}
	if r.score.Valid {
		score := r.score.Float64
		vs.Score = &score
	}
	return vs
}

func scanSummary(rows *sql.Rows) (VulnSummary, error) {
	var r summaryRow
	if err := rows.Scan(r.dest()...); err != nil {
		return VulnSummary{}, err
	}
	return r.summary(), nil
}
