package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

// InsertEvents appends events to the audit log in one transaction.
func (s *Store) InsertEvents(ctx context.Context, events []Event) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, e := range events {
			var user sql.NullInt64
			if e.UserID != 0 {
				user = sql.NullInt64{Int64: e.UserID, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO events (id, ts, user_id, origin, kind, ok, duration_ms, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.TS, user, e.Origin, e.Kind, boolInt(e.OK), e.DurationMs, e.Error); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats summarises the events of the last days.
func (s *Store) Stats(ctx context.Context, days int) (Stats, error) {
	st := Stats{Days: days}
	since := s.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	var avg sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT user_id),
		       COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0),
		       AVG(duration_ms)
		FROM events WHERE ts >= ?`, since).Scan(&st.Total, &st.Users, &st.Errors, &avg)
	st.AvgDurationMs = avg.Float64
	return st, err
}

// PruneEvents deletes events older than days. days <= 0 keeps everything.
func (s *Store) PruneEvents(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := s.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
