package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
	"github.com/farahaniamin/WpDetectionBot/idgen"
)

var newWatchID = idgen.Prefixed("w_", idgen.Default)

const watchColumns = `id, user_id, chat_id, origin, components_json, created_at, updated_at, last_notified_at`

// UpsertWatch creates the watch for (UserID, Origin) or refreshes its chat
// and component snapshot. The watermark of an existing watch is kept. The
// stored row is returned.
func (s *Store) UpsertWatch(ctx context.Context, w *Watch) (*Watch, error) {
	comps, err := json.Marshal(w.Components)
	if err != nil {
		return nil, fmt.Errorf("store: encode components: %w", err)
	}
	now := s.nowMs()
	row := s.DB.QueryRowContext(ctx, `
		INSERT INTO watches (id, user_id, chat_id, origin, components_json, created_at, updated_at, last_notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(user_id, origin) DO UPDATE SET
		  chat_id         = excluded.chat_id,
		  components_json = excluded.components_json,
		  updated_at      = excluded.updated_at
		RETURNING `+watchColumns,
		newWatchID(), w.UserID, w.ChatID, w.Origin, string(comps), now, now)
	return scanWatch(row)
}

// GetWatch returns the watch with id, or nil.
func (s *Store) GetWatch(ctx context.Context, id string) (*Watch, error) {
	w, err := scanWatch(s.DB.QueryRowContext(ctx, `SELECT `+watchColumns+` FROM watches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// DeleteWatch removes the watch id if it belongs to userID.
func (s *Store) DeleteWatch(ctx context.Context, userID int64, id string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM watches WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListWatches returns the watches of one user, oldest first.
func (s *Store) ListWatches(ctx context.Context, userID int64) ([]Watch, error) {
	return s.queryWatches(ctx, `SELECT `+watchColumns+` FROM watches WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// ListAllWatches returns every watch, oldest first. The whole result is
// read before returning so callers may issue further queries per watch.
func (s *Store) ListAllWatches(ctx context.Context) ([]Watch, error) {
	return s.queryWatches(ctx, `SELECT `+watchColumns+` FROM watches ORDER BY created_at, id`)
}

// MarkNotified advances the watermark of watch id to ts. The watermark never
// moves backwards.
func (s *Store) MarkNotified(ctx context.Context, id string, ts int64) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE watches SET last_notified_at = MAX(last_notified_at, ?) WHERE id = ?`, ts, id)
	return err
}

func (s *Store) queryWatches(ctx context.Context, query string, args ...any) ([]Watch, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWatch(r rowScanner) (*Watch, error) {
	w := &Watch{}
	var comps string
	if err := r.Scan(&w.ID, &w.UserID, &w.ChatID, &w.Origin, &comps,
		&w.CreatedAt, &w.UpdatedAt, &w.LastNotifiedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(comps), &w.Components); err != nil {
		return nil, fmt.Errorf("store: watch %s components: %w", w.ID, err)
	}
	return w, nil
}
