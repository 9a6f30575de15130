package store

import (
	"context"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

// GetUserSettings returns the settings of userID, creating the default row
// (notifications on) on first access.
func (s *Store) GetUserSettings(ctx context.Context, userID int64) (UserSettings, error) {
	if _, err := dbopen.Exec(ctx, s.DB,
		`INSERT OR IGNORE INTO user_settings (user_id, notify_vulns, updated_at) VALUES (?, 1, ?)`,
		userID, s.nowMs()); err != nil {
		return UserSettings{}, err
	}
	st := UserSettings{UserID: userID}
	var notify int
	err := s.DB.QueryRowContext(ctx,
		`SELECT notify_vulns, updated_at FROM user_settings WHERE user_id = ?`, userID).Scan(&notify, &st.UpdatedAt)
	st.NotifyVulns = notify != 0
	return st, err
}

// SetNotifyVulns stores the vulnerability-alert toggle for userID.
func (s *Store) SetNotifyVulns(ctx context.Context, userID int64, on bool) (UserSettings, error) {
	now := s.nowMs()
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO user_settings (user_id, notify_vulns, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET notify_vulns = excluded.notify_vulns, updated_at = excluded.updated_at`,
		userID, boolInt(on), now)
	if err != nil {
		return UserSettings{}, err
	}
	return UserSettings{UserID: userID, NotifyVulns: on, UpdatedAt: now}, nil
}
