// Package watcher notifies watch owners of new high-severity vulnerabilities
// affecting the components recorded for their sites.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/farahaniamin/WpDetectionBot/channels"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
)

// Config configures the matcher.
type Config struct {
	RecentDays int // recency window. Default: 30.
	Limit      int // matches per watch per pass. Default: 20.
}

func (c *Config) defaults() {
	if c.RecentDays <= 0 {
		c.RecentDays = 30
	}
	if c.Limit <= 0 {
		c.Limit = 20
	}
}

// PassStats counts the outcome of one pass.
type PassStats struct {
	Watches  int `json:"watches"`
	Muted    int `json:"muted"`
	Matched  int `json:"matched"`
	Notified int `json:"notified"`
	Failed   int `json:"failed"`
}

// Matcher runs notification passes over all watches.
type Matcher struct {
	cfg    Config
	store  *store.Store
	sender channels.Sender
	logger *slog.Logger
}

// New creates a Matcher.
func New(cfg Config, st *store.Store, sender channels.Sender, logger *slog.Logger) *Matcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{cfg: cfg, store: st, sender: sender, logger: logger}
}

// RunPass checks every watch once. A vulnerability is reported when its
// effective timestamp is inside the recency window and strictly after the
// watch's last successful notification. The watermark only moves after the
// sender confirms delivery, so a failed send is retried next pass. Errors on
// one watch never stop the pass; only listing the watches can fail it.
func (m *Matcher) RunPass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	watches, err := m.store.ListAllWatches(ctx)
	if err != nil {
		return stats, fmt.Errorf("watcher: list watches: %w", err)
	}
	stats.Watches = len(watches)

	muted := map[int64]bool{}
	for _, w := range watches {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		off, seen := muted[w.UserID]
		if !seen {
			s, err := m.store.GetUserSettings(ctx, w.UserID)
			if err != nil {
				m.logger.Warn("watcher: read settings", "user_id", w.UserID, "error", err)
				stats.Failed++
				continue
			}
			off = !s.NotifyVulns
			muted[w.UserID] = off
		}
		if off {
			stats.Muted++
			continue
		}

		n, err := m.check(ctx, w)
		if n > 0 {
			stats.Matched++
		}
		switch {
		case err != nil:
			stats.Failed++
			m.logger.Warn("watcher: notify failed", "watch", w.ID, "origin", w.Origin, "error", err)
		case n > 0:
			stats.Notified++
		}
	}
	m.logger.Info("watcher: pass complete", "watches", stats.Watches, "notified", stats.Notified,
		"failed", stats.Failed, "muted", stats.Muted)
	return stats, nil
}

// check notifies one watch and returns the number of matching
// vulnerabilities.
func (m *Matcher) check(ctx context.Context, w store.Watch) (int, error) {
	now := m.store.Now()
	watermark := time.UnixMilli(w.LastNotifiedAt).UTC()
	since := now.Add(-time.Duration(m.cfg.RecentDays) * 24 * time.Hour)

	vulns, err := m.store.NewVulnsForWatch(ctx, w.Components, since, watermark, m.cfg.Limit)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	if len(vulns) == 0 {
		return 0, nil
	}
	if err := m.sender.SendMessage(ctx, w.ChatID, FormatAlert(w.Origin, vulns)); err != nil {
		return len(vulns), err
	}
	if err := m.store.MarkNotified(ctx, w.ID, now.UnixMilli()); err != nil {
		return len(vulns), fmt.Errorf("advance watermark: %w", err)
	}
	return len(vulns), nil
}
