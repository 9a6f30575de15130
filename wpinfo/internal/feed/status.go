package feed

import (
	"context"
	"fmt"
	"strconv"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
)

// SyncStatus is the persisted view of past runs plus catalog size.
// Timestamps are unix milliseconds, 0 when never recorded.
type SyncStatus struct {
	LastAttemptMs  int64  `json:"last_attempt_ms"`
	LastSyncMs     int64  `json:"last_sync_ms"`
	LastStatus     string `json:"last_status,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	LastProcessed  int64  `json:"last_processed"`
	BackoffUntilMs int64  `json:"backoff_until_ms"`
	Vulns          int64  `json:"vulns"`
	Links          int64  `json:"links"`
}

// ReadStatus collects the ingestion meta fields from st.
func ReadStatus(ctx context.Context, st *store.Store) (SyncStatus, error) {
	var s SyncStatus
	ints := []struct {
		key string
		dst *int64
	}{
		{MetaLastAttempt, &s.LastAttemptMs},
		{MetaLastSync, &s.LastSyncMs},
		{MetaLastCount, &s.LastProcessed},
		{MetaBackoffUntil, &s.BackoffUntilMs},
	}
	for _, f := range ints {
		raw, _, err := st.MetaGet(ctx, f.key)
		if err != nil {
			return s, fmt.Errorf("feed: status %s: %w", f.key, err)
		}
		*f.dst, _ = strconv.ParseInt(raw, 10, 64)
	}
	var err error
	if s.LastStatus, _, err = st.MetaGet(ctx, MetaLastStatus); err != nil {
		return s, err
	}
	if s.LastError, _, err = st.MetaGet(ctx, MetaLastError); err != nil {
		return s, err
	}
	if s.Vulns, err = st.CountVulns(ctx); err != nil {
		return s, err
	}
	if s.Links, err = st.CountVulnLinks(ctx); err != nil {
		return s, err
	}
	return s, nil
}
