package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-json-experiment/json/jsontext"

	"github.com/farahaniamin/WpDetectionBot/idgen"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
)

// Meta keys written by Job.Run.
const (
	MetaBackoffUntil = "wordfence_backoff_until_ms"
	MetaLastSync     = "wordfence_last_sync_ts_ms"
	MetaLastAttempt  = "wordfence_last_attempt_ts_ms"
	MetaLastStatus   = "wordfence_last_status"
	MetaLastError    = "wordfence_last_error"
	MetaLastCount    = "wordfence_last_processed"
)

// DefaultLockName serializes ingestion across processes sharing one database.
const DefaultLockName = "wordfence_sync"

const (
	minBackoff  = time.Minute
	maxErrorLen = 400
)

// Status is the terminal state of one run.
type Status string

const (
	StatusSynced         Status = "synced"
	StatusSkippedNoKey   Status = "skipped_no_key"
	StatusSkippedLocked  Status = "skipped_locked"
	StatusSkippedBackoff Status = "skipped_backoff"
	StatusFailed         Status = "failed"
)

// Result reports one run.
type Result struct {
	Status    Status `json:"status"`
	Processed int    `json:"processed,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JobConfig configures the ingestion job.
type JobConfig struct {
	Client ClientConfig

	LockName string        // Default: DefaultLockName.
	LockTTL  time.Duration // also bounds one streaming run. Default: 15m.
	Backoff  time.Duration // after HTTP 429, floored at 1m. Default: 12h.
	Owner    string        // lock owner identity. Default: idgen.Owner().
}

func (c *JobConfig) defaults() {
	if c.LockName == "" {
		c.LockName = DefaultLockName
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Minute
	}
	if c.Backoff <= 0 {
		c.Backoff = 12 * time.Hour
	}
	if c.Owner == "" {
		c.Owner = idgen.Owner()
	}
}

// Job is the lock-guarded, backoff-aware feed ingestion. It is safe to call
// Run concurrently from several goroutines or processes: the store lock is
// the only mutual exclusion.
type Job struct {
	cfg    JobConfig
	store  *store.Store
	client *Client
	decode func(id string, raw jsontext.Value) (*store.Vulnerability, error)
	logger *slog.Logger
}

// NewJob creates a Job.
func NewJob(cfg JobConfig, st *store.Store, logger *slog.Logger) *Job {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{cfg: cfg, store: st, client: NewClient(cfg.Client), decode: DecodeRecord, logger: logger}
}

// Owner returns the lock owner identity of this job.
func (j *Job) Owner() string { return j.cfg.Owner }

// Run performs one ingestion attempt and records its outcome in meta.
func (j *Job) Run(ctx context.Context) Result {
	if j.cfg.Client.APIKey == "" {
		return Result{Status: StatusSkippedNoKey}
	}

	now := j.store.Now()
	j.setMeta(ctx, map[string]string{MetaLastAttempt: ms(now)})

	until, err := j.store.MetaGetInt64(ctx, MetaBackoffUntil)
	if err != nil {
		return j.fail(ctx, fmt.Errorf("feed: read backoff: %w", err), Result{})
	}
	if until > now.UnixMilli() {
		j.setMeta(ctx, map[string]string{MetaLastStatus: string(StatusSkippedBackoff)})
		j.logger.Info("feed: in backoff", "until", time.UnixMilli(until).UTC())
		return Result{Status: StatusSkippedBackoff}
	}

	var res Result
	acquired, err := j.store.WithLock(ctx, j.cfg.LockName, j.cfg.Owner, j.cfg.LockTTL, func(ctx context.Context) (err error) {
		ctx, cancel := context.WithTimeout(ctx, j.cfg.LockTTL)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("feed: ingest panic: %v", p)
			}
		}()
		res.Processed, res.Skipped, err = j.ingest(ctx)
		return err
	})
	if !acquired && err == nil {
		j.logger.Info("feed: lock held elsewhere", "lock", j.cfg.LockName)
		return Result{Status: StatusSkippedLocked}
	}
	if err != nil {
		return j.fail(ctx, err, res)
	}

	done := j.store.Now()
	j.setMeta(ctx, map[string]string{
		MetaLastSync:     ms(done),
		MetaLastStatus:   string(StatusSynced),
		MetaLastError:    "",
		MetaLastCount:    strconv.Itoa(res.Processed),
		MetaBackoffUntil: "0",
	})
	j.logger.Info("feed: synced", "processed", res.Processed, "skipped", res.Skipped,
		"duration", done.Sub(now))
	res.Status = StatusSynced
	return res
}

func (j *Job) fail(ctx context.Context, err error, res Result) Result {
	msg := truncate(err.Error(), maxErrorLen)
	kv := map[string]string{
		MetaLastStatus: string(StatusFailed),
		MetaLastError:  msg,
	}
	if IsRateLimited(err) {
		until := j.store.Now().Add(max(minBackoff, j.cfg.Backoff))
		kv[MetaBackoffUntil] = ms(until)
		j.logger.Warn("feed: rate limited", "backoff_until", until)
	}
	j.setMeta(ctx, kv)
	j.logger.Error("feed: sync failed", "error", err, "processed", res.Processed)
	return Result{Status: StatusFailed, Processed: res.Processed, Skipped: res.Skipped, Error: msg}
}

// ingest streams the feed into the store. A record that does not decode is
// skipped; a broken stream or a store failure aborts the run.
func (j *Job) ingest(ctx context.Context) (processed, skipped int, err error) {
	body, err := j.client.Open(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer body.Close()

	r := NewObjectReader(body)
	for {
		id, raw, err := r.Next()
		if errors.Is(err, io.EOF) {
			return processed, skipped, nil
		}
		if err != nil {
			return processed, skipped, err
		}
		v, err := j.decode(id, raw)
		if err != nil {
			skipped++
			j.logger.Warn("feed: skip record", "id", id, "error", err)
			continue
		}
		if err := j.store.UpsertVulnerability(ctx, v); err != nil {
			return processed, skipped, fmt.Errorf("feed: store %s: %w", id, err)
		}
		processed++
	}
}

// setMeta writes status fields. Failures are logged; the run outcome stands.
func (j *Job) setMeta(ctx context.Context, kv map[string]string) {
	if err := j.store.MetaSetMany(context.WithoutCancel(ctx), kv); err != nil {
		j.logger.Warn("feed: write status", "error", err)
	}
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
