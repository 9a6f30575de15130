// Package wpinfo is the service orchestrator: it wires the origin guard,
// the fetcher, the analysis pipeline, the feed sync, the watch matcher and
// the outcome log over one SQLite store, and exposes them as methods and as
// an admin HTTP API.
package wpinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"

	"github.com/farahaniamin/WpDetectionBot/channels"
	"github.com/farahaniamin/WpDetectionBot/observability"
	"github.com/farahaniamin/WpDetectionBot/siteguard"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/analyzer"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/feed"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/fetch"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/schedule"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/watcher"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/workpool"
)

// ErrNotWordPress is returned by AddWatch when the site is not WordPress.
var ErrNotWordPress = errors.New("wpinfo: site is not WordPress")

// Event kinds recorded in the outcome log.
const (
	KindOK        = "ok"
	KindCached    = "cached"
	KindRejected  = "rejected"
	KindFailed    = "failed"
	KindQueueFull = "queue_full"
	KindWatchAdd  = "watch_add"
)

// Service is the wpinfo orchestrator.
type Service struct {
	cfg      *Config
	store    *store.Store
	ownStore bool
	guard    *siteguard.Guard
	analyzer *analyzer.Analyzer
	pool     *workpool.Pool
	job      *feed.Job
	matcher  *watcher.Matcher
	events   *observability.EventLogger
	runner   *schedule.Runner
	logger   *slog.Logger
}

type options struct {
	store     *store.Store
	storeOpts []store.Option
	resolver  siteguard.Resolver
	sender    channels.Sender
	transport http.RoundTripper
	validator func(context.Context, string) error
	tech      analyzer.TechFingerprinter
}

// Option configures a Service during creation.
type Option func(*options)

// WithStore uses an already open store. The Service does not close it.
func WithStore(st *store.Store) Option { return func(o *options) { o.store = st } }

// WithStoreOptions passes options to store.Open.
func WithStoreOptions(opts ...store.Option) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithResolver replaces the DNS resolver of the origin guard.
func WithResolver(r siteguard.Resolver) Option { return func(o *options) { o.resolver = r } }

// WithSender replaces the notifier selected from NotifyConfig.
func WithSender(s channels.Sender) Option { return func(o *options) { o.sender = s } }

// WithTransport sets the HTTP transport used for site fetches.
func WithTransport(rt http.RoundTripper) Option { return func(o *options) { o.transport = rt } }

// WithURLValidator replaces the redirect-hop validator of the fetcher.
func WithURLValidator(fn func(context.Context, string) error) Option {
	return func(o *options) { o.validator = fn }
}

// WithTechFingerprinter sets the technology fingerprinter, overriding
// analysis.tech_detection.
func WithTechFingerprinter(t analyzer.TechFingerprinter) Option {
	return func(o *options) { o.tech = t }
}

// New creates a Service. A nil cfg uses DefaultConfig. Call Start to run
// the scheduled tasks and Close to release resources.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st, own := o.store, false
	if st == nil {
		var err error
		st, err = store.Open(ctx, cfg.Store.Path, o.storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("wpinfo: %w", err)
		}
		own = true
	}

	guard := siteguard.New(o.resolver)
	validator := o.validator
	if validator == nil {
		validator = guard.Validate
	}
	f := fetch.New(fetch.Config{
		Timeout:      cfg.Fetch.Timeout,
		MaxBytes:     cfg.Fetch.MaxBytes,
		UserAgent:    cfg.Fetch.UserAgent,
		URLValidator: validator,
		Transport:    o.transport,
	})

	tech := o.tech
	if tech == nil && cfg.Analysis.TechDetection {
		w, err := wappalyzer.New()
		if err != nil {
			logger.Warn("wpinfo: technology fingerprints unavailable", "error", err)
		} else {
			tech = w
		}
	}

	an := analyzer.New(analyzer.Config{
		MaxPluginsInReport:     cfg.Analysis.MaxPluginsInReport,
		EnableVersionHints:     cfg.Analysis.VersionHints,
		MaxVersionHintProbes:   cfg.Analysis.MaxVersionHintProbes,
		VersionHintConcurrency: cfg.Analysis.VersionHintConcurrency,
		VulnRecentDays:         cfg.Analysis.VulnRecentDays,
	}, f, st, tech, logger)

	job := feed.NewJob(feed.JobConfig{
		Client: feed.ClientConfig{
			APIKey:        cfg.Feed.APIKey,
			Type:          feed.Type(cfg.Feed.Type),
			Endpoint:      cfg.Feed.Endpoint,
			UserAgent:     cfg.Fetch.UserAgent,
			HeaderTimeout: cfg.Feed.RequestTimeout,
		},
		LockTTL: cfg.Feed.LockTTL,
		Backoff: cfg.Feed.Backoff,
	}, st, logger)

	sender := o.sender
	if sender == nil {
		sender = newSender(cfg.Notify, logger)
	}
	sender = channels.Limited(sender, cfg.Notify.RatePerSecond, cfg.Notify.Burst)

	matcher := watcher.New(watcher.Config{
		RecentDays: cfg.Watch.RecentDays,
		Limit:      cfg.Watch.Limit,
	}, st, sender, logger)

	svc := &Service{
		cfg:      cfg,
		store:    st,
		ownStore: own,
		guard:    guard,
		analyzer: an,
		pool:     workpool.New(cfg.Fetch.Concurrency, cfg.Fetch.QueueDepth),
		job:      job,
		matcher:  matcher,
		runner:   schedule.New(logger),
		logger:   logger,
	}
	svc.events = observability.NewEventLogger(observability.SinkFunc(svc.writeEvents), 1024,
		observability.WithLogger(logger))
	return svc, nil
}

func newSender(cfg NotifyConfig, logger *slog.Logger) channels.Sender {
	switch {
	case cfg.Telegram.BotToken != "":
		return channels.NewTelegram(cfg.Telegram)
	case cfg.Webhook.URL != "":
		return channels.NewWebhook(cfg.Webhook)
	default:
		logger.Warn("wpinfo: no notifier configured, alerts are logged only")
		return channels.LogSender{Logger: logger}
	}
}

func (s *Service) writeEvents(ctx context.Context, events []observability.Event) error {
	rows := make([]store.Event, len(events))
	for i, e := range events {
		rows[i] = store.Event{
			ID:         e.ID,
			TS:         e.Time.UnixMilli(),
			UserID:     e.UserID,
			Origin:     e.Origin,
			Kind:       e.Kind,
			OK:         e.OK,
			DurationMs: e.Duration.Milliseconds(),
			Error:      e.Error,
		}
	}
	return s.store.InsertEvents(ctx, rows)
}

// Start registers and launches the scheduled tasks: the sweeper, the feed
// sync and, when enabled, the watch pass. They stop when ctx ends.
func (s *Service) Start(ctx context.Context) error {
	tasks := []schedule.Task{
		{
			Name:     "sweeper",
			Interval: s.cfg.Store.SweepInterval,
			Run:      s.Sweep,
		},
		{
			Name:       "feed_sync",
			Interval:   s.cfg.Feed.SyncInterval,
			RunOnStart: s.cfg.Feed.SyncOnStart,
			Run: func(ctx context.Context) error {
				res := s.job.Run(ctx)
				if res.Status == feed.StatusFailed {
					return errors.New(res.Error)
				}
				return nil
			},
		},
	}
	if s.cfg.Watch.Enabled {
		tasks = append(tasks, schedule.Task{
			Name:       "watch_pass",
			Interval:   s.cfg.Watch.Interval,
			RunOnStart: true,
			StartDelay: s.cfg.Watch.StartDelay,
			Run: func(ctx context.Context) error {
				_, err := s.matcher.RunPass(ctx)
				return err
			},
		})
	}
	for _, t := range tasks {
		if err := s.runner.Add(t); err != nil {
			return fmt.Errorf("wpinfo: %w", err)
		}
	}
	s.runner.Start(ctx)
	s.logger.Info("wpinfo: started",
		"feed_interval", s.cfg.Feed.SyncInterval,
		"watch_enabled", s.cfg.Watch.Enabled,
		"concurrency", s.cfg.Fetch.Concurrency)
	return nil
}

// Close waits for scheduled tasks (their context must already be done),
// flushes the outcome log and closes the store when the Service opened it.
func (s *Service) Close() error {
	s.runner.Wait()
	err := s.events.Close()
	if s.ownStore {
		err = errors.Join(err, s.store.Close())
	}
	return err
}

// Analyze checks rawURL, then fingerprints it inside the bounded analysis
// pool. A rejected URL returns *RejectedError; a saturated pool returns
// ErrQueueFull; an unreachable site returns an error wrapping ErrHomeFetch.
// Every outcome is recorded in the event log.
func (s *Service) Analyze(ctx context.Context, userID int64, rawURL string, progress ProgressFunc) (*Result, error) {
	return s.analyze(ctx, userID, rawURL, analyzer.Options{
		CacheTTL:     s.cfg.Store.CacheTTL,
		IncludeVulns: true,
		Progress:     progress,
	})
}

func (s *Service) analyze(ctx context.Context, userID int64, rawURL string, opts analyzer.Options) (*Result, error) {
	start := time.Now()
	ev := observability.Event{UserID: userID}

	g := s.guard.Check(ctx, rawURL)
	if !g.OK {
		ev.Kind, ev.Error = KindRejected, g.Reason
		s.record(ev, start)
		return nil, &RejectedError{Reason: g.Reason}
	}
	ev.Origin = g.Origin

	var res *Result
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.analyzer.Analyze(ctx, g.Origin, g.NormalizedURL, opts)
		return err
	})
	switch {
	case errors.Is(err, workpool.ErrQueueFull):
		ev.Kind, ev.Error = KindQueueFull, err.Error()
	case err != nil:
		ev.Kind, ev.Error = KindFailed, err.Error()
	case res.FromCache:
		ev.Kind, ev.OK = KindCached, true
	default:
		ev.Kind, ev.OK = KindOK, true
	}
	s.record(ev, start)
	if err != nil {
		s.logger.Debug("wpinfo: analysis failed", "origin", g.Origin, "kind", ev.Kind, "error", err)
		return nil, err
	}
	return res, nil
}

func (s *Service) record(ev observability.Event, start time.Time) {
	ev.Time = start
	ev.Duration = time.Since(start)
	s.events.Log(ev)
}

// AddWatch analyzes rawURL afresh and watches its components for userID,
// delivering alerts to chatID. Watching an origin twice refreshes the
// component snapshot and keeps the notification watermark.
func (s *Service) AddWatch(ctx context.Context, userID, chatID int64, rawURL string) (*Watch, error) {
	if userID == 0 || chatID == 0 {
		return nil, fmt.Errorf("%w: user_id and chat_id are required", ErrInvalidInput)
	}
	res, err := s.analyze(ctx, userID, rawURL, analyzer.Options{})
	if err != nil {
		return nil, err
	}
	if !res.CMS.Matched {
		return nil, ErrNotWordPress
	}
	start := time.Now()
	w, err := s.store.UpsertWatch(ctx, &store.Watch{
		UserID:     userID,
		ChatID:     chatID,
		Origin:     res.Origin,
		Components: res.Components,
	})
	ev := observability.Event{UserID: userID, Origin: res.Origin, Kind: KindWatchAdd, OK: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	s.record(ev, start)
	if err != nil {
		return nil, fmt.Errorf("wpinfo: add watch: %w", err)
	}
	s.logger.Info("wpinfo: watch added", "user_id", userID, "origin", w.Origin, "watch_id", w.ID)
	return w, nil
}

// RemoveWatch deletes watch id of userID. A missing watch, or one owned by
// another user, returns ErrWatchNotFound.
func (s *Service) RemoveWatch(ctx context.Context, userID int64, id string) error {
	ok, err := s.store.DeleteWatch(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("wpinfo: remove watch: %w", err)
	}
	if !ok {
		return ErrWatchNotFound
	}
	return nil
}

// ListWatches returns the watches of userID, oldest first.
func (s *Service) ListWatches(ctx context.Context, userID int64) ([]Watch, error) {
	ws, err := s.store.ListWatches(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("wpinfo: list watches: %w", err)
	}
	if ws == nil {
		ws = []Watch{}
	}
	return ws, nil
}

// Settings returns the settings of userID, creating the default row.
func (s *Service) Settings(ctx context.Context, userID int64) (UserSettings, error) {
	return s.store.GetUserSettings(ctx, userID)
}

// SetNotifyVulns toggles vulnerability alerts for userID.
func (s *Service) SetNotifyVulns(ctx context.Context, userID int64, on bool) (UserSettings, error) {
	return s.store.SetNotifyVulns(ctx, userID, on)
}

// RecentVulns lists high-severity vulnerabilities of the last days.
func (s *Service) RecentVulns(ctx context.Context, days, limit int) ([]VulnSummary, error) {
	if days <= 0 {
		days = s.cfg.Analysis.VulnRecentDays
	}
	if limit <= 0 {
		limit = 50
	}
	vs, err := s.store.RecentVulns(ctx, days, limit)
	if err != nil {
		return nil, fmt.Errorf("wpinfo: recent vulns: %w", err)
	}
	if vs == nil {
		vs = []VulnSummary{}
	}
	return vs, nil
}

// SyncNow runs the feed sync immediately. It shares the lock with the
// scheduled sync, so a concurrent run reports skipped_locked.
func (s *Service) SyncNow(ctx context.Context) SyncResult {
	return s.job.Run(ctx)
}

// SyncStatus reports the bookkeeping of the last feed syncs.
func (s *Service) SyncStatus(ctx context.Context) (SyncStatus, error) {
	return feed.ReadStatus(ctx, s.store)
}

// RunWatchPass runs one watch notification pass immediately.
func (s *Service) RunWatchPass(ctx context.Context) (PassStats, error) {
	return s.matcher.RunPass(ctx)
}

// Sweep prunes expired cache entries and locks, trims the cache and drops
// events past retention.
func (s *Service) Sweep(ctx context.Context) error {
	cache, err := s.store.PruneExpiredCache(ctx)
	if err != nil {
		return fmt.Errorf("wpinfo: sweep cache: %w", err)
	}
	trimmed, err := s.store.TrimCache(ctx, s.cfg.Store.CacheMaxEntries)
	if err != nil {
		return fmt.Errorf("wpinfo: trim cache: %w", err)
	}
	locks, err := s.store.PruneExpiredLocks(ctx)
	if err != nil {
		return fmt.Errorf("wpinfo: sweep locks: %w", err)
	}
	events, err := s.store.PruneEvents(ctx, s.cfg.Store.EventRetentionDays)
	if err != nil {
		return fmt.Errorf("wpinfo: sweep events: %w", err)
	}
	if cache+trimmed+locks+events > 0 {
		s.logger.Info("wpinfo: sweep",
			"cache_expired", cache, "cache_trimmed", trimmed,
			"locks_expired", locks, "events_pruned", events)
	}
	return nil
}

// Stats summarises analysis outcomes of the last days.
func (s *Service) Stats(ctx context.Context, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	return s.store.Stats(ctx, days)
}

// Health is the liveness report.
type Health struct {
	Status        string                       `json:"status"`
	InFlight      int                          `json:"in_flight"`
	EventsDropped int64                        `json:"events_dropped"`
	Tasks         map[string]schedule.Stats    `json:"tasks"`
	Runtime       observability.RuntimeMetrics `json:"runtime"`
}

// Health returns process and scheduler health.
func (s *Service) Health() Health {
	return Health{
		Status:        "ok",
		InFlight:      s.pool.InFlight(),
		EventsDropped: s.events.Dropped(),
		Tasks:         s.runner.Stats(),
		Runtime:       observability.CollectRuntimeMetrics(),
	}
}
