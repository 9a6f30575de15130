// Package analyzer fingerprints a site: CMS detection, plugin and theme
// inventory, version hints, hosting and security hints, and correlation
// with the local vulnerability catalog.
//
// Every detector is best-effort. A failed probe degrades its own field and
// never aborts the analysis; only a failed home-page fetch does.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/fetch"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
)

// ErrHomeFetch wraps the failure of the home-page fetch.
var ErrHomeFetch = errors.New("analyzer: home page fetch failed")

// Fetcher is the HTTP capability the analyzer needs.
type Fetcher interface {
	Text(ctx context.Context, url string, opts fetch.Options) (*fetch.Response, error)
	Head(ctx context.Context, url string, timeout time.Duration) (*fetch.Response, error)
}

// Store is the persistence the analyzer reads and writes.
type Store interface {
	CacheGet(ctx context.Context, origin string) ([]byte, bool, error)
	CacheSet(ctx context.Context, origin string, payload []byte, ttl time.Duration) error
	RecentVulns(ctx context.Context, days, limit int) ([]store.VulnSummary, error)
	VulnsForComponents(ctx context.Context, cs store.ComponentSet, days, limit int) ([]store.ComponentVuln, error)
}

// TechFingerprinter names technologies from headers and body.
// *wappalyzer.Wappalyze satisfies it.
type TechFingerprinter interface {
	Fingerprint(headers map[string][]string, body []byte) map[string]struct{}
}

// Config configures the analyzer.
type Config struct {
	MaxPluginsInReport     int  // Default: 30.
	EnableVersionHints     bool // readme.txt probes per plugin
	MaxVersionHintProbes   int  // Default: 15.
	VersionHintConcurrency int  // clamped to 1..10. Default: 3.
	VulnRecentDays         int  // Default: 30.
	VulnLimit              int  // per list. Default: 50.

	// ProbeTimeout bounds each secondary probe. 0 uses the fetcher default.
	ProbeTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxPluginsInReport <= 0 {
		c.MaxPluginsInReport = 30
	}
	if c.MaxVersionHintProbes < 0 {
		c.MaxVersionHintProbes = 0
	}
	if c.VersionHintConcurrency <= 0 {
		c.VersionHintConcurrency = 3
	}
	c.VersionHintConcurrency = min(max(c.VersionHintConcurrency, 1), 10)
	if c.VulnRecentDays <= 0 {
		c.VulnRecentDays = 30
	}
	if c.VulnLimit <= 0 {
		c.VulnLimit = 50
	}
}

// Options are per-analysis switches.
type Options struct {
	CacheTTL     time.Duration // 0 disables cache read and write
	IncludeVulns bool
	Progress     ProgressFunc
}

// Analyzer runs the fingerprinting pipeline.
type Analyzer struct {
	fetcher Fetcher
	store   Store
	tech    TechFingerprinter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Analyzer. tech may be nil.
func New(cfg Config, f Fetcher, s Store, tech TechFingerprinter, logger *slog.Logger) *Analyzer {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{fetcher: f, store: s, tech: tech, cfg: cfg, logger: logger, now: time.Now}
}

// Analyze fingerprints the site at normalizedURL, keyed by origin. Both come
// from a passed origin check. With a positive CacheTTL a live cached snapshot
// is returned unchanged, and a fresh result is cached when complete.
func (a *Analyzer) Analyze(ctx context.Context, origin, normalizedURL string, opts Options) (*Result, error) {
	if opts.CacheTTL > 0 {
		if res := a.cached(ctx, origin); res != nil {
			return res, nil
		}
	}
	progress := safeProgress(opts.Progress, a.logger)

	progress(StageConnect)
	home, err := a.fetcher.Text(ctx, normalizedURL, fetch.Options{Retries: 1})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHomeFetch, err)
	}
	base := baseURL(home.FinalURL, normalizedURL)
	pg := parsePage(home.Body)

	res := &Result{
		Origin:     origin,
		FinalURL:   home.FinalURL,
		AnalyzedAt: a.now().UnixMilli(),
		Plugins:    []PluginInfo{},
		Performance: PerformanceHints{
			TTFBMs:    home.TTFB.Milliseconds(),
			HTMLBytes: len(home.Body),
		},
	}

	progress(StageCMS)
	res.CMS = a.detectCMS(ctx, pg, home, base)

	if res.CMS.Matched {
		progress(StagePlugins)
		res.Plugins = detectPlugins(pg)

		progress(StageTheme)
		res.Theme = a.detectTheme(ctx, pg, base)

		if a.cfg.EnableVersionHints {
			progress(StageVersions)
			res.Plugins = a.enrichVersionHints(ctx, base, res.Plugins)
		}
	}

	progress(StageHosting)
	res.Hosting = a.hostingHints(home)

	progress(StageSecurity)
	res.Security = a.securityHints(ctx, base, home)

	res.PluginsTotal = len(res.Plugins)
	if len(res.Plugins) > a.cfg.MaxPluginsInReport {
		res.Plugins = res.Plugins[:a.cfg.MaxPluginsInReport]
	}
	res.Components = componentsOf(res.Theme, res.Plugins)

	if opts.IncludeVulns {
		progress(StageVulns)
		res.Vulns = a.correlate(ctx, res)
	}

	progress(StageComplete)

	if opts.CacheTTL > 0 {
		if payload, err := json.Marshal(res); err != nil {
			a.logger.Warn("analyzer: encode result", "origin", origin, "error", err)
		} else if err := a.store.CacheSet(ctx, origin, payload, opts.CacheTTL); err != nil {
			a.logger.Warn("analyzer: cache write", "origin", origin, "error", err)
		}
	}
	return res, nil
}

func (a *Analyzer) cached(ctx context.Context, origin string) *Result {
	payload, ok, err := a.store.CacheGet(ctx, origin)
	if err != nil {
		a.logger.Warn("analyzer: cache read", "origin", origin, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		a.logger.Warn("analyzer: cached payload unreadable", "origin", origin, "error", err)
		return nil
	}
	res.FromCache = true
	return &res
}

func (a *Analyzer) correlate(ctx context.Context, res *Result) *VulnReport {
	report := &VulnReport{
		RecentGlobal:  []store.VulnSummary{},
		ForComponents: []store.ComponentVuln{},
	}
	if recent, err := a.store.RecentVulns(ctx, a.cfg.VulnRecentDays, a.cfg.VulnLimit); err != nil {
		a.logger.Warn("analyzer: recent vulns", "error", err)
	} else if recent != nil {
		report.RecentGlobal = recent
	}
	if !res.CMS.Matched {
		return report
	}
	matched, err := a.store.VulnsForComponents(ctx, res.Components, a.cfg.VulnRecentDays, a.cfg.VulnLimit)
	if err != nil {
		a.logger.Warn("analyzer: component vulns", "origin", res.Origin, "error", err)
		return report
	}
	for i := range matched {
		key := store.SoftwareKey{Type: matched[i].Type, Slug: matched[i].Slug}
		matched[i].Affected = EvaluateAffected(res.Components.VersionHint(key), matched[i].AffectedVersions)
	}
	if matched != nil {
		report.ForComponents = matched
	}
	return report
}

func componentsOf(theme *ThemeInfo, plugins []PluginInfo) store.ComponentSet {
	cs := store.ComponentSet{Plugins: make([]store.ComponentRef, 0, len(plugins))}
	if theme != nil && theme.Slug != "" {
		cs.Theme = &store.ComponentRef{Slug: theme.Slug, VersionHint: theme.Version}
	}
	for _, p := range plugins {
		ref := store.ComponentRef{Slug: p.Slug}
		if len(p.VersionHints) > 0 {
			ref.VersionHint = p.VersionHints[0]
		}
		cs.Plugins = append(cs.Plugins, ref)
	}
	return cs
}

// baseURL is the scheme+host sub-resource probes are resolved against: the
// post-redirect URL when it parses, else the requested URL.
func baseURL(finalURL, requested string) *url.URL {
	for _, raw := range []string{finalURL, requested} {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
		}
	}
	return &url.URL{Path: "/"}
}

func resolve(base *url.URL, path string) string {
	return base.ResolveReference(&url.URL{Path: path}).String()
}

func safeProgress(fn ProgressFunc, logger *slog.Logger) func(Stage) {
	return func(stage Stage) {
		if fn == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				logger.Debug("analyzer: progress callback panicked", "stage", stage, "panic", r)
			}
		}()
		fn(stage, stagePercent[stage])
	}
}
