package wpinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/farahaniamin/WpDetectionBot/channels"
	"github.com/farahaniamin/WpDetectionBot/shield"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/feed"
)

// Config holds the full service configuration. Start from DefaultConfig:
// boolean switches are not defaulted by New.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Feed     FeedConfig     `yaml:"feed"`
	Watch    WatchConfig    `yaml:"watch"`
	Notify   NotifyConfig   `yaml:"notify"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// StoreConfig configures persistence and housekeeping.
type StoreConfig struct {
	Path               string        `yaml:"path"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`         // 0 disables the result cache
	CacheMaxEntries    int           `yaml:"cache_max_entries"` // 0 disables trimming
	EventRetentionDays int           `yaml:"event_retention_days"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// FetchConfig configures outbound site fetches and analysis admission.
type FetchConfig struct {
	Concurrency int           `yaml:"concurrency"` // concurrent analyses
	QueueDepth  int           `yaml:"queue_depth"` // analyses waiting for a slot
	Timeout     time.Duration `yaml:"timeout"`     // per request attempt
	UserAgent   string        `yaml:"user_agent"`
	MaxBytes    int64         `yaml:"max_bytes"`
}

// AnalysisConfig configures the fingerprinting pipeline.
type AnalysisConfig struct {
	MaxPluginsInReport     int  `yaml:"max_plugins_in_report"`
	VersionHints           bool `yaml:"version_hints"`
	MaxVersionHintProbes   int  `yaml:"max_version_hint_probes"`
	VersionHintConcurrency int  `yaml:"version_hint_concurrency"`
	TechDetection          bool `yaml:"tech_detection"`
	VulnRecentDays         int  `yaml:"vuln_recent_days"`
}

// FeedConfig configures the Wordfence feed sync.
type FeedConfig struct {
	APIKey         string        `yaml:"api_key"`
	Type           string        `yaml:"type"` // production | scanner
	Endpoint       string        `yaml:"endpoint"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	SyncOnStart    bool          `yaml:"sync_on_start"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	Backoff        time.Duration `yaml:"backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // wait for response headers
}

// WatchConfig configures watch notifications.
type WatchConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StartDelay time.Duration `yaml:"start_delay"`
	RecentDays int           `yaml:"recent_days"`
	Limit      int           `yaml:"limit"`
}

// NotifyConfig selects the outbound notifier: Telegram when a bot token is
// set, else the webhook when a URL is set, else log only.
type NotifyConfig struct {
	Telegram      channels.TelegramConfig `yaml:"telegram"`
	Webhook       channels.WebhookConfig  `yaml:"webhook"`
	RatePerSecond float64                 `yaml:"rate_per_second"`
	Burst         int                     `yaml:"burst"`
}

// HTTPConfig configures the admin API listener.
type HTTPConfig struct {
	Addr      string                 `yaml:"addr"`
	RateLimit shield.RateLimitConfig `yaml:"rate_limit"`
}

// DefaultConfig returns the documented defaults. Fields where zero is a
// meaningful setting (cache TTL, cache size, probe count, switches) are
// only set here.
func DefaultConfig() *Config {
	cfg := &Config{
		Store:    StoreConfig{CacheTTL: 600 * time.Second, CacheMaxEntries: 500},
		Analysis: AnalysisConfig{VersionHints: true, MaxVersionHintProbes: 15},
		Feed:     FeedConfig{SyncOnStart: true},
		Watch:    WatchConfig{Enabled: true},
	}
	cfg.defaults()
	return cfg
}

// LoadConfigFile reads a YAML config file merged over DefaultConfig.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wpinfo: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("wpinfo: parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, cfg.Validate()
}

func (c *Config) defaults() {
	c.Store.defaults()
	c.Fetch.defaults()
	c.Analysis.defaults(c.Fetch.Concurrency)
	c.Feed.defaults(c.Fetch.Timeout)
	c.Watch.defaults()
	c.Notify.defaults()
	c.HTTP.defaults()
}

func (c *StoreConfig) defaults() {
	if c.Path == "" {
		c.Path = "./data/wpinfo.db"
	}
	if c.CacheTTL < 0 {
		c.CacheTTL = 0
	}
	if c.CacheMaxEntries < 0 {
		c.CacheMaxEntries = 0
	}
	if c.EventRetentionDays <= 0 {
		c.EventRetentionDays = 90
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
}

func (c *FetchConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "WpInfoBot/0.4"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 5 << 20
	}
}

func (c *AnalysisConfig) defaults(concurrency int) {
	if c.MaxPluginsInReport <= 0 {
		c.MaxPluginsInReport = 30
	}
	if c.MaxVersionHintProbes < 0 {
		c.MaxVersionHintProbes = 0
	}
	if c.VersionHintConcurrency <= 0 {
		c.VersionHintConcurrency = min(max(concurrency, 1), 6)
	}
	if c.VulnRecentDays <= 0 {
		c.VulnRecentDays = 30
	}
}

func (c *FeedConfig) defaults(fetchTimeout time.Duration) {
	if c.Type == "" {
		c.Type = string(feed.Production)
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 360 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 900 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 720 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = max(fetchTimeout, 20*time.Second)
	}
}

func (c *WatchConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 360 * time.Minute
	}
	if c.StartDelay <= 0 {
		c.StartDelay = 30 * time.Second
	}
	if c.RecentDays <= 0 {
		c.RecentDays = 30
	}
	if c.Limit <= 0 {
		c.Limit = 20
	}
}

func (c *NotifyConfig) defaults() {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

func (c *HTTPConfig) defaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = 60 * time.Second
	}
	if c.RateLimit.Max <= 0 {
		c.RateLimit.Max = 10
	}
	if c.RateLimit.Penalty <= 0 {
		c.RateLimit.Penalty = 30 * time.Second
	}
}

// Validate checks the ranges the service relies on.
func (c *Config) Validate() error {
	switch {
	case c.Store.Path == "":
		return fmt.Errorf("wpinfo: store.path is required")
	case c.Fetch.Concurrency < 1 || c.Fetch.Concurrency > 50:
		return fmt.Errorf("wpinfo: fetch.concurrency must be 1..50, got %d", c.Fetch.Concurrency)
	case c.Fetch.Timeout < time.Second || c.Fetch.Timeout > time.Minute:
		return fmt.Errorf("wpinfo: fetch.timeout must be 1s..60s, got %s", c.Fetch.Timeout)
	case c.Analysis.MaxPluginsInReport > 200:
		return fmt.Errorf("wpinfo: analysis.max_plugins_in_report must be <= 200, got %d", c.Analysis.MaxPluginsInReport)
	case c.Analysis.MaxVersionHintProbes > 200:
		return fmt.Errorf("wpinfo: analysis.max_version_hint_probes must be <= 200, got %d", c.Analysis.MaxVersionHintProbes)
	case c.Watch.RecentDays > 365:
		return fmt.Errorf("wpinfo: watch.recent_days must be <= 365, got %d", c.Watch.RecentDays)
	case c.Feed.LockTTL < 30*time.Second || c.Feed.LockTTL > time.Hour:
		return fmt.Errorf("wpinfo: feed.lock_ttl must be 30s..1h, got %s", c.Feed.LockTTL)
	}
	switch feed.Type(c.Feed.Type) {
	case feed.Production, feed.Scanner:
	default:
		return fmt.Errorf("wpinfo: feed.type must be production or scanner, got %q", c.Feed.Type)
	}
	return nil
}

// ApplyEnv overlays environment variables onto c. lookup is typically
// os.LookupEnv. A malformed value is an error naming the variable.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("DB_PATH", &c.Store.Path)
	e.seconds("CACHE_TTL_SEC", &c.Store.CacheTTL)
	e.int("CACHE_MAX_ENTRIES", &c.Store.CacheMaxEntries)

	e.int("CONCURRENCY", &c.Fetch.Concurrency)
	e.millis("REQUEST_TIMEOUT_MS", &c.Fetch.Timeout)
	e.str("USER_AGENT", &c.Fetch.UserAgent)

	e.int("MAX_PLUGINS_IN_REPORT", &c.Analysis.MaxPluginsInReport)
	e.bool("ENABLE_VERSION_HINTS", &c.Analysis.VersionHints)
	e.int("MAX_VERSION_HINT_PROBES_PER_SITE", &c.Analysis.MaxVersionHintProbes)
	e.int("VERSION_HINT_CONCURRENCY", &c.Analysis.VersionHintConcurrency)
	e.bool("ENABLE_TECH_DETECTION", &c.Analysis.TechDetection)

	e.str("WORDFENCE_API_KEY", &c.Feed.APIKey)
	e.str("WORDFENCE_FEED_TYPE", &c.Feed.Type)
	e.minutes("WORDFENCE_SYNC_INTERVAL_MIN", &c.Feed.SyncInterval)
	e.bool("WORDFENCE_SYNC_ON_START", &c.Feed.SyncOnStart)
	e.seconds("WORDFENCE_LOCK_TTL_SEC", &c.Feed.LockTTL)
	e.minutes("WORDFENCE_BACKOFF_MIN", &c.Feed.Backoff)

	e.bool("ENABLE_WATCH_NOTIFICATIONS", &c.Watch.Enabled)
	e.minutes("WATCH_CHECK_INTERVAL_MIN", &c.Watch.Interval)
	e.int("WATCH_RECENT_DAYS", &c.Watch.RecentDays)

	e.str("BOT_TOKEN", &c.Notify.Telegram.BotToken)
	e.str("API_URL", &c.Notify.Telegram.APIURL)
	e.str("WEBHOOK_URL", &c.Notify.Webhook.URL)
	e.str("WEBHOOK_SECRET", &c.Notify.Webhook.Secret)

	e.str("HTTP_ADDR", &c.HTTP.Addr)
	e.seconds("RATE_LIMIT_WINDOW_SEC", &c.HTTP.RateLimit.Window)
	e.int("RATE_LIMIT_MAX", &c.HTTP.RateLimit.Max)
	e.seconds("RATE_LIMIT_PENALTY_SEC", &c.HTTP.RateLimit.Penalty)

	if e.err != nil {
		return e.err
	}
	c.defaults()
	return nil
}

// envReader applies variables in order and keeps the first parse error.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, val string, err error) {
	e.err = fmt.Errorf("wpinfo: env %s=%q: %w", key, val, err)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) scaled(key string, dst *time.Duration, unit time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = time.Duration(n) * unit
}

func (e *envReader) millis(key string, dst *time.Duration)  { e.scaled(key, dst, time.Millisecond) }
func (e *envReader) seconds(key string, dst *time.Duration) { e.scaled(key, dst, time.Second) }
func (e *envReader) minutes(key string, dst *time.Duration) { e.scaled(key, dst, time.Minute) }
