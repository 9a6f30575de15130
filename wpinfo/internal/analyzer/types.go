package analyzer

import (
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
)

// CMSResult reports whether the site runs WordPress and which signals fired.
type CMSResult struct {
	Matched bool     `json:"matched"`
	Signals []string `json:"signals"`
	Version string   `json:"version,omitempty"` // from <meta name="generator">
}

// ThemeInfo is the active theme. Only Slug and StyleCSSURL are guaranteed;
// the rest comes from the style.css header when it could be fetched.
type ThemeInfo struct {
	Slug        string `json:"slug"`
	StyleCSSURL string `json:"style_css_url"`
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Author      string `json:"author,omitempty"`
	AuthorURI   string `json:"author_uri,omitempty"`
	Description string `json:"description,omitempty"`
}

// PluginInfo is one detected plugin with its best-effort version hints,
// most reliable first.
type PluginInfo struct {
	Slug         string   `json:"slug"`
	VersionHints []string `json:"version_hints,omitempty"`
}

// HostingHints are derived from the home response headers.
type HostingHints struct {
	Status          int      `json:"status"`
	Server          string   `json:"server,omitempty"`
	PoweredBy       string   `json:"powered_by,omitempty"`
	CacheControl    string   `json:"cache_control,omitempty"`
	ContentEncoding string   `json:"content_encoding,omitempty"`
	CDN             string   `json:"cdn,omitempty"`
	Cache           string   `json:"cache,omitempty"`
	Technologies    []string `json:"technologies,omitempty"`
}

// SecurityHeaders records which hardening headers are present.
type SecurityHeaders struct {
	HSTS              bool `json:"hsts"`
	CSP               bool `json:"csp"`
	XFrameOptions     bool `json:"x_frame_options"`
	XContentType      bool `json:"x_content_type_options"`
	ReferrerPolicy    bool `json:"referrer_policy"`
	PermissionsPolicy bool `json:"permissions_policy"`
}

// SecurityHints combines header presence with two reachability probes.
// A nil probe result means the probe failed and the answer is unknown.
type SecurityHints struct {
	Headers           SecurityHeaders `json:"headers"`
	WPLoginAccessible *bool           `json:"wp_login_accessible,omitempty"`
	XMLRPCAccessible  *bool           `json:"xmlrpc_accessible,omitempty"`
}

// PerformanceHints are measured on the home fetch.
type PerformanceHints struct {
	TTFBMs    int64 `json:"ttfb_ms"`
	HTMLBytes int   `json:"html_bytes"`
}

// VulnReport is the vulnerability correlation of one analysis.
type VulnReport struct {
	RecentGlobal  []store.VulnSummary   `json:"recent_global"`
	ForComponents []store.ComponentVuln `json:"for_components"`
}

// Result is the immutable snapshot produced by one analysis.
type Result struct {
	Origin       string             `json:"origin"`
	FinalURL     string             `json:"final_url"`
	AnalyzedAt   int64              `json:"analyzed_at"`
	CMS          CMSResult          `json:"cms"`
	Theme        *ThemeInfo         `json:"theme,omitempty"`
	Plugins      []PluginInfo       `json:"plugins"`
	PluginsTotal int                `json:"plugins_total"`
	Hosting      HostingHints       `json:"hosting"`
	Security     SecurityHints      `json:"security"`
	Performance  PerformanceHints   `json:"performance"`
	Components   store.ComponentSet `json:"components"`
	Vulns        *VulnReport        `json:"vulns,omitempty"`

	// FromCache is set on results served from the cache; it is not stored.
	FromCache bool `json:"-"`
}

// Stage names a progress milestone.
type Stage string

const (
	StageConnect  Stage = "connect"
	StageCMS      Stage = "cms"
	StagePlugins  Stage = "plugins"
	StageTheme    Stage = "theme"
	StageVersions Stage = "versions"
	StageHosting  Stage = "hosting"
	StageSecurity Stage = "security"
	StageVulns    Stage = "vulns"
	StageComplete Stage = "complete"
)

var stagePercent = map[Stage]int{
	StageConnect:  10,
	StageCMS:      25,
	StagePlugins:  35,
	StageTheme:    45,
	StageVersions: 55,
	StageHosting:  70,
	StageSecurity: 78,
	StageVulns:    85,
	StageComplete: 100,
}

// ProgressFunc observes milestones. It cannot affect the analysis.
type ProgressFunc func(stage Stage, percent int)
