package store

import "strings"

// Severity is the vendor-supplied rating of a vulnerability.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityNone     Severity = "None"
	SeverityUnknown  Severity = "Unknown"
)

// ParseSeverity maps an upstream label case-insensitively onto Severity.
// Anything unrecognised is SeverityUnknown.
func ParseSeverity(label string) Severity {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "none":
		return SeverityNone
	default:
		return SeverityUnknown
	}
}

// Software types carried by vulnerability links.
const (
	TypeCore   = "core"
	TypePlugin = "plugin"
	TypeTheme  = "theme"
)

// ComponentRef is one detected theme or plugin.
type ComponentRef struct {
	Slug        string `json:"slug"`
	VersionHint string `json:"version_hint,omitempty"`
}

// ComponentSet is the inventory of a site, joined against vuln_software.
type ComponentSet struct {
	Theme   *ComponentRef  `json:"theme,omitempty"`
	Plugins []ComponentRef `json:"plugins"`
}

// SoftwareKey identifies a component in vuln_software.
type SoftwareKey struct {
	Type string
	Slug string
}

// Keys returns the (type, slug) pairs of the set: the theme first, then
// every plugin.
func (c ComponentSet) Keys() []SoftwareKey {
	keys := make([]SoftwareKey, 0, len(c.Plugins)+1)
	if c.Theme != nil && c.Theme.Slug != "" {
		keys = append(keys, SoftwareKey{Type: TypeTheme, Slug: c.Theme.Slug})
	}
	for _, p := range c.Plugins {
		if p.Slug != "" {
			keys = append(keys, SoftwareKey{Type: TypePlugin, Slug: p.Slug})
		}
	}
	return keys
}

// VersionHint returns the detected version of the component, if any.
func (c ComponentSet) VersionHint(k SoftwareKey) string {
	switch k.Type {
	case TypeTheme:
		if c.Theme != nil && c.Theme.Slug == k.Slug {
			return c.Theme.VersionHint
		}
	case TypePlugin:
		for _, p := range c.Plugins {
			if p.Slug == k.Slug {
				return p.VersionHint
			}
		}
	}
	return ""
}

// Vulnerability is a full catalog record as ingested from the feed.
type Vulnerability struct {
	ID            string
	Title         string
	Description   string
	CVE           string
	Score         *float64
	Rating        Severity
	Published     string // TimeLayout or empty
	Updated       string // TimeLayout or empty
	Informational bool
	ReferenceURL  string
	Remediation   string
	Software      []SoftwareLink
}

// SoftwareLink ties a vulnerability to one affected component.
type SoftwareLink struct {
	Type             string   `json:"type"`
	Slug             string   `json:"slug"`
	Name             string   `json:"name,omitempty"`
	Patched          bool     `json:"patched"`
	PatchedVersions  []string `json:"patched_versions"`
	AffectedVersions string   `json:"affected_versions"` // raw JSON object
}

// VulnSummary is the reporting view of a vulnerability.
type VulnSummary struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	CVE          string   `json:"cve,omitempty"`
	Score        *float64 `json:"score,omitempty"`
	Rating       Severity `json:"rating"`
	Published    string   `json:"published,omitempty"`
	Updated      string   `json:"updated,omitempty"`
	ReferenceURL string   `json:"reference_url,omitempty"`
	Remediation  string   `json:"remediation,omitempty"`
}

// ComponentVuln is a vulnerability matched to one component of a site.
type ComponentVuln struct {
	VulnSummary
	Type             string   `json:"type"`
	Slug             string   `json:"slug"`
	Patched          bool     `json:"patched"`
	PatchedVersions  []string `json:"patched_versions,omitempty"`
	AffectedVersions string   `json:"-"`
	Affected         string   `json:"affected,omitempty"`
}

// Watch is a monitored site owned by one user.
type Watch struct {
	ID             string       `json:"id"`
	UserID         int64        `json:"user_id"`
	ChatID         int64        `json:"chat_id"`
	Origin         string       `json:"origin"`
	Components     ComponentSet `json:"components"`
	CreatedAt      int64        `json:"created_at"`
	UpdatedAt      int64        `json:"updated_at"`
	LastNotifiedAt int64        `json:"last_notified_at"`
}

// UserSettings holds per-user notification toggles.
type UserSettings struct {
	UserID      int64 `json:"user_id"`
	NotifyVulns bool  `json:"notify_vulns"`
	UpdatedAt   int64 `json:"updated_at"`
}

// Event is one entry of the outcome audit log.
type Event struct {
	ID         string `json:"id"`
	TS         int64  `json:"ts"`
	UserID     int64  `json:"user_id,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Kind       string `json:"kind"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Stats aggregates events over a window.
type Stats struct {
	Days          int     `json:"days"`
	Total         int64   `json:"total"`
	Users         int64   `json:"users"`
	Errors        int64   `json:"errors"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}
