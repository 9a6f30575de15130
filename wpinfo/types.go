package wpinfo

import (
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/analyzer"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/feed"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/watcher"
)

// Re-exported types for callers outside the module tree.
type (
	Result        = analyzer.Result
	Stage         = analyzer.Stage
	ProgressFunc  = analyzer.ProgressFunc
	PluginInfo    = analyzer.PluginInfo
	ThemeInfo     = analyzer.ThemeInfo
	VulnSummary   = store.VulnSummary
	ComponentVuln = store.ComponentVuln
	Watch         = store.Watch
	UserSettings  = store.UserSettings
	Stats         = store.Stats
	SyncStatus    = feed.SyncStatus
	SyncResult    = feed.Result
	PassStats     = watcher.PassStats
)
