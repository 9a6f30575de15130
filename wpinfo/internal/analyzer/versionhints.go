package analyzer

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/fetch"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/workpool"
)

// enrichVersionHints probes readme.txt of the first MaxVersionHintProbes
// plugins with bounded concurrency and puts any version found ahead of the
// hints harvested from asset URLs.
func (a *Analyzer) enrichVersionHints(ctx context.Context, base *url.URL, plugins []PluginInfo) []PluginInfo {
	n := min(a.cfg.MaxVersionHintProbes, len(plugins))
	if n <= 0 {
		return plugins
	}

	var mu sync.Mutex
	found := map[string]string{}
	workpool.ForEach(ctx, a.cfg.VersionHintConcurrency, plugins[:n], func(ctx context.Context, _ int, p PluginInfo) {
		readme := resolve(base, "/wp-content/plugins/"+p.Slug+"/readme.txt")
		r, err := a.fetcher.Text(ctx, readme, fetch.Options{Timeout: a.cfg.ProbeTimeout})
		if err != nil {
			a.logger.Debug("analyzer: readme probe failed", "slug", p.Slug, "error", err)
			return
		}
		if !r.OK || r.Body == "" {
			return
		}
		if v := readmeVersion(r.Body); v != "" {
			mu.Lock()
			found[p.Slug] = v
			mu.Unlock()
		}
	})

	out := make([]PluginInfo, len(plugins))
	for i, p := range plugins {
		out[i] = PluginInfo{Slug: p.Slug, VersionHints: p.VersionHints}
		v, ok := found[p.Slug]
		if !ok {
			continue
		}
		hints := []string{v}
		for _, h := range p.VersionHints {
			if h != v {
				hints = append(hints, h)
			}
		}
		out[i].VersionHints = hints
	}
	return out
}

// readmeVersion returns "Stable tag" unless it is trunk, else "Version".
func readmeVersion(text string) string {
	h := parseFileHeader(text)
	if v := h["stable tag"]; v != "" && !strings.EqualFold(v, "trunk") {
		return v
	}
	return h["version"]
}
