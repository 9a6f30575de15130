package analyzer

import (
	"regexp"
	"slices"
	"strings"
)

var (
	pluginRe = regexp.MustCompile(`(?i)/wp-content/plugins/([a-z0-9_-]+)/`)
	verRe    = regexp.MustCompile(`[?&]ver=([0-9][0-9a-zA-Z._-]*)`)
)

// detectPlugins extracts plugin slugs referenced anywhere on the page and
// harvests ?ver= values from asset URLs that name the same plugin. The
// result is deduplicated by slug and sorted.
func detectPlugins(pg *page) []PluginInfo {
	hints := map[string][]string{}
	for _, m := range pluginRe.FindAllStringSubmatch(pg.body, -1) {
		slug := strings.ToLower(m[1])
		if _, ok := hints[slug]; !ok {
			hints[slug] = nil
		}
	}
	if len(hints) == 0 {
		return []PluginInfo{}
	}

	for _, u := range pg.assetURLs() {
		m := pluginRe.FindStringSubmatch(u)
		if m == nil {
			continue
		}
		slug := strings.ToLower(m[1])
		for _, vm := range verRe.FindAllStringSubmatch(u, -1) {
			if !slices.Contains(hints[slug], vm[1]) {
				hints[slug] = append(hints[slug], vm[1])
			}
		}
	}

	out := make([]PluginInfo, 0, len(hints))
	for slug, versions := range hints {
		out = append(out, PluginInfo{Slug: slug, VersionHints: versions})
	}
	slices.SortFunc(out, func(a, b PluginInfo) int { return strings.Compare(a.Slug, b.Slug) })
	return out
}
