package analyzer

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/fetch"
)

var (
	emojiRe     = regexp.MustCompile(`(?i)wp-emoji-release\.min\.js`)
	generatorRe = regexp.MustCompile(`(?i)^wordpress\s*([0-9][0-9a-z._-]*)?`)
)

// detectCMS collects WordPress signals from the home page and one probe of
// the REST index. Any fired signal makes the detection positive.
func (a *Analyzer) detectCMS(ctx context.Context, pg *page, home *fetch.Response, base *url.URL) CMSResult {
	res := CMSResult{Signals: []string{}}
	add := func(sig string) { res.Signals = append(res.Signals, sig) }

	if strings.Contains(pg.body, "/wp-content/") {
		add("html:wp-content")
	}
	if strings.Contains(pg.body, "/wp-includes/") {
		add("html:wp-includes")
	}
	if emojiRe.MatchString(pg.body) {
		add("html:wp-emoji")
	}
	for _, g := range pg.generators() {
		if m := generatorRe.FindStringSubmatch(g); m != nil {
			add("meta:generator")
			res.Version = m[1]
			break
		}
	}
	if strings.Contains(home.Header.Get("Link"), "api.w.org") {
		add("header:api-link")
	}

	r, err := a.fetcher.Text(ctx, resolve(base, "/wp-json/"), fetch.Options{Timeout: a.cfg.ProbeTimeout})
	switch {
	case err != nil:
		a.logger.Debug("analyzer: wp-json probe failed", "error", err)
	case r.OK && (strings.Contains(r.Body, "routes") || strings.Contains(r.Body, "namespaces")):
		add("endpoint:wp-json")
	}

	res.Matched = len(res.Signals) > 0
	return res
}
