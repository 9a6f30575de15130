package analyzer

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/fetch"
)

var themeRe = regexp.MustCompile(`(?i)/wp-content/themes/([a-z0-9_-]+)/`)

// headerScanLimit bounds how much of style.css and readme.txt is parsed.
const headerScanLimit = 5000

// detectTheme picks the most referenced theme slug, then reads its style.css
// header. A failed fetch leaves only the slug and stylesheet URL.
func (a *Analyzer) detectTheme(ctx context.Context, pg *page, base *url.URL) *ThemeInfo {
	slug := mostCommonTheme(pg.body)
	if slug == "" {
		return nil
	}
	theme := &ThemeInfo{Slug: slug, StyleCSSURL: resolve(base, "/wp-content/themes/"+slug+"/style.css")}

	r, err := a.fetcher.Text(ctx, theme.StyleCSSURL, fetch.Options{Timeout: a.cfg.ProbeTimeout})
	if err != nil {
		a.logger.Debug("analyzer: style.css probe failed", "slug", slug, "error", err)
		return theme
	}
	if !r.OK || r.Body == "" {
		return theme
	}
	h := parseFileHeader(r.Body)
	theme.Name = h["theme name"]
	theme.Version = h["version"]
	theme.Author = h["author"]
	theme.AuthorURI = h["author uri"]
	theme.Description = h["description"]
	return theme
}

// mostCommonTheme returns the slug with most references; ties go to the
// slug seen first.
func mostCommonTheme(body string) string {
	counts := map[string]int{}
	var order []string
	for _, m := range themeRe.FindAllStringSubmatch(body, -1) {
		slug := strings.ToLower(m[1])
		if counts[slug] == 0 {
			order = append(order, slug)
		}
		counts[slug]++
	}
	best, bestN := "", 0
	for _, slug := range order {
		if counts[slug] > bestN {
			best, bestN = slug, counts[slug]
		}
	}
	return best
}

// parseFileHeader reads "Label: value" lines from the start of a WordPress
// file header (style.css comment block or readme.txt). Labels are lowercased;
// the first occurrence of a label wins.
func parseFileHeader(text string) map[string]string {
	if len(text) > headerScanLimit {
		text = text[:headerScanLimit]
	}
	out := map[string]string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "*#/ \t"))
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		label = strings.ToLower(strings.TrimSpace(label))
		value = strings.TrimSpace(value)
		if label == "" || value == "" || len(label) > 40 {
			continue
		}
		if _, seen := out[label]; !seen {
			out[label] = value
		}
	}
	return out
}
