package analyzer

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// page is the parsed home document. doc is nil only for an empty body.
type page struct {
	body string
	doc  *goquery.Document
}

func parsePage(body string) *page {
	p := &page{body: body}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
		p.doc = doc
	}
	return p
}

var urlAttrs = []string{"src", "href", "data-src", "content"}

// assetURLs returns every URL-bearing attribute value on the page, entity
// decoded, with srcset candidates split out, followed by the wp-content URLs
// embedded in inline scripts and styles.
func (p *page) assetURLs() []string {
	var out []string
	if p.doc != nil {
		p.doc.Find("[src],[href],[data-src],[srcset],meta[content]").Each(func(_ int, s *goquery.Selection) {
			for _, attr := range urlAttrs {
				if v, ok := s.Attr(attr); ok && v != "" {
					out = append(out, v)
				}
			}
			if v, ok := s.Attr("srcset"); ok {
				for _, cand := range strings.Split(v, ",") {
					if f := strings.Fields(cand); len(f) > 0 {
						out = append(out, f[0])
					}
				}
			}
		})
	}
	return append(out, inlineURLs(p.body)...)
}

// inlineURLRe matches a wp-content reference inside script or style text,
// after JSON slash escapes are undone.
var inlineURLRe = regexp.MustCompile(`[^\s"'()<>,;]*/wp-content/[^\s"'()<>,;]+`)

// inlineURLs tokenizes body and collects wp-content URLs from the raw text
// of <script> and <style> elements: localized script data and inline CSS
// url() values that no attribute carries.
func inlineURLs(body string) []string {
	var out []string
	z := html.NewTokenizer(strings.NewReader(body))
	inRaw := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return out
		case html.StartTagToken:
			name, _ := z.TagName()
			inRaw = string(name) == "script" || string(name) == "style"
		case html.EndTagToken:
			inRaw = false
		case html.TextToken:
			if !inRaw {
				continue
			}
			text := strings.ReplaceAll(string(z.Text()), `\/`, "/")
			out = append(out, inlineURLRe.FindAllString(text, -1)...)
		}
	}
}

// generators returns the content of <meta name="generator"> values.
func (p *page) generators() []string {
	if p.doc == nil {
		return nil
	}
	var out []string
	p.doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if !strings.EqualFold(name, "generator") {
			return
		}
		if c, ok := s.Attr("content"); ok {
			out = append(out, strings.TrimSpace(c))
		}
	})
	return out
}
