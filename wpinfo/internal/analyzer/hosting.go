package analyzer

import (
	"net/http"
	"slices"
	"strings"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/fetch"
)

// hostingHints reads server, CDN and cache markers from the home response.
func (a *Analyzer) hostingHints(home *fetch.Response) HostingHints {
	h := home.Header
	hh := HostingHints{
		Status:          home.Status,
		Server:          h.Get("Server"),
		PoweredBy:       h.Get("X-Powered-By"),
		CacheControl:    h.Get("Cache-Control"),
		ContentEncoding: h.Get("Content-Encoding"),
		CDN:             detectCDN(h),
		Cache:           detectCache(h),
	}
	if a.tech != nil {
		hh.Technologies = a.technologies(home)
	}
	return hh
}

func detectCDN(h http.Header) string {
	switch {
	case h.Get("CF-Ray") != "" || strings.Contains(strings.ToLower(h.Get("Server")), "cloudflare"):
		return "Cloudflare"
	case h.Get("X-Amz-Cf-Id") != "" || strings.Contains(h.Get("Via"), "CloudFront"):
		return "CloudFront"
	case h.Get("X-Served-By") != "" && h.Get("X-Cache") != "" && h.Get("X-Timer") != "":
		return "Fastly (hint)"
	case h.Get("Akamai-GRN") != "" || h.Get("X-Akamai-Transformed") != "":
		return "Akamai (hint)"
	}
	return ""
}

func detectCache(h http.Header) string {
	if v := h.Get("X-Cache"); v != "" {
		return v
	}
	if v := h.Get("X-Cache-Hits"); v != "" {
		return v
	}
	switch {
	case h.Get("X-LiteSpeed-Cache") != "":
		return "LiteSpeed Cache (hint)"
	case h.Get("X-Varnish") != "":
		return "Varnish (hint)"
	}
	return ""
}

func (a *Analyzer) technologies(home *fetch.Response) (names []string) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Debug("analyzer: tech fingerprint panicked", "panic", r)
			names = nil
		}
	}()
	for name := range a.tech.Fingerprint(home.Header, []byte(home.Body)) {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
