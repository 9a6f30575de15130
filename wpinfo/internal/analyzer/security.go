package analyzer

import (
	"context"
	"net/http"
	"net/url"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/fetch"
)

// securityHints records hardening headers and whether the login and XML-RPC
// endpoints answer with anything other than 404.
func (a *Analyzer) securityHints(ctx context.Context, base *url.URL, home *fetch.Response) SecurityHints {
	h := home.Header
	return SecurityHints{
		Headers: SecurityHeaders{
			HSTS:              h.Get("Strict-Transport-Security") != "",
			CSP:               h.Get("Content-Security-Policy") != "",
			XFrameOptions:     h.Get("X-Frame-Options") != "",
			XContentType:      h.Get("X-Content-Type-Options") != "",
			ReferrerPolicy:    h.Get("Referrer-Policy") != "",
			PermissionsPolicy: h.Get("Permissions-Policy") != "" || h.Get("Feature-Policy") != "",
		},
		WPLoginAccessible: a.reachable(ctx, resolve(base, "/wp-login.php")),
		XMLRPCAccessible:  a.reachable(ctx, resolve(base, "/xmlrpc.php")),
	}
}

// reachable HEADs target once. nil means the probe itself failed.
func (a *Analyzer) reachable(ctx context.Context, target string) *bool {
	r, err := a.fetcher.Head(ctx, target, a.cfg.ProbeTimeout)
	if err != nil {
		a.logger.Debug("analyzer: head probe failed", "url", target, "error", err)
		return nil
	}
	ok := r.Status != http.StatusNotFound
	return &ok
}
