// Package shield provides the HTTP middleware stack placed in front of the
// wpinfo admin API: HEAD handling, security headers, JSON body limits,
// request tracing and per-client rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	rl := shield.NewRateLimiter(shield.RateLimitConfig{Window: time.Minute, Max: 10, Penalty: 30 * time.Second})
//	for _, mw := range shield.DefaultStack(rl) {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the request trace ID.
	TraceIDKey contextKey = "shield_trace_id"
)

// DefaultMaxBody caps JSON request bodies on the admin API.
const DefaultMaxBody = 64 * 1024

// DefaultStack returns the standard middleware stack for the admin API.
// Order: HeadToGet → SecurityHeaders → MaxBody → TraceID → RateLimiter.
// A nil limiter leaves rate limiting out.
func DefaultStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBody),
		TraceID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// HeadToGet converts HEAD requests to GET so that routes registered with
// r.Get() answer HEAD as well. net/http drops the body for HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
