package shield

import "net/http"

// MaxBody returns middleware that caps the request body of POST, PUT and
// PATCH requests. Reads past the limit fail with *http.MaxBytesError, which
// handlers map to 413.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
