package wpinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/farahaniamin/WpDetectionBot/shield"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/feed"
)

// Routes returns the admin HTTP API. ctx bounds the rate limiter's
// background eviction.
func (s *Service) Routes(ctx context.Context) http.Handler {
	rlCfg := s.cfg.HTTP.RateLimit
	rlCfg.Exclude = append(rlCfg.Exclude, "/healthz")
	rl := shield.NewRateLimiter(rlCfg)
	rl.StartGC(ctx.Done(), 0)

	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(rl) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Health())
	})

	r.Post("/analyze", s.handleAnalyze)
	r.Get("/vulns/recent", func(w http.ResponseWriter, r *http.Request) {
		vs, err := s.RecentVulns(r.Context(), queryInt(r, "days", 0), queryInt(r, "limit", 0))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, vs)
	})

	r.Route("/feed", func(r chi.Router) {
		r.Post("/sync", func(w http.ResponseWriter, r *http.Request) {
			res := s.SyncNow(r.Context())
			code := http.StatusOK
			if res.Status == feed.StatusFailed {
				code = http.StatusBadGateway
			}
			writeJSON(w, code, res)
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			st, err := s.SyncStatus(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
	})

	r.Route("/watches", func(r chi.Router) {
		r.Post("/", s.handleAddWatch)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			userID := queryInt64(r, "user_id")
			if userID == 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("%w: user_id is required", ErrInvalidInput))
				return
			}
			ws, err := s.ListWatches(r.Context(), userID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, ws)
		})
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := s.RemoveWatch(r.Context(), queryInt64(r, "user_id"), chi.URLParam(r, "id")); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/check", func(w http.ResponseWriter, r *http.Request) {
			stats, err := s.RunWatchPass(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})
	})

	r.Route("/users/{id}/settings", func(r chi.Router) {
		r.Get("/", s.handleSettings)
		r.Put("/", s.handleSettings)
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Stats(r.Context(), queryInt(r, "days", 7))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	return r
}

type analyzeRequest struct {
	URL    string `json:"url"`
	UserID int64  `json:"user_id"`
}

func (s *Service) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	res, err := s.Analyze(r.Context(), req.UserID, req.URL, nil)
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "reason": rej.Reason})
			return
		}
		shield.GetLogger(r.Context()).Warn("wpinfo: analyze", "url", req.URL, "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*Result
		FromCache bool `json:"from_cache"`
	}{res, res.FromCache})
}

type watchRequest struct {
	UserID int64  `json:"user_id"`
	ChatID int64  `json:"chat_id"`
	URL    string `json:"url"`
}

func (s *Service) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	wt, err := s.AddWatch(r.Context(), req.UserID, req.ChatID, req.URL)
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "reason": rej.Reason})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, wt)
}

func (s *Service) handleSettings(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: bad user id", ErrInvalidInput))
		return
	}
	if r.Method == http.MethodGet {
		st, err := s.Settings(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	var req struct {
		NotifyVulns *bool `json:"notify_vulns"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if req.NotifyVulns == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: notify_vulns is required", ErrInvalidInput))
		return
	}
	st, err := s.SetNotifyVulns(r.Context(), userID, *req.NotifyVulns)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrGuardRejected):
		return http.StatusBadRequest
	case errors.Is(err, ErrWatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotWordPress):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrHomeFetch):
		return http.StatusBadGateway
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}
