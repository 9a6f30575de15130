package shield

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how fast one client may call the API. A client may
// spend Max requests per Window; going over blocks it for Penalty.
type RateLimitConfig struct {
	Window  time.Duration `yaml:"window"`
	Max     int           `yaml:"max"`
	Penalty time.Duration `yaml:"penalty"`

	// Exclude lists path prefixes that bypass the limiter.
	Exclude []string `yaml:"exclude"`

	// Key extracts the client identity. Defaults to ExtractIP.
	Key func(*http.Request) string `yaml:"-"`
}

func (c *RateLimitConfig) defaults() {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Max <= 0 {
		c.Max = 10
	}
	if c.Penalty < 0 {
		c.Penalty = 0
	}
	if c.Key == nil {
		c.Key = ExtractIP
	}
}

type client struct {
	lim          *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

// RateLimiter enforces RateLimitConfig per client key with a token bucket
// refilled at Max/Window. Idle clients are dropped by GC.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

// NewRateLimiter creates a rate limiter. Call StartGC to evict idle clients.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	cfg.defaults()
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// StartGC evicts clients idle for longer than Window+Penalty every interval.
// Stops when done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	tick := time.NewTicker(interval)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() int {
	idle := rl.cfg.Window + rl.cfg.Penalty
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, c := range rl.clients {
		if now.Sub(c.lastSeen) > idle && !now.Before(c.blockedUntil) {
			delete(rl.clients, k)
			n++
		}
	}
	return n
}

// Allow reports whether key may proceed now. When it may not, retryAfter
// says how long the client should wait.
func (rl *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, found := rl.clients[key]
	if !found {
		every := rl.cfg.Window / time.Duration(rl.cfg.Max)
		c = &client{lim: rate.NewLimiter(rate.Every(every), rl.cfg.Max)}
		rl.clients[key] = c
	}
	c.lastSeen = now

	if now.Before(c.blockedUntil) {
		return false, c.blockedUntil.Sub(now)
	}
	if c.lim.AllowN(now, 1) {
		return true, 0
	}
	if rl.cfg.Penalty > 0 {
		c.blockedUntil = now.Add(rl.cfg.Penalty)
		return false, rl.cfg.Penalty
	}
	r := c.lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// Middleware rejects over-limit requests with 429 and a JSON error body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.cfg.Exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		key := rl.cfg.Key(r)
		ok, wait := rl.Allow(key)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("ratelimit: request blocked", "client", key, "retry_after", wait)

		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		if err := json.NewEncoder(w).Encode(map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": secs,
		}); err != nil {
			slog.Debug("ratelimit: write response", "error", err)
		}
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
