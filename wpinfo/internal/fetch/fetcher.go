// Package fetch performs bounded-timeout HTTP GET and HEAD requests against
// analysed sites, retrying network failures a limited number of times.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/farahaniamin/WpDetectionBot/siteguard"
)

const acceptHeader = "text/html,application/json;q=0.9,*/*;q=0.8"

// Response is the outcome of one fetch. HTTP error statuses are responses,
// not errors; OK reports a 2xx status.
type Response struct {
	OK       bool
	Status   int
	FinalURL string
	Header   http.Header
	Body     string
	TTFB     time.Duration
}

// Config configures the fetcher.
type Config struct {
	Timeout      time.Duration // per attempt. Default: 8s.
	MaxBytes     int64         // body cap, longer bodies are truncated. Default: 5MB.
	UserAgent    string
	RetryDelay   time.Duration // fixed pause between attempts. Default: 150ms.
	MaxRedirects int           // Default: 10.
	// URLValidator checks every redirect target. Default: a siteguard.Guard
	// on the system resolver. The initial URL is the caller's responsibility.
	URLValidator func(ctx context.Context, rawURL string) error
	Transport    http.RoundTripper
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 8 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 5 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "WpInfoBot/0.4"
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 150 * time.Millisecond
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 10
	}
	if c.URLValidator == nil {
		c.URLValidator = siteguard.New(nil).Validate
	}
}

// Options override per-call behaviour.
type Options struct {
	Retries int           // additional attempts after a network failure
	Timeout time.Duration // 0 uses Config.Timeout
}

// Fetcher performs HTTP requests with redirect validation.
type Fetcher struct {
	client *http.Client
	config Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	maxRedirects := cfg.MaxRedirects
	return &Fetcher{
		client: &http.Client{
			Transport: cfg.Transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.Context(), req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Text GETs url and returns its body as text. Each attempt has its own
// deadline; a network failure is retried opts.Retries more times after a
// fixed delay, then the last error is returned.
func (f *Fetcher) Text(ctx context.Context, url string, opts Options) (*Response, error) {
	var resp *Response
	var lastErr error
	op := func() error {
		r, err := f.do(ctx, http.MethodGet, url, opts.Timeout)
		if err != nil {
			lastErr = err
			return err
		}
		resp = r
		return nil
	}

	if opts.Retries <= 0 {
		// WithMaxRetries treats 0 as unlimited.
		if err := op(); err != nil {
			return nil, err
		}
		return resp, nil
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.config.RetryDelay), uint64(opts.Retries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return resp, nil
}

// Head issues a single HEAD request. It never retries.
func (f *Fetcher) Head(ctx context.Context, url string, timeout time.Duration) (*Response, error) {
	return f.do(ctx, http.MethodHead, url, timeout)
}

func (f *Fetcher) do(ctx context.Context, method, url string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = f.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", acceptHeader)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	ttfb := time.Since(start)

	out := &Response{
		OK:       resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:   resp.StatusCode,
		FinalURL: resp.Request.URL.String(),
		Header:   resp.Header,
		TTFB:     ttfb,
	}
	if method == http.MethodHead {
		return out, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	out.Body = string(body)
	return out, nil
}
