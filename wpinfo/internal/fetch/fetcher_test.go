package fetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// noopValidator allows all URLs (for tests that don't test SSRF).
func noopValidator(context.Context, string) error { return nil }

func TestText_Success(t *testing.T) {
	// WHAT: a GET returns status, body, headers and the request identity.
	// WHY: every detector reads from this response.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		if !strings.HasPrefix(r.Header.Get("Accept"), "text/html") {
			t.Errorf("accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("X-Powered-By", "PHP/8.2")
		w.Write([]byte("<html>hi</html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent", URLValidator: noopValidator})
	resp, err := f.Text(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.Status != 200 || resp.Body != "<html>hi</html>" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Header.Get("x-powered-by") != "PHP/8.2" {
		t.Fatalf("header lookup failed: %v", resp.Header)
	}
	if resp.TTFB <= 0 {
		t.Fatal("ttfb not measured")
	}
}

func TestText_HTTPErrorIsNotRetried(t *testing.T) {
	// WHAT: a 500 is returned as a response after a single attempt.
	// WHY: only network failures are transient; statuses are answers.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	resp, err := f.Text(context.Background(), srv.URL, Options{Retries: 3})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK || resp.Status != 500 {
		t.Fatalf("resp = %+v", resp)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestText_RetriesNetworkFailure(t *testing.T) {
	// WHAT: connection failures are retried Retries extra times, then surface.
	// WHY: the retry budget bounds load on a flaky site.
	var attempts atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection reset")
	})
	f := New(Config{URLValidator: noopValidator, Transport: rt, RetryDelay: time.Millisecond})
	_, err := f.Text(context.Background(), "http://example.com/", Options{Retries: 2})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v", err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
}

func TestText_ZeroRetriesIsOneAttempt(t *testing.T) {
	// WHAT: Retries 0 makes exactly one attempt and returns its error.
	// WHY: secondary fetches use the default options; an unbounded retry loop would pin a work slot.
	var attempts atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	})
	f := New(Config{URLValidator: noopValidator, Transport: rt, RetryDelay: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := f.Text(ctx, "http://example.com/wp-json/", Options{})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestText_RecoversOnRetry(t *testing.T) {
	var attempts atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if attempts.Add(1) == 1 {
			return nil, &net.OpError{Op: "dial", Err: errors.New("refused")}
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody, Header: http.Header{}, Request: r}, nil
	})
	f := New(Config{URLValidator: noopValidator, Transport: rt, RetryDelay: time.Millisecond})
	resp, err := f.Text(context.Background(), "http://example.com/", Options{Retries: 1})
	if err != nil || !resp.OK {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
}

func TestText_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	start := time.Now()
	_, err := f.Text(context.Background(), srv.URL, Options{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatal("deadline not enforced")
	}
}

func TestText_FollowsRedirectAndReportsFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("home"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	resp, err := f.Text(context.Background(), srv.URL+"/", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinalURL != srv.URL+"/home" || resp.Body != "home" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestText_RedirectBlockedByValidator(t *testing.T) {
	// WHAT: a redirect to a rejected target fails the fetch.
	// WHY: redirects are the easy way around the initial origin check.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))
	defer srv.Close()

	blocked := errors.New("blocked")
	f := New(Config{URLValidator: func(_ context.Context, u string) error {
		if strings.Contains(u, "169.254") {
			return blocked
		}
		return nil
	}})
	if _, err := f.Text(context.Background(), srv.URL, Options{}); !errors.Is(err, blocked) {
		t.Fatalf("err = %v, want blocked", err)
	}
}

func TestText_TruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator, MaxBytes: 10})
	resp, err := f.Text(context.Background(), srv.URL, Options{})
	if err != nil || len(resp.Body) != 10 {
		t.Fatalf("body len = %d, err = %v", len(resp.Body), err)
	}
}

func TestHead_NoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	resp, err := f.Head(context.Background(), srv.URL+"/wp-login.php", 0)
	if err != nil || resp.Status != http.StatusForbidden {
		t.Fatalf("resp = %+v, err = %v", resp, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d", hits.Load())
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
