// Package feed ingests the Wordfence Intelligence vulnerability feed into the
// local catalog.
//
// The feed is one JSON object keyed by vulnerability id that runs to hundreds
// of megabytes. It is read forward-only with jsontext and each record is
// decoded and stored as soon as its value is complete.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/store"
)

// Type selects the feed variant.
type Type string

const (
	Production Type = "production"
	Scanner    Type = "scanner"
)

var endpoints = map[Type]string{
	Production: "https://www.wordfence.com/api/intelligence/v3/vulnerabilities/production",
	Scanner:    "https://www.wordfence.com/api/intelligence/v3/vulnerabilities/scanner",
}

// Endpoint returns the URL for t, falling back to the production feed.
func Endpoint(t Type) string {
	if u, ok := endpoints[t]; ok {
		return u
	}
	return endpoints[Production]
}

var (
	// ErrNoAPIKey is returned by Client.Open without a configured key.
	ErrNoAPIKey = errors.New("feed: missing api key")
	// ErrNotObject means the payload root is not a JSON object.
	ErrNotObject = errors.New("feed: payload is not a JSON object")
)

// HTTPError is a non-2xx feed response. Body holds at most the first 200
// characters of the response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("feed: HTTP %d: %s", e.Status, e.Body)
}

// IsRateLimited reports whether err is an HTTP 429 from the feed.
func IsRateLimited(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusTooManyRequests
}

// ClientConfig configures the feed HTTP client.
type ClientConfig struct {
	APIKey    string
	Type      Type
	Endpoint  string // overrides Type when set
	UserAgent string

	// HeaderTimeout bounds the wait for response headers. The body stream
	// itself is bounded only by the caller's context. Default: 20s.
	HeaderTimeout time.Duration

	HTTPClient *http.Client
}

func (c *ClientConfig) defaults() {
	if c.Endpoint == "" {
		c.Endpoint = Endpoint(c.Type)
	}
	if c.UserAgent == "" {
		c.UserAgent = "WpInfoBot/0.4"
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = 20 * time.Second
	}
}

// Client opens the feed stream.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	cfg.defaults()
	hc := cfg.HTTPClient
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = cfg.HeaderTimeout
		hc = &http.Client{Transport: tr}
	}
	return &Client{cfg: cfg, http: hc}
}

// Open issues the feed GET and returns the body for streaming. Non-2xx
// responses become *HTTPError.
func (c *Client) Open(ctx context.Context) (io.ReadCloser, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{Status: resp.StatusCode, Body: truncate(string(head), 200)}
	}
	return resp.Body, nil
}

// ObjectReader walks the members of a top-level JSON object one at a time.
type ObjectReader struct {
	dec     *jsontext.Decoder
	started bool
	done    bool
}

// NewObjectReader reads members from r. Duplicate names and invalid UTF-8
// are tolerated at the stream level so that DecodeRecord rejects only the
// member that carries them.
func NewObjectReader(r io.Reader) *ObjectReader {
	return &ObjectReader{dec: jsontext.NewDecoder(r,
		jsontext.AllowDuplicateNames(true),
		jsontext.AllowInvalidUTF8(true),
	)}
}

// Next returns the next member. It returns io.EOF after the closing brace.
// The value is only valid until the following call to Next.
func (o *ObjectReader) Next() (string, jsontext.Value, error) {
	if o.done {
		return "", nil, io.EOF
	}
	if !o.started {
		tok, err := o.dec.ReadToken()
		if err != nil {
			return "", nil, fmt.Errorf("feed: read root: %w", err)
		}
		if tok.Kind() != '{' {
			return "", nil, ErrNotObject
		}
		o.started = true
	}
	if o.dec.PeekKind() == '}' {
		if _, err := o.dec.ReadToken(); err != nil {
			return "", nil, fmt.Errorf("feed: read end: %w", err)
		}
		o.done = true
		return "", nil, io.EOF
	}
	key, err := o.dec.ReadToken()
	if err != nil {
		return "", nil, fmt.Errorf("feed: read key: %w", err)
	}
	// The token is voided by the next decoder call.
	name := key.String()
	val, err := o.dec.ReadValue()
	if err != nil {
		return "", nil, fmt.Errorf("feed: read value of %q: %w", name, err)
	}
	return name, val, nil
}

// record is the subset of a feed record that is stored.
type record struct {
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	CVE           string           `json:"cve"`
	CVSS          *cvss            `json:"cvss"`
	Published     string           `json:"published"`
	Updated       string           `json:"updated"`
	Informational bool             `json:"informational"`
	References    []string         `json:"references"`
	Remediation   string           `json:"remediation"`
	Software      []softwareRecord `json:"software"`
}

type cvss struct {
	Score  *float64 `json:"score"`
	Rating string   `json:"rating"`
}

type softwareRecord struct {
	Type             string         `json:"type"`
	Slug             string         `json:"slug"`
	Name             string         `json:"name"`
	Patched          bool           `json:"patched"`
	PatchedVersions  []string       `json:"patched_versions"`
	AffectedVersions jsontext.Value `json:"affected_versions"`
	Remediation      string         `json:"remediation"`
}

// DecodeRecord maps one feed member onto a catalog entry.
func DecodeRecord(id string, raw jsontext.Value) (*store.Vulnerability, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("feed: record %s: %w", id, err)
	}
	v := &store.Vulnerability{
		ID:            id,
		Title:         r.Title,
		Description:   r.Description,
		CVE:           r.CVE,
		Rating:        store.SeverityUnknown,
		Published:     store.NormalizeTime(r.Published),
		Updated:       store.NormalizeTime(r.Updated),
		Informational: r.Informational,
		Remediation:   r.Remediation,
	}
	if v.Title == "" {
		v.Title = id
	}
	if r.CVSS != nil {
		v.Score = r.CVSS.Score
		v.Rating = store.ParseSeverity(r.CVSS.Rating)
	}
	if len(r.References) > 0 {
		v.ReferenceURL = r.References[0]
	}
	if len(r.Software) > 0 && r.Software[0].Remediation != "" {
		v.Remediation = r.Software[0].Remediation
	}
	for _, s := range r.Software {
		if s.Type == "" || s.Slug == "" {
			continue
		}
		link := store.SoftwareLink{
			Type:            s.Type,
			Slug:            s.Slug,
			Name:            s.Name,
			Patched:         s.Patched,
			PatchedVersions: s.PatchedVersions,
		}
		if len(s.AffectedVersions) > 0 && s.AffectedVersions.Kind() == '{' {
			link.AffectedVersions = string(s.AffectedVersions)
		}
		v.Software = append(v.Software, link)
	}
	return v, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
