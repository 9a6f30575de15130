package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig configures the generic outbound webhook connector.
type WebhookConfig struct {
	// URL receives a JSON POST {"chat_id": ..., "text": ...} per message.
	URL string `json:"url" yaml:"url"`
	// Secret, when set, signs each body with HMAC-SHA256 in the
	// X-Signature-256 header as "sha256=<hex>".
	Secret  string        `json:"secret,omitempty" yaml:"secret"`
	Timeout time.Duration `json:"-" yaml:"timeout"` // Default: 10s.

	HTTPClient *http.Client `json:"-" yaml:"-"`
}

// Webhook posts messages to a fixed URL for deployments without a bot.
type Webhook struct {
	cfg  WebhookConfig
	http *http.Client
}

// NewWebhook creates a Webhook connector.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Webhook{cfg: cfg, http: hc}
}

// SendMessage implements Sender. Any 2xx response is a delivery.
func (w *Webhook) SendMessage(ctx context.Context, chatID int64, text string) error {
	if w.cfg.URL == "" {
		return &ErrSendFailed{Channel: "webhook", Cause: ErrNotConfigured}
	}
	body, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return &ErrSendFailed{Channel: "webhook", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: "webhook", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+Sign(w.cfg.Secret, body))
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: "webhook", Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ErrSendFailed{Channel: "webhook", Cause: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Signature-256 header value against body.
// The "sha256=" prefix is optional.
func VerifySignature(secret string, body []byte, signature string) bool {
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
