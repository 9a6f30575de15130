package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TelegramConfig configures the Bot API connector.
type TelegramConfig struct {
	// BotToken is the Telegram bot API token (from @BotFather).
	BotToken string `json:"bot_token" yaml:"bot_token"`
	// APIURL is the Bot API root. Default: https://api.telegram.org.
	APIURL string `json:"api_url,omitempty" yaml:"api_url"`
	// Timeout bounds one sendMessage call. Default: 10s.
	Timeout time.Duration `json:"-" yaml:"timeout"`

	HTTPClient *http.Client `json:"-" yaml:"-"`
}

func (c *TelegramConfig) defaults() {
	if c.APIURL == "" {
		c.APIURL = "https://api.telegram.org"
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Telegram sends HTML-formatted messages through the Bot API sendMessage
// method with link previews disabled.
type Telegram struct {
	cfg  TelegramConfig
	http *http.Client
}

// NewTelegram creates a Telegram connector.
func NewTelegram(cfg TelegramConfig) *Telegram {
	cfg.defaults()
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Telegram{cfg: cfg, http: hc}
}

type telegramRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendMessage implements Sender.
func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	if t.cfg.BotToken == "" {
		return &ErrSendFailed{Channel: "telegram", Cause: ErrNotConfigured}
	}
	body, err := json.Marshal(telegramRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return &ErrSendFailed{Channel: "telegram", Cause: err}
	}
	endpoint := t.cfg.APIURL + "/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: "telegram", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: "telegram", Cause: redactToken(err, t.cfg.BotToken)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)
	if resp.StatusCode == http.StatusOK && tr.OK {
		return nil
	}
	desc := tr.Description
	if desc == "" {
		desc = http.StatusText(resp.StatusCode)
	}
	return &ErrSendFailed{
		Channel:    "telegram",
		Cause:      fmt.Errorf("HTTP %d: %s", resp.StatusCode, desc),
		RetryAfter: time.Duration(tr.Parameters.RetryAfter) * time.Second,
	}
}

// redactToken keeps the bot token out of logged transport errors, which
// embed the request URL.
func redactToken(err error, token string) error {
	msg := err.Error()
	if token == "" || !strings.Contains(msg, token) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(msg, token, "<redacted>"))
}
