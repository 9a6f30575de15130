// Package channels delivers outbound notifications to chat platforms.
//
// Every connector implements Sender. Callers format the text; connectors
// only carry it. Wrap a connector with Limited to respect platform flood
// limits.
//
//	tg := channels.NewTelegram(channels.TelegramConfig{BotToken: token})
//	s := channels.Limited(tg, 20, 1)
//	err := s.SendMessage(ctx, chatID, "<b>hello</b>")
package channels

import (
	"context"
	"log/slog"
)

// Sender pushes one message to one chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, text string) error

func (f SenderFunc) SendMessage(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// LogSender writes messages to a logger instead of delivering them. It is
// the fallback when no platform is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) SendMessage(_ context.Context, chatID int64, text string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("channels: message not delivered, no platform configured",
		"chat_id", chatID, "bytes", len(text))
	return nil
}
