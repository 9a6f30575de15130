package channels

import (
	"context"

	"golang.org/x/time/rate"
)

type limitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// Limited wraps next so that at most perSecond messages are sent per second
// with the given burst. SendMessage waits for a token or for ctx.
func Limited(next Sender, perSecond float64, burst int) Sender {
	if burst < 1 {
		burst = 1
	}
	return &limitedSender{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limitedSender) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.SendMessage(ctx, chatID, text)
}
