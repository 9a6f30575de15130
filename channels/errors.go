package channels

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured is returned by connectors missing a token or URL.
var ErrNotConfigured = errors.New("channels: connector not configured")

// ErrSendFailed is returned when a message could not be delivered to the
// platform. RetryAfter is set when the platform asked the caller to wait.
type ErrSendFailed struct {
	Channel    string
	Cause      error
	RetryAfter time.Duration
}

func (e *ErrSendFailed) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("channels: send failed on %s (retry after %s): %v", e.Channel, e.RetryAfter, e.Cause)
	}
	return fmt.Sprintf("channels: send failed on %s: %v", e.Channel, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
