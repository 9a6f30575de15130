package wpinfo

import (
	"errors"

	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/analyzer"
	"github.com/farahaniamin/WpDetectionBot/wpinfo/internal/workpool"
)

// ErrGuardRejected is wrapped by RejectedError when a URL fails the origin check.
var ErrGuardRejected = errors.New("wpinfo: URL rejected")

// ErrQueueFull is returned when every analysis slot is busy and the wait
// queue is at capacity.
var ErrQueueFull = workpool.ErrQueueFull

// ErrHomeFetch is returned when the target's home page cannot be fetched.
var ErrHomeFetch = analyzer.ErrHomeFetch

// ErrWatchNotFound is returned when a watch does not exist or belongs to
// another user.
var ErrWatchNotFound = errors.New("wpinfo: watch not found")

// ErrInvalidInput is returned for malformed caller input.
var ErrInvalidInput = errors.New("wpinfo: invalid input")

// RejectedError carries the user-facing reason of an origin-check rejection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "wpinfo: URL rejected: " + e.Reason }

func (e *RejectedError) Unwrap() error { return ErrGuardRejected }
