package models

import (
	"errors"
	"fmt"
	"time"
)

// Engine error taxonomy. Callers test with errors.Is; components wrap with context.
var (
	// ErrSessionClosed means the session is not Live. Permanent; callers must stop retrying.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidTransition means a lifecycle operation was called from the wrong state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrRateLimited is transient; the caller may retry after the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrPollClosed is permanent for that poll.
	ErrPollClosed = errors.New("poll closed")
	// ErrInvalidEventState signals a payment-provider inconsistency. Not retried.
	ErrInvalidEventState = errors.New("invalid monetary event state")
	// ErrNotFound covers unknown session, poll, message and payment ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned for malformed input (empty body, unknown option).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMuted is returned when a muted author tries to chat.
	ErrMuted = errors.New("author is muted")
)

// RateLimitError is returned when a caller is throttled. It matches ErrRateLimited
// under errors.Is and carries how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
