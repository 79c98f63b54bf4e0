package subscription

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleEvent is returned when a provider event is older than the last one applied.
var ErrStaleEvent = errors.New("stale provider event")

// StateTransitionError reports an illegal status change. It always indicates a
// logic or data bug and is never retried.
type StateTransitionError struct {
	From Status
	To   Status
	// Allowed lists the targets the rejecting table permits from From.
	Allowed []Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("INVALID_STATE_TRANSITION: %s -> %s", e.From, e.To)
}

// ConflictError reports an invariant violation such as a second current subscription.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Message
}

// ForbiddenError reports a failed ownership check.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Message
}

// ExpiredError reports a reactivation attempted after the term ended.
type ExpiredError struct {
	SubscriptionID int64
	EndDate        time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("subscription %d expired at %s", e.SubscriptionID, e.EndDate.UTC().Format(time.RFC3339))
}

// UnauthenticatedError reports a missing or unknown caller.
type UnauthenticatedError struct {
	Message string
}

func (e *UnauthenticatedError) Error() string {
	if e.Message == "" {
		return "unauthenticated"
	}
	return "unauthenticated: " + e.Message
}

// RetryableProviderError wraps a transient payment provider failure.
type RetryableProviderError struct {
	Op  string
	Err error
}

func (e *RetryableProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *RetryableProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a RetryableProviderError.
func IsRetryable(err error) bool {
	var re *RetryableProviderError
	return errors.As(err, &re)
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

func conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) error {
	return &ForbiddenError{Message: fmt.Sprintf(format, args...)}
}
