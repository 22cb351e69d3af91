package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRecipientGone  = errors.New("delivery: recipient not connected")
	ErrBackpressure   = errors.New("delivery: recipient outbox full")
	ErrPublishFailed  = errors.New("delivery: broker publish failed")
	ErrUnauthorized   = errors.New("delivery: unauthorized")
	ErrNoPublisher    = errors.New("delivery: no publisher configured")
	ErrRetryQueueFull = errors.New("delivery: retry queue full")
)

// Permanent marks an error as non-retryable. The failure is dead-lettered
// right away, whatever its type.
//
//	return delivery.Permanent(fmt.Errorf("payload rejected: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a minimum delay before the next attempt, e.g. when a
// downstream answered with a rate-limit hint. The hint never shortens the
// computed backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

func retryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
