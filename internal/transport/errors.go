package transport

import (
	"errors"
	"fmt"
	"time"
)

// RetryAfter attaches the delay a platform asked for before the next send,
// e.g. a Telegram flood-wait.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by send errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterHint returns the delay carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return 0, false
	}
	return ra.RetryAfter(), true
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
