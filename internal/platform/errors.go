package platform

import (
	"errors"
	"fmt"
	"time"
)

// TransientError covers network failures, 5xx responses, and timeouts.
// Callers retry these with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError is an explicit throttle signal from the platform.
// Retried without consuming retry attempts; the limiter rate shrinks.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %s)", e.Op, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// PermanentError covers validation failures and other 4xx responses.
// Never retried; the item is dead-lettered.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ConflictError marks remote drift: the platform copy changed since the last
// sync. The item is skipped and flagged for manual review, not failed.
type ConflictError struct {
	SKU    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.SKU, e.Reason)
}

// FatalError aborts the entire run before any writes (malformed feed,
// unreachable platform at startup).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRateLimited reports whether err is a throttle signal.
func IsRateLimited(err error) bool {
	var re *RateLimitedError
	return errors.As(err, &re)
}

// IsPermanent reports whether err should be dead-lettered without retry.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsFatal reports whether err should abort the whole run.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// classifyStatus maps an HTTP status code to the error taxonomy.
func classifyStatus(op string, status int, retryAfter time.Duration, cause error) error {
	switch {
	case status == 429:
		return &RateLimitedError{Op: op, RetryAfter: retryAfter, Err: cause}
	case status >= 500:
		return &TransientError{Op: op, Err: cause}
	case status >= 400:
		return &PermanentError{Op: op, Err: cause}
	default:
		return cause
	}
}
