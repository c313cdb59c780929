package errors

import (
	"errors"
	"time"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockUnavailable is returned when another holder owns the lock.
	// Callers may retry later; nothing in warden retries automatically.
	ErrLockUnavailable = errors.New("warden: lock unavailable")
	// ErrNotHeldByCaller is returned when releasing a lock the caller does
	// not hold: wrong token, no token, or the lease already expired.
	ErrNotHeldByCaller = errors.New("warden: lock not held by caller")
	// ErrRateLimitExceeded signals that the caller identity exhausted its window.
	ErrRateLimitExceeded = errors.New("warden: rate limit exceeded")
	// ErrUpdateFailed wraps a persistence or invalidation failure that
	// happened while the lock was held.
	ErrUpdateFailed = errors.New("warden: update failed")
	// ErrNotFound is returned when the resource does not exist.
	ErrNotFound = errors.New("warden: not found")
	// ErrConflict is returned by repositories on uniqueness violations.
	ErrConflict = errors.New("warden: conflict")
	// ErrLeakyDisabled is returned when the lock-leaking update path is
	// invoked on a service that did not opt in to it.
	ErrLeakyDisabled = errors.New("warden: leaky updates are disabled")
)

// Kind classifies an error so that callers can pick a backoff strategy.
type Kind int

const (
	KindUnknown Kind = iota
	KindLockUnavailable
	KindNotHeldByCaller
	KindRateLimited
	KindUpdateFailed
	KindNotFound
	KindConflict
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindLockUnavailable:
		return "lock_unavailable"
	case KindNotHeldByCaller:
		return "not_held_by_caller"
	case KindRateLimited:
		return "rate_limited"
	case KindUpdateFailed:
		return "update_failed"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// KindOf returns the Kind of err. Order matters: an update failure that wraps
// a timeout is still reported as an update failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrLockUnavailable):
		return KindLockUnavailable
	case errors.Is(err, ErrNotHeldByCaller):
		return KindNotHeldByCaller
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrUpdateFailed):
		return KindUpdateFailed
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// Retryable reports whether retrying the same request later can succeed
// without any change on the caller side.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLockUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// RateLimitError carries the remaining window so callers can emit a
// Retry-After hint. It matches ErrRateLimitExceeded.
type RateLimitError struct {
	Identity   string
	Count      int64
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return ErrRateLimitExceeded.Error() + " for " + e.Identity
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// RetryAfter extracts the retry hint from a rate limit error, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
