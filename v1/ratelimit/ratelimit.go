// Package ratelimit counts actions per identity in fixed windows held in a
// shared kv.Store, with an optional in-process token bucket in front.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/kv"
	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

// KeyPrefix is prepended to every counter key in the store.
const KeyPrefix = "ratelimit:"

// Defaults applied by Allow when WithDefaults is not given.
const (
	DefaultLimit  = 3
	DefaultWindow = time.Minute
)

// ErrInvalidLimit is returned for a non-positive limit or window.
var ErrInvalidLimit = errors.New("ratelimit: limit and window must be positive")

// Mode selects how a fresh window gets its expiry.
type Mode int

const (
	// Atomic increments and arms the expiry in a single store operation.
	Atomic Mode = iota
	// TwoStep increments, then arms the expiry with a second call when the
	// count is 1. If the second call is lost the counter never expires and
	// the identity stays blocked; kept for stores without scripting.
	TwoStep
)

func (m Mode) String() string {
	if m == TwoStep {
		return "two_step"
	}
	return "atomic"
}

// ParseMode maps "atomic" and "two_step" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "atomic":
		return Atomic, nil
	case "two_step":
		return TwoStep, nil
	}
	return Atomic, fmt.Errorf("ratelimit: unknown mode %q", s)
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed bool
	// Count is the number of attempts recorded in the current window,
	// including this one.
	Count int64
	// Limit is the limit the attempt was checked against.
	Limit int64
	// RetryAfter is how long until the window resets, set on rejections.
	RetryAfter time.Duration
}

// Allower is satisfied by limiters configured with a default limit and
// window.
type Allower interface {
	Allow(ctx context.Context, identity string) (Decision, error)
}

// FixedWindow counts attempts per identity. Every call increments, a
// rejected attempt included.
type FixedWindow struct {
	store  kv.Store
	prefix string
	mode   Mode
	limit  int64
	window time.Duration
	log    *zap.Logger
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithMode selects the arming mode. Atomic is the default.
func WithMode(m Mode) Option {
	return func(f *FixedWindow) { f.mode = m }
}

// WithNamespace prefixes every counter key with ns.
func WithNamespace(ns string) Option {
	return func(f *FixedWindow) { f.prefix = ns }
}

// WithDefaults sets the limit and window used by Allow.
func WithDefaults(limit int64, window time.Duration) Option {
	return func(f *FixedWindow) {
		f.limit = limit
		f.window = window
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *FixedWindow) { f.log = l }
}

// NewFixedWindow returns a FixedWindow limiter over store.
func NewFixedWindow(store kv.Store, opts ...Option) *FixedWindow {
	f := &FixedWindow{
		store:  store,
		limit:  DefaultLimit,
		window: DefaultWindow,
	}
	for _, o := range opts {
		o(f)
	}
	f.log = logger.OrNop(f.log).Named("ratelimit")
	return f
}

func (f *FixedWindow) key(identity string) string {
	return f.prefix + KeyPrefix + identity
}

// Allow checks identity against the configured default limit and window.
func (f *FixedWindow) Allow(ctx context.Context, identity string) (Decision, error) {
	return f.CheckAndIncrement(ctx, identity, f.limit, f.window)
}

// CheckAndIncrement records one attempt for identity and reports whether it
// is within limit for the current window. The window starts with the first
// attempt and lasts window.
func (f *FixedWindow) CheckAndIncrement(ctx context.Context, identity string, limit int64, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, ErrInvalidLimit
	}
	key := f.key(identity)

	var n int64
	var err error
	switch f.mode {
	case TwoStep:
		n, err = f.store.Incr(ctx, key)
		if err == nil && n == 1 {
			_, err = f.store.Expire(ctx, key, window)
		}
	default:
		n, err = f.store.IncrAndExpire(ctx, key, window)
	}
	if err != nil {
		metrics.RateLimitCounter.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("ratelimit: %s: %w", identity, err)
	}

	if n <= limit {
		metrics.RateLimitCounter.WithLabelValues("allowed").Inc()
		return Decision{Allowed: true, Count: n, Limit: limit}, nil
	}

	d := Decision{Count: n, Limit: limit}
	ttl, err := f.store.TTL(ctx, key)
	switch {
	case err != nil:
		f.log.Warn("window ttl unavailable", logger.Identity(identity), zap.Error(err))
	case ttl == kv.NoExpiry:
		f.log.Error("counter has no expiry, identity is blocked until it is cleared",
			logger.Identity(identity), zap.Int64("count", n))
	case ttl > 0:
		d.RetryAfter = ttl
	}
	metrics.RateLimitCounter.WithLabelValues("rejected").Inc()
	f.log.Warn("rate limit exceeded", logger.Identity(identity), zap.Int64("count", n), zap.Int64("limit", limit))
	return d, nil
}

// Reset clears the counter of identity.
func (f *FixedWindow) Reset(ctx context.Context, identity string) error {
	_, err := f.store.Delete(ctx, f.key(identity))
	return err
}
