// Package validator compares cached entries with their source of truth and
// optionally evicts the ones that drifted, for example after an update whose
// invalidation failed or a lease that was left to expire.
package validator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/cache"
	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop only counts mismatches.
	ModeNoop Mode = iota
	// ModeAlert counts and logs mismatches.
	ModeAlert
	// ModeAutoHeal invalidates mismatching entries.
	ModeAutoHeal
)

// Source returns the current value of every key that should be checked.
type Source[T any] func(ctx context.Context) (map[string]T, error)

// Validator periodically compares a cache family with its source.
type Validator[T any] struct {
	family     *cache.Family[T]
	source     Source[T]
	mode       Mode
	interval   time.Duration
	mismatches atomic.Uint64
	log        *zap.Logger
}

// Option configures a Validator.
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// New creates a new Validator.
func New[T any](family *cache.Family[T], source Source[T], mode Mode, interval time.Duration, opts ...Option) *Validator[T] {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return &Validator[T]{
		family:   family,
		source:   source,
		mode:     mode,
		interval: interval,
		log:      logger.OrNop(o.log).Named("validator"),
	}
}

// Run scans every interval until ctx is done.
func (v *Validator[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil {
				v.log.Warn("scan failed", logger.Family(v.family.Name()), zap.Error(err))
			}
		}
	}
}

// Scan checks every key of the source once and returns how many cached
// entries differed from it. Keys that are not cached are skipped.
func (v *Validator[T]) Scan(ctx context.Context) (int, error) {
	entries, err := v.source(ctx)
	if err != nil {
		return 0, fmt.Errorf("validator: source: %w", err)
	}
	name := v.family.Name()
	found := 0
	for k, sv := range entries {
		cv, ok, err := v.family.Get(ctx, k)
		if err != nil {
			v.log.Debug("cached entry unreadable", logger.Family(name), zap.String("key", k), zap.Error(err))
			continue
		}
		if !ok || digest(cv) == digest(sv) {
			continue
		}
		found++
		v.mismatches.Add(1)
		metrics.MismatchCounter.WithLabelValues(name).Inc()
		switch v.mode {
		case ModeAlert:
			v.log.Warn("cached entry differs from source", logger.Family(name), zap.String("key", k))
		case ModeAutoHeal:
			if err := v.family.Invalidate(ctx, k); err != nil {
				v.log.Error("heal failed", logger.Family(name), zap.String("key", k), zap.Error(err))
			}
		}
	}
	return found, nil
}

// Metrics returns number of mismatches detected.
func (v *Validator[T]) Metrics() uint64 {
	return v.mismatches.Load()
}

func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", v))
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
