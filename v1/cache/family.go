package cache

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

// DefaultTTL is the entry lifetime used when WithTTL is not given.
const DefaultTTL = 5 * time.Minute

// Loader produces the value for a missing key.
type Loader[T any] func(ctx context.Context) (T, error)

// Family is a named group of cache entries sharing TTL and emptiness rules.
type Family[T any] struct {
	layer     *Layer
	name      string
	ttl       time.Duration
	idleReset bool
	empty     func(T) bool
	group     singleflight.Group
}

// FamilyOption configures a Family.
type FamilyOption[T any] func(*Family[T])

// WithTTL sets the entry lifetime. Non-positive values are ignored.
func WithTTL[T any](d time.Duration) FamilyOption[T] {
	return func(f *Family[T]) {
		if d > 0 {
			f.ttl = d
		}
	}
}

// WithIdleReset re-arms the full TTL on every hit.
func WithIdleReset[T any](on bool) FamilyOption[T] {
	return func(f *Family[T]) { f.idleReset = on }
}

// WithEmpty overrides the rule deciding which loaded values are not stored.
func WithEmpty[T any](fn func(T) bool) FamilyOption[T] {
	return func(f *Family[T]) { f.empty = fn }
}

// NewFamily returns the family name on layer.
func NewFamily[T any](layer *Layer, name string, opts ...FamilyOption[T]) *Family[T] {
	f := &Family[T]{layer: layer, name: name, ttl: DefaultTTL, empty: isEmpty[T]}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Name returns the family name.
func (f *Family[T]) Name() string { return f.name }

// isEmpty treats nil and zero-length values as empty.
func isEmpty[T any](v T) bool {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Slice, reflect.Map:
		return rv.IsNil() || rv.Len() == 0
	case reflect.String:
		return rv.Len() == 0
	}
	return false
}

// Get returns the cached value for key without loading it.
func (f *Family[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	entry := f.layer.entryKey(f.name, key)
	raw, ok, err := f.layer.store.Get(ctx, entry)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := f.layer.codec.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("cache: decode %s/%s: %w", f.name, key, err)
	}
	return v, true, nil
}

// GetOrLoad returns the cached value for key, calling load on a miss.
// Concurrent misses on the same key share one load. Loader errors are
// returned as is and never cached; empty results are returned but not
// stored.
func (f *Family[T]) GetOrLoad(ctx context.Context, key string, load Loader[T]) (T, error) {
	ctx, span := tracer.Start(ctx, "cache.GetOrLoad", trace.WithAttributes(
		attribute.String("cache.family", f.name),
		attribute.String("cache.key", key),
	))
	defer span.End()

	var zero T
	entry := f.layer.entryKey(f.name, key)
	near := f.layer.near
	var gen nearGen
	if near != nil {
		gen = near.gen(f.name)
		if raw, ok := near.get(f.name, entry); ok {
			var v T
			if err := f.layer.codec.Unmarshal(raw, &v); err == nil {
				metrics.CacheRequestCounter.WithLabelValues(f.name, "near_hit").Inc()
				span.SetAttributes(attribute.String("cache.result", "near_hit"))
				return v, nil
			}
		}
	}

	raw, ok, err := f.layer.store.Get(ctx, entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, fmt.Errorf("cache: get %s/%s: %w", f.name, key, err)
	}
	if ok {
		var v T
		if err := f.layer.codec.Unmarshal(raw, &v); err == nil {
			metrics.CacheRequestCounter.WithLabelValues(f.name, "hit").Inc()
			span.SetAttributes(attribute.String("cache.result", "hit"))
			if f.idleReset {
				if _, err := f.layer.store.Expire(ctx, entry, f.ttl); err != nil {
					f.layer.log.Warn("idle reset failed", logger.Family(f.name), zap.Error(err))
				}
			}
			if near != nil {
				near.set(f.name, entry, raw, gen)
			}
			return v, nil
		}
		f.layer.log.Warn("dropping undecodable entry", logger.Family(f.name), zap.String("key", key))
		_, _ = f.layer.store.Delete(ctx, entry)
	}

	metrics.CacheRequestCounter.WithLabelValues(f.name, "miss").Inc()
	span.SetAttributes(attribute.String("cache.result", "miss"))
	epoch, _, err := f.layer.store.Get(ctx, f.layer.epochKey(f.name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, fmt.Errorf("cache: read epoch %s: %w", f.name, err)
	}
	// loads are only shared within one epoch, a reader arriving after an
	// invalidation never joins a load that started before it
	v, err, _ := f.group.Do(key+"@"+string(epoch), func() (any, error) {
		return f.fill(ctx, key, entry, epoch, gen, load)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	val, _ := v.(T)
	return val, nil
}

// fill runs load and stores the result guarded by epoch, the family epoch
// observed before loading.
func (f *Family[T]) fill(ctx context.Context, key, entry string, epoch []byte, gen nearGen, load Loader[T]) (T, error) {
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if f.empty(v) {
		return v, nil
	}

	raw, err := f.layer.codec.Marshal(v)
	if err != nil {
		f.layer.log.Warn("value not cached", logger.Family(f.name), zap.Error(err))
		return v, nil
	}
	stored, err := f.layer.store.SetIfEqual(ctx, f.layer.epochKey(f.name), epoch, entry, raw, f.ttl)
	switch {
	case err != nil:
		f.layer.log.Warn("cache fill failed", logger.Family(f.name), zap.String("key", key), zap.Error(err))
	case !stored:
		metrics.StaleFillCounter.WithLabelValues(f.name).Inc()
		f.layer.log.Debug("stale fill discarded", logger.Family(f.name), zap.String("key", key))
	default:
		if f.layer.near != nil {
			f.layer.near.set(f.name, entry, raw, gen)
		}
	}
	return v, nil
}

// Invalidate removes the entry for key. The family epoch is bumped before the
// delete so that fills started earlier cannot land afterwards.
func (f *Family[T]) Invalidate(ctx context.Context, key string) error {
	if _, err := f.layer.store.Incr(ctx, f.layer.epochKey(f.name)); err != nil {
		return fmt.Errorf("cache: invalidate %s/%s: %w", f.name, key, err)
	}
	entry := f.layer.entryKey(f.name, key)
	if _, err := f.layer.store.Delete(ctx, entry); err != nil {
		return fmt.Errorf("cache: invalidate %s/%s: %w", f.name, key, err)
	}
	if f.layer.near != nil {
		f.layer.near.invalidate(ctx, invalidation{Family: f.name, Entry: entry}, f.layer.log)
	}
	metrics.InvalidateCounter.WithLabelValues(f.name, "entry").Inc()
	f.layer.log.Debug("entry invalidated", logger.Family(f.name), zap.String("key", key))
	return nil
}

// InvalidateAll removes every entry of the family.
func (f *Family[T]) InvalidateAll(ctx context.Context) error {
	if _, err := f.layer.store.Incr(ctx, f.layer.epochKey(f.name)); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", f.name, err)
	}
	keys, err := f.layer.store.Scan(ctx, f.layer.entryPattern(f.name))
	if err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", f.name, err)
	}
	const batch = 100
	for len(keys) > 0 {
		n := min(batch, len(keys))
		if _, err := f.layer.store.Delete(ctx, keys[:n]...); err != nil {
			return fmt.Errorf("cache: invalidate %s: %w", f.name, err)
		}
		keys = keys[n:]
	}
	if f.layer.near != nil {
		f.layer.near.invalidate(ctx, invalidation{Family: f.name, All: true}, f.layer.log)
	}
	metrics.InvalidateCounter.WithLabelValues(f.name, "family").Inc()
	f.layer.log.Debug("family invalidated", logger.Family(f.name))
	return nil
}
