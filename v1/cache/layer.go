package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/kv"
	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/cache")

// Key prefixes used in the store.
const (
	EntryPrefix = "cache:"
	EpochPrefix = "cache-epoch:"
)

// Layer holds what every family of one process shares: the store, the
// codec and the optional near cache.
type Layer struct {
	store  kv.Store
	prefix string
	codec  Codec
	log    *zap.Logger

	nearTTL time.Duration
	nearBus syncbus.Bus
	near    *nearCache
	cancel  context.CancelFunc
}

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithNamespace prefixes every cache key with ns.
func WithNamespace(ns string) LayerOption {
	return func(l *Layer) { l.prefix = ns }
}

// WithCodec sets the value codec. JSONCodec is used by default.
func WithCodec(c Codec) LayerOption {
	return func(l *Layer) { l.codec = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) LayerOption {
	return func(l *Layer) { l.log = log }
}

// WithNearCache enables an in-process L1 whose entries live at most ttl.
// When bus is non-nil, invalidations are exchanged with peers on
// InvalidationChannel.
func WithNearCache(ttl time.Duration, bus syncbus.Bus) LayerOption {
	return func(l *Layer) {
		l.nearTTL = ttl
		l.nearBus = bus
	}
}

// NewLayer returns a Layer over store. It fails only when the near cache
// cannot be built or its invalidation subscription cannot be opened.
func NewLayer(store kv.Store, opts ...LayerOption) (*Layer, error) {
	l := &Layer{store: store, codec: JSONCodec{}}
	for _, o := range opts {
		o(l)
	}
	l.log = logger.OrNop(l.log).Named("cache")

	if l.nearTTL > 0 {
		near, err := newNearCache(l.nearTTL, l.nearBus)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		if err := near.listen(ctx, l.log); err != nil {
			cancel()
			near.close()
			return nil, err
		}
		l.near = near
		l.cancel = cancel
	}
	return l, nil
}

// Close stops the near cache, if any.
func (l *Layer) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.near != nil {
		l.near.close()
	}
}

func (l *Layer) entryKey(family, key string) string {
	return l.prefix + EntryPrefix + "{" + family + "}::" + key
}

func (l *Layer) entryPattern(family string) string {
	return l.prefix + EntryPrefix + "{" + family + "}::*"
}

func (l *Layer) epochKey(family string) string {
	return l.prefix + EpochPrefix + "{" + family + "}"
}
