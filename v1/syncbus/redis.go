package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const redisBusTimeout = 5 * time.Second

// RedisBus implements Bus using Redis PUBLISH/SUBSCRIBE. One Redis
// subscription is opened per channel and shared by all local subscribers.
type RedisBus struct {
	client redis.UniversalClient

	mu        sync.Mutex
	subs      map[string]*redis.PubSub
	f         *fanout
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redis.PubSub),
		f:      newFanout(),
	}
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return wardenerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return wardenerrors.ErrConnectionClosed
	default:
		return err
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, channel, payload).Err(); err != nil {
		return mapRedisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, first := b.f.add(channel)
	if first {
		ps := b.client.Subscribe(context.Background(), channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.f.remove(channel, ch)
			return nil, mapRedisErr(err)
		}
		b.subs[channel] = ps
		go b.dispatch(channel, ps)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(channel string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.f.deliver(channel, []byte(msg.Payload))
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, last := b.f.remove(channel, ch)
	if !last {
		return nil
	}
	ps := b.subs[channel]
	delete(b.subs, channel)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.f.delivered.Load(),
	}
}

// Close terminates every subscription held by the bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for k, ps := range b.subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.subs, k)
	}
	b.f.closeAll()
	return stdErrors.Join(errs...)
}
