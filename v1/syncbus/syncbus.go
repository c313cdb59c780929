package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Message is a payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Bus provides fire-and-forget pub/sub used to broadcast notifications, lock
// events and cache invalidations across instances. Delivery is at most once:
// a subscriber that is not keeping up loses messages, and no ordering is
// guaranteed across subscribers.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error
}

// Metrics reports how many messages were published and handed to subscribers.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 16

// fanout keeps the local subscriber channels of one channel name.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Message
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan Message)}
}

func (f *fanout) add(channel string) (chan Message, bool) {
	ch := make(chan Message, subscriberBuffer)
	f.mu.Lock()
	first := len(f.subs[channel]) == 0
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether channel has no subscribers left.
func (f *fanout) remove(channel string, ch <-chan Message) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, channel)
		return found, found
	}
	f.subs[channel] = subs
	return found, false
}

func (f *fanout) deliver(channel string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.subs[channel] {
		select {
		case c <- Message{Channel: channel, Payload: payload}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for k, subs := range f.subs {
		for _, c := range subs {
			close(c)
		}
		delete(f.subs, k)
	}
	f.mu.Unlock()
}

// InMemoryBus is a local implementation of Bus for single-process runs and tests.
type InMemoryBus struct {
	f         *fanout
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.f.deliver(channel, append([]byte(nil), payload...))
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	ch, _ := b.f.add(channel)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error {
	b.f.remove(channel, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.f.delivered.Load(),
	}
}
