package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	f         *fanout
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
		f:    newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(channel, payload); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, first := b.f.add(channel)
	if first {
		ns, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
			b.f.deliver(channel, m.Data)
		})
		if err != nil {
			b.f.remove(channel, ch)
			return nil, err
		}
		// make sure the server registered the interest before returning
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.f.remove(channel, ch)
			return nil, err
		}
		b.subs[channel] = ns
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, last := b.f.remove(channel, ch)
	if !last {
		return nil
	}
	ns := b.subs[channel]
	delete(b.subs, channel)
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.f.delivered.Load(),
	}
}
