package syncbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		mr.Close()
	})
	return bus, ctx
}

func TestRedisBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus, ctx := newRedisBus(t)
	roundTrip(t, bus, ctx, "notification-channel")
}

func TestRedisBusLastUnsubscribeClosesSubscription(t *testing.T) {
	bus, ctx := newRedisBus(t)
	a, _ := bus.Subscribe(ctx, "key")
	b, _ := bus.Subscribe(ctx, "key")

	_ = bus.Unsubscribe(ctx, "key", a)
	bus.mu.Lock()
	_, open := bus.subs["key"]
	bus.mu.Unlock()
	if !open {
		t.Fatal("subscription closed while a subscriber remains")
	}

	_ = bus.Unsubscribe(ctx, "key", b)
	bus.mu.Lock()
	_, open = bus.subs["key"]
	bus.mu.Unlock()
	if open {
		t.Fatal("subscription should be closed after last unsubscribe")
	}
}

func TestRedisBusResubscribe(t *testing.T) {
	bus, ctx := newRedisBus(t)
	ch, _ := bus.Subscribe(ctx, "key")
	_ = bus.Unsubscribe(ctx, "key", ch)

	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if err := bus.Publish(ctx, "key", []byte("again")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg.Payload) != "again" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestRedisBusPublishCancelled(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "key", nil); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
