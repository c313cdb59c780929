package syncbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func newKafkaBus(t *testing.T) (*KafkaBus, context.Context) {
	t.Helper()
	addr := os.Getenv("WARDEN_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("WARDEN_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}

	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, config)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus, context.Background()
}

func TestKafkaBusPublishSubscribe(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	topic := "warden-" + uuid.NewString()

	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// the partition consumer needs a moment before it sees new offsets
	time.Sleep(2 * time.Second)

	if err := bus.Publish(ctx, topic, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-ch:
		if string(msg.Payload) != "hello" {
			t.Fatalf("unexpected payload %q", msg.Payload)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for publish")
	}

	if m := bus.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
