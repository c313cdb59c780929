package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka backend. Each channel maps to a topic
// and subscribers read partition 0 from the newest offset, so messages
// published before a subscription are never delivered to it.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu        sync.Mutex
	subs      map[string]sarama.PartitionConsumer
	f         *fanout
	published atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]sarama.PartitionConsumer),
		f:        newFanout(),
	}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: channel, Value: sarama.ByteEncoder(payload)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, first := b.f.add(channel)
	if first {
		pc, err := b.consumer.ConsumePartition(channel, 0, sarama.OffsetNewest)
		if err != nil {
			b.f.remove(channel, ch)
			return nil, err
		}
		b.subs[channel] = pc
		go b.dispatch(channel, pc)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(channel string, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.f.deliver(channel, msg.Value)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, last := b.f.remove(channel, ch)
	if !last {
		return nil
	}
	pc := b.subs[channel]
	delete(b.subs, channel)
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.f.delivered.Load(),
	}
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for k, pc := range b.subs {
		_ = pc.Close()
		delete(b.subs, k)
	}
	b.mu.Unlock()
	b.f.closeAll()
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
