// Package notify broadcasts domain events as JSON notifications over a
// syncbus Bus. Delivery is at most once: nothing is stored, retried or
// acknowledged, and a listener only sees what is published while it is
// subscribed.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-warden/v1/logger"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// DefaultChannel is the channel used when none is configured.
const DefaultChannel = "notification-channel"

// Notification kinds published by the users service.
const (
	KindUserCreated = "user.created"
	KindUserUpdated = "user.updated"
	KindUserDeleted = "user.deleted"
)

// Notification is the payload carried on the bus.
type Notification struct {
	Message    string    `json:"message"`
	Kind       string    `json:"kind,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	At         time.Time `json:"at"`
}

type options struct {
	log *zap.Logger
	now func() time.Time
}

// Option configures a Publisher or a Listener.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	o.log = logger.OrNop(o.log).Named("notify")
	return o
}

// Publisher sends notifications.
type Publisher struct {
	bus syncbus.Bus
	options
}

// NewPublisher returns a Publisher writing to bus.
func NewPublisher(bus syncbus.Bus, opts ...Option) *Publisher {
	return &Publisher{bus: bus, options: newOptions(opts)}
}

// Publish sends n on channel, stamping At when it is zero. Failures are
// logged and returned; they are never retried.
func (p *Publisher) Publish(ctx context.Context, channel string, n Notification) error {
	if n.At.IsZero() {
		n.At = p.now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.log.Warn("notification dropped", logger.Channel(channel), zap.String("kind", n.Kind), zap.Error(err))
		return fmt.Errorf("notify: publish %s: %w", channel, err)
	}
	metrics.NotificationCounter.WithLabelValues("published").Inc()
	return nil
}

// PublishMessage sends a bare text message on channel.
func (p *Publisher) PublishMessage(ctx context.Context, channel, message string) error {
	return p.Publish(ctx, channel, Notification{Message: message})
}

// Handler processes one received notification.
type Handler func(ctx context.Context, n Notification)

// Listener receives notifications.
type Listener struct {
	bus syncbus.Bus
	options
}

// NewListener returns a Listener reading from bus.
func NewListener(bus syncbus.Bus, opts ...Option) *Listener {
	return &Listener{bus: bus, options: newOptions(opts)}
}

// Listen subscribes to channel and calls handler for every notification
// until ctx is done. A nil handler logs each message. Payloads that do not
// decode are logged and skipped.
func (l *Listener) Listen(ctx context.Context, channel string, handler Handler) error {
	if handler == nil {
		handler = LogHandler(l.log)
	}
	ch, err := l.bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", channel, err)
	}
	l.log.Info("listening", logger.Channel(channel))
	for {
		select {
		case <-ctx.Done():
			_ = l.bus.Unsubscribe(context.Background(), channel, ch)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				l.log.Warn("undecodable notification", logger.Channel(channel), zap.Error(err))
				continue
			}
			metrics.NotificationCounter.WithLabelValues("received").Inc()
			handler(ctx, n)
		}
	}
}

// LogHandler returns a Handler that logs every notification at info level.
func LogHandler(log *zap.Logger) Handler {
	log = logger.OrNop(log)
	return func(_ context.Context, n Notification) {
		log.Info("received message",
			zap.String("message", n.Message),
			zap.String("kind", n.Kind),
			zap.String("resource_id", n.ResourceID),
			zap.Time("at", n.At),
		)
	}
}
