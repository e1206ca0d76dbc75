package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"stay_booking/pkg/logger"
)

const flushTimeout = 2 * time.Second

// NATSBroker - альтернатива Redis Pub/Sub на core NATS, без JetStream:
// история подгружается из Postgres, брокеру нужна только доставка "сейчас"
type NATSBroker struct {
	nc  *nats.Conn
	log logger.Logger
}

func NewNATSBroker(url string, log logger.Logger) (*NATSBroker, error) {
	nc, err := nats.Connect(url, nats.Name(channelPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBroker{nc: nc, log: log}, nil
}

func (b *NATSBroker) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := channelName(event.Topic)
	if err := b.nc.Publish(subject, payload); err != nil {
		b.log.Error("Failed to publish event to NATS", "error", err, "subject", subject)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subject := channelName(topic)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Warn("Failed to unmarshal event", "error", err, "subject", msg.Subject)
			return
		}
		handler(event)
	})
	if err != nil {
		b.log.Error("Failed to subscribe to NATS subject", "error", err, "subject", subject)
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	// Flush гарантирует, что сервер зарегистрировал подписку до возврата
	if err := b.nc.FlushTimeout(flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	return NewSubscription(sub.Unsubscribe), nil
}

func (b *NATSBroker) Close() error {
	b.nc.Close()
	return nil
}
