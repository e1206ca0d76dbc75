package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"stay_booking/pkg/logger"
)

// RedisBroker раздает события через Redis Pub/Sub, чтобы несколько
// экземпляров сервера видели вставки друг друга
type RedisBroker struct {
	rdb *redis.Client
	log logger.Logger
}

func NewRedisBroker(rdb *redis.Client, log logger.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.rdb.Publish(ctx, channelName(event.Topic), payload).Err(); err != nil {
		b.log.Error("Failed to publish event to Redis", "error", err, "topic", event.Topic)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error) {
	channel := channelName(topic)
	pubsub := b.rdb.Subscribe(ctx, channel)

	// Ждем подтверждения подписки, иначе первые события могут потеряться
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		b.log.Error("Failed to subscribe to Redis channel", "error", err, "channel", channel)
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("Failed to unmarshal event", "error", err, "channel", msg.Channel)
				continue
			}
			handler(event)
		}
	}()

	return NewSubscription(pubsub.Close), nil
}

// Close не закрывает клиент Redis: им владеет main
func (b *RedisBroker) Close() error {
	return nil
}
