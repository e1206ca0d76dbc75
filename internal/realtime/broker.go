package realtime

import (
	"context"
	"fmt"
	"strings"
)

// Broker разносит события по топикам между экземплярами сервера
type Broker interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error)
	Close() error
}

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerNATS   = "nats"
)

const channelPrefix = "stay_booking"

// channelName переводит топик в имя канала брокера: stay_booking.user.<id>.conversations
func channelName(topic Topic) string {
	return fmt.Sprintf("%s.%s", channelPrefix, strings.ReplaceAll(string(topic), ":", "."))
}
