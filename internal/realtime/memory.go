package realtime

import (
	"context"
	"sync"
)

// MemoryBroker - брокер внутри одного процесса. Обработчики вызываются синхронно
// в горутине публикующего, без удержания внутренних блокировок.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[Topic]map[uint64]Handler
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[Topic]map[uint64]Handler)}
}

func (b *MemoryBroker) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.topics[event.Topic]))
	for _, h := range b.topics[event.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]Handler)
	}
	b.topics[topic][id] = handler
	b.mu.Unlock()

	return NewSubscription(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
		return nil
	}), nil
}

// Subscribers - число активных подписок на топик
func (b *MemoryBroker) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.topics = make(map[Topic]map[uint64]Handler)
	b.mu.Unlock()
	return nil
}
