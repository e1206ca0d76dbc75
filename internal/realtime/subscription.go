package realtime

import (
	"sync"
)

// Subscription - открытый живой канал. Close освобождает его ровно один раз,
// повторные вызовы ничего не делают и возвращают nil.
type Subscription interface {
	Close() error
}

type handle struct {
	once    sync.Once
	release func() error
}

func NewSubscription(release func() error) Subscription {
	return &handle{release: release}
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() {
		if h.release != nil {
			err = h.release()
		}
	})
	return err
}

// Lease владеет не более чем одной подпиской и номером сессии.
// Компонент начинает новую сессию при каждом open и сбрасывает ее при close;
// асинхронные продолжения сверяют номер сессии, прежде чем менять состояние.
type Lease struct {
	mu      sync.Mutex
	session uint64
	sub     Subscription
}

// Begin освобождает предыдущую подписку и открывает новую сессию
func (l *Lease) Begin() (uint64, error) {
	l.mu.Lock()
	l.session++
	session := l.session
	prev := l.sub
	l.sub = nil
	l.mu.Unlock()

	if prev != nil {
		return session, prev.Close()
	}
	return session, nil
}

// Attach привязывает подписку к сессии. Если сессия уже неактуальна,
// подписка сразу закрывается и возвращается false.
func (l *Lease) Attach(session uint64, sub Subscription) bool {
	l.mu.Lock()
	if l.session != session {
		l.mu.Unlock()
		_ = sub.Close()
		return false
	}
	l.sub = sub
	l.mu.Unlock()
	return true
}

// Current сообщает, актуальна ли сессия
func (l *Lease) Current(session uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session == session
}

// End завершает текущую сессию и освобождает подписку. Идемпотентен.
func (l *Lease) End() error {
	l.mu.Lock()
	l.session++
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}
