package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"stay_booking/internal/realtime"
	apperrors "stay_booking/pkg/errors"
)

// subscription - один топик поверх websocket, переживающий обрывы соединения
type subscription struct {
	client  *Client
	topic   realtime.Topic
	url     string
	handler realtime.Handler
	cancel  context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	log := s.client.log
	for {
		err := s.read(conn)
		if ctx.Err() != nil {
			return
		}
		log.Warn("Realtime channel lost, reconnecting", "error", err, "topic", s.topic)

		conn, err = s.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Realtime channel closed", "error", err, "topic", s.topic)
			s.handler(realtime.Event{Type: realtime.EventChannelLost, Topic: s.topic, At: time.Now()})
			return
		}
		log.Info("Realtime channel restored", "topic", s.topic)
		s.handler(realtime.Event{Type: realtime.EventResync, Topic: s.topic, At: time.Now()})
	}
}

func (s *subscription) read(conn *websocket.Conn) error {
	defer conn.Close()
	for {
		var ev realtime.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		if ev.Type == realtime.EventResync || ev.Type == realtime.EventChannelLost {
			// локальные события с сервера не принимаются
			continue
		}
		s.handler(ev)
	}
}

func (s *subscription) reconnect(ctx context.Context) (*websocket.Conn, error) {
	delay := s.client.reconnectMin
	var lastErr error
	for attempt := 1; attempt <= s.client.reconnectAttempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		conn, err := s.client.dial(ctx, s.url)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = conn.Close()
				return nil, context.Canceled
			}
			s.conn = conn
			s.mu.Unlock()
			return conn, nil
		}
		lastErr = err
		if permanent(err) {
			return nil, err
		}
		s.client.log.Debug("Realtime reconnect failed", "error", err, "attempt", attempt, "topic", s.topic)

		delay *= 2
		if delay > s.client.reconnectMax {
			delay = s.client.reconnectMax
		}
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", s.client.reconnectAttempts, lastErr)
}

func (s *subscription) close() error {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// permanent - повторная попытка ничего не изменит: доступ отозван или топик неверен
func permanent(err error) bool {
	return errors.Is(err, apperrors.ErrUnauthorized) ||
		errors.Is(err, apperrors.ErrForbidden) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrBadRequest)
}
