package handler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"stay_booking/internal/middleware"
	"stay_booking/internal/realtime"
	"stay_booking/internal/service"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// createUpgrader разрешает перечисленные origin; "*" - любой
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// WebSocketHandler - живой канал: одно соединение = одна подписка на топик,
// события уходят клиенту JSON-объектами
type WebSocketHandler struct {
	messaging service.MessagingService
	upgrader  websocket.Upgrader
	log       logger.Logger
}

func NewWebSocketHandler(messaging service.MessagingService, allowedOrigins []string, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		messaging: messaging,
		upgrader:  createUpgrader(allowedOrigins),
		log:       log,
	}
}

func (h *WebSocketHandler) HandleRealtime(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	topic := realtime.Topic(c.Query("topic"))

	if err := h.authorizeTopic(ctx, topic, userID); err != nil {
		_ = c.Error(err)
		return
	}

	send := make(chan realtime.Event, sendBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	sub, err := h.messaging.Subscribe(ctx, topic, func(ev realtime.Event) {
		select {
		case send <- ev:
		default:
			// клиент не успевает читать: соединение закрывается, клиент переподпишется
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	h.log.Debug("Realtime subscription opened", "topic", topic, "user_id", userID)
	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, send, overflow, done)
	h.log.Debug("Realtime subscription closed", "topic", topic, "user_id", userID)
}

// readPump только поддерживает keep-alive и замечает закрытие соединения клиентом
func (h *WebSocketHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Realtime connection read error", "error", err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) writePump(conn *websocket.Conn, send <-chan realtime.Event, overflow, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Warn("Realtime write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-overflow:
			h.log.Warn("Realtime client too slow, closing connection")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"),
				time.Now().Add(writeWait))
			return

		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// authorizeTopic: свой пользовательский топик и топики диалогов, где пользователь участник
func (h *WebSocketHandler) authorizeTopic(ctx context.Context, topic realtime.Topic, userID string) error {
	kind, id, err := topic.Parse()
	if err != nil {
		return err
	}

	switch kind {
	case realtime.TopicKindUser:
		if id != userID {
			return fmt.Errorf("%w: topic belongs to another user", apperrors.ErrForbidden)
		}
		return nil
	case realtime.TopicKindConversation:
		return h.messaging.Authorize(ctx, id, userID)
	default:
		return apperrors.ErrInvalidTopic
	}
}
