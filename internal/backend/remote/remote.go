package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"stay_booking/internal/domain"
	"stay_booking/internal/realtime"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

// Client - контракт бэкенда поверх HTTP API и websocket канала cmd/server.
// Пользователь определяется токеном; userID в аргументах сервер не принимает.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
	log        logger.Logger

	reconnectMin      time.Duration
	reconnectMax      time.Duration
	reconnectAttempts int
}

const (
	defaultReconnectMin      = 250 * time.Millisecond
	defaultReconnectMax      = 10 * time.Second
	defaultReconnectAttempts = 8
)

type Option func(*Client)

// WithReconnect задает паузы между попытками переподключения живого канала
// и число попыток, после которого канал считается потерянным
func WithReconnect(minDelay, maxDelay time.Duration, attempts int) Option {
	return func(c *Client) {
		c.reconnectMin = minDelay
		c.reconnectMax = maxDelay
		c.reconnectAttempts = attempts
	}
}

func New(baseURL, token string, timeout time.Duration, log logger.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		log:               log,
		reconnectMin:      defaultReconnectMin,
		reconnectMax:      defaultReconnectMax,
		reconnectAttempts: defaultReconnectAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reconnectMax < c.reconnectMin {
		c.reconnectMax = c.reconnectMin
	}
	return c
}

type sendMessageRequest struct {
	Content  domain.Content `json:"content"`
	ClientID string         `json:"client_id,omitempty"`
}

func (c *Client) QueryConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var conversations []domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, http.StatusOK, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (c *Client) QueryMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var messages []domain.Message
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) InsertMessage(ctx context.Context, draft domain.MessageDraft) (*domain.Message, error) {
	var message domain.Message
	path := "/api/v1/conversations/" + url.PathEscape(draft.ConversationID) + "/messages"
	body := sendMessageRequest{Content: draft.Content, ClientID: draft.ClientID}
	if err := c.do(ctx, http.MethodPost, path, body, http.StatusCreated, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (c *Client) AcknowledgeRead(ctx context.Context, conversationID, userID string) error {
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, http.StatusNoContent, nil)
}

// Subscribe открывает websocket на топик. handler вызывается последовательно
// из горутины чтения. Оборванный канал переподключается с нарастающей паузой;
// после восстановления handler получает EventResync, а если переподключиться
// не удалось - EventChannelLost, и подписка больше ничего не доставляет.
func (c *Client) Subscribe(ctx context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error) {
	if _, _, err := topic.Parse(); err != nil {
		return nil, err
	}

	wsURL, err := c.realtimeURL(topic)
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		client:  c,
		topic:   topic,
		url:     wsURL,
		handler: handler,
		cancel:  cancel,
		conn:    conn,
	}
	go sub.run(runCtx, conn)

	return realtime.NewSubscription(sub.close), nil
}

func (c *Client) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, responseError(resp)
		}
		return nil, fmt.Errorf("failed to open realtime channel: %w", err)
	}
	return conn, nil
}

func (c *Client) realtimeURL(topic realtime.Topic) (string, error) {
	u, err := url.Parse(c.baseURL + "/ws/realtime")
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"topic": {string(topic)}}.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, expected int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// responseError восстанавливает доменную ошибку по статусу ответа
func responseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(raw))
	}
	return fmt.Errorf("%w: server returned %d: %s", apperrors.ErrorFromHTTPStatus(resp.StatusCode), resp.StatusCode, payload.Error)
}
