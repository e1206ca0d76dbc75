package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"stay_booking/internal/domain"
	"stay_booking/internal/realtime"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

// Participant - участник диалога (гость или хост)
type Participant struct {
	ID   string
	Name string
}

// Hooks позволяют тестам вмешаться в вызов до его выполнения:
// заблокировать его, чтобы проверить промежуточное состояние, или вернуть ошибку.
type Hooks struct {
	BeforeQueryConversations func(ctx context.Context, userID string) error
	BeforeQueryMessages      func(ctx context.Context, conversationID string) error
	BeforeInsert             func(ctx context.Context, draft domain.MessageDraft) error
	BeforeAcknowledgeRead    func(ctx context.Context, conversationID, userID string) error
	BeforeSubscribe          func(ctx context.Context, topic realtime.Topic) error
}

type conversation struct {
	id            string
	propertyID    string
	participants  [2]Participant
	lastMessage   *domain.Content
	lastMessageAt *time.Time
	updatedAt     time.Time
}

// Backend - реализация контракта в памяти процесса: для разработки без Postgres и для тестов
type Backend struct {
	broker realtime.Broker
	log    logger.Logger

	mu            sync.Mutex
	hooks         Hooks
	conversations map[string]*conversation
	messages      map[string][]domain.Message
	reads         map[string]map[string]time.Time
	profiles      map[string]string
	lastTS        time.Time
	calls         map[string]int

	deliveryMu sync.Mutex
	paused     bool
	queued     []realtime.Event
}

func New(broker realtime.Broker, log logger.Logger) *Backend {
	if broker == nil {
		broker = realtime.NewMemoryBroker()
	}
	return &Backend{
		broker:        broker,
		log:           log,
		conversations: make(map[string]*conversation),
		messages:      make(map[string][]domain.Message),
		reads:         make(map[string]map[string]time.Time),
		profiles:      make(map[string]string),
		calls:         make(map[string]int),
	}
}

func (b *Backend) SetHooks(h Hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

// Calls - сколько раз вызывался метод контракта (по имени метода)
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// TotalCalls - суммарное число обращений к контракту
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

// CreateConversation заводит диалог гостя и хоста по объекту размещения
func (b *Backend) CreateConversation(propertyID string, guest, host Participant) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.conversations[id] = &conversation{
		id:           id,
		propertyID:   propertyID,
		participants: [2]Participant{guest, host},
		updatedAt:    b.nowLocked(),
	}
	return id
}

// StartConversation возвращает диалог гостя с хостом по объекту, создавая его при первом обращении
func (b *Backend) StartConversation(ctx context.Context, propertyID, guestID, hostID string) (string, error) {
	propertyID = strings.TrimSpace(propertyID)
	hostID = strings.TrimSpace(hostID)
	if guestID == "" || hostID == "" || guestID == hostID {
		return "", fmt.Errorf("%w: guest and host must be different users", apperrors.ErrBadRequest)
	}

	b.mu.Lock()
	id := ""
	for _, c := range b.conversations {
		if c.propertyID == propertyID && c.participants[0].ID == guestID && c.participants[1].ID == hostID {
			id = c.id
			break
		}
	}
	var at time.Time
	if id == "" {
		id = uuid.New().String()
		at = b.nowLocked()
		b.conversations[id] = &conversation{
			id:           id,
			propertyID:   propertyID,
			participants: [2]Participant{{ID: guestID}, {ID: hostID}},
			updatedAt:    at,
		}
	}
	b.mu.Unlock()

	if !at.IsZero() {
		for _, userID := range []string{guestID, hostID} {
			b.publish(ctx, realtime.Event{
				Type:           realtime.EventConversationUpdated,
				Topic:          realtime.UserTopic(userID),
				ConversationID: id,
				At:             at,
			})
		}
	}
	return id, nil
}

// RegisterProfile запоминает отображаемое имя пользователя
func (b *Backend) RegisterProfile(ctx context.Context, userID, displayName string) error {
	displayName = strings.TrimSpace(displayName)
	if userID == "" || displayName == "" {
		return nil
	}
	b.mu.Lock()
	b.profiles[userID] = displayName
	b.mu.Unlock()
	return nil
}

// PauseDelivery копит события вместо доставки до ResumeDelivery
func (b *Backend) PauseDelivery() {
	b.deliveryMu.Lock()
	b.paused = true
	b.deliveryMu.Unlock()
}

func (b *Backend) ResumeDelivery(ctx context.Context) error {
	b.deliveryMu.Lock()
	b.paused = false
	queued := b.queued
	b.queued = nil
	b.deliveryMu.Unlock()

	for _, event := range queued {
		if err := b.broker.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) QueryConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	hooks := b.track("QueryConversations")
	if hooks.BeforeQueryConversations != nil {
		if err := hooks.BeforeQueryConversations(ctx, userID); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := make([]domain.Conversation, 0)
	for _, c := range b.conversations {
		other, ok := c.other(userID)
		if !ok {
			continue
		}
		list = append(list, domain.Conversation{
			ID:                   c.id,
			PropertyID:           c.propertyID,
			OtherParticipantID:   other.ID,
			OtherParticipantName: b.displayNameLocked(other),
			LastMessage:          c.lastMessage,
			LastMessageAt:        c.lastMessageAt,
			IsUnread:             b.unreadLocked(c.id, userID),
			UpdatedAt:            c.updatedAt,
		})
	}
	domain.SortByRecency(list)
	return list, nil
}

func (b *Backend) QueryMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	hooks := b.track("QueryMessages")
	if hooks.BeforeQueryMessages != nil {
		if err := hooks.BeforeQueryMessages(ctx, conversationID); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.conversations[conversationID]; !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	out := make([]domain.Message, len(b.messages[conversationID]))
	copy(out, b.messages[conversationID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) InsertMessage(ctx context.Context, draft domain.MessageDraft) (*domain.Message, error) {
	hooks := b.track("InsertMessage")
	if hooks.BeforeInsert != nil {
		if err := hooks.BeforeInsert(ctx, draft); err != nil {
			return nil, err
		}
	}
	if draft.Content.IsBlank() {
		return nil, apperrors.ErrEmptyContent
	}

	sender := draft.SenderID
	return b.insert(ctx, draft.ConversationID, &sender, draft.Content, draft.ClientID)
}

// InsertSystemMessage добавляет сообщение без автора (например, о подтверждении брони)
func (b *Backend) InsertSystemMessage(ctx context.Context, conversationID string, content domain.Content) (*domain.Message, error) {
	return b.insert(ctx, conversationID, nil, content, "")
}

func (b *Backend) insert(ctx context.Context, conversationID string, sender *string, content domain.Content, clientID string) (*domain.Message, error) {
	b.mu.Lock()
	c, ok := b.conversations[conversationID]
	if !ok {
		b.mu.Unlock()
		return nil, apperrors.ErrConversationNotFound
	}
	if sender != nil {
		if _, ok := c.other(*sender); !ok {
			b.mu.Unlock()
			return nil, apperrors.ErrNotParticipant
		}
	}

	if clientID != "" {
		for _, existing := range b.messages[c.id] {
			if existing.ClientID == clientID {
				b.mu.Unlock()
				dup := existing
				return &dup, nil
			}
		}
	}

	msg := domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       sender,
		Content:        content,
		ClientID:       clientID,
		CreatedAt:      b.nowLocked(),
	}
	b.messages[c.id] = append(b.messages[c.id], msg)
	createdAt := msg.CreatedAt
	c.lastMessage = &content
	c.lastMessageAt = &createdAt
	c.updatedAt = createdAt
	participants := c.participants
	b.mu.Unlock()

	b.publish(ctx, realtime.Event{
		Type:           realtime.EventMessageInserted,
		Topic:          realtime.ConversationTopic(conversationID),
		ConversationID: conversationID,
		Message:        &msg,
		At:             createdAt,
	})
	for _, p := range participants {
		b.publish(ctx, realtime.Event{
			Type:           realtime.EventConversationUpdated,
			Topic:          realtime.UserTopic(p.ID),
			ConversationID: conversationID,
			At:             createdAt,
		})
	}

	saved := msg
	return &saved, nil
}

func (b *Backend) AcknowledgeRead(ctx context.Context, conversationID, userID string) error {
	hooks := b.track("AcknowledgeRead")
	if hooks.BeforeAcknowledgeRead != nil {
		if err := hooks.BeforeAcknowledgeRead(ctx, conversationID, userID); err != nil {
			return err
		}
	}

	b.mu.Lock()
	c, ok := b.conversations[conversationID]
	if !ok {
		b.mu.Unlock()
		return apperrors.ErrConversationNotFound
	}
	if _, ok := c.other(userID); !ok {
		b.mu.Unlock()
		return apperrors.ErrNotParticipant
	}
	if b.reads[conversationID] == nil {
		b.reads[conversationID] = make(map[string]time.Time)
	}
	at := b.nowLocked()
	b.reads[conversationID][userID] = at
	b.mu.Unlock()

	b.publish(ctx, realtime.Event{
		Type:           realtime.EventConversationUpdated,
		Topic:          realtime.UserTopic(userID),
		ConversationID: conversationID,
		At:             at,
	})
	return nil
}

func (b *Backend) Subscribe(ctx context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error) {
	hooks := b.track("Subscribe")
	if hooks.BeforeSubscribe != nil {
		if err := hooks.BeforeSubscribe(ctx, topic); err != nil {
			return nil, err
		}
	}
	if _, _, err := topic.Parse(); err != nil {
		return nil, err
	}
	return b.broker.Subscribe(ctx, topic, handler)
}

// Authorize проверяет, что пользователь участвует в диалоге
func (b *Backend) Authorize(ctx context.Context, conversationID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conversations[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	if _, ok := c.other(userID); !ok {
		return apperrors.ErrNotParticipant
	}
	return nil
}

func (b *Backend) track(method string) Hooks {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[method]++
	return b.hooks
}

func (b *Backend) publish(ctx context.Context, event realtime.Event) {
	b.deliveryMu.Lock()
	if b.paused {
		b.queued = append(b.queued, event)
		b.deliveryMu.Unlock()
		return
	}
	b.deliveryMu.Unlock()

	if err := b.broker.Publish(ctx, event); err != nil {
		b.log.Warn("Failed to publish event", "error", err, "topic", event.Topic)
	}
}

// nowLocked выдает строго возрастающие метки времени
func (b *Backend) nowLocked() time.Time {
	now := time.Now().UTC()
	if !now.After(b.lastTS) {
		now = b.lastTS.Add(time.Microsecond)
	}
	b.lastTS = now
	return now
}

func (b *Backend) displayNameLocked(p Participant) string {
	if name := b.profiles[p.ID]; name != "" {
		return name
	}
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func (b *Backend) unreadLocked(conversationID, userID string) bool {
	readAt, hasRead := b.reads[conversationID][userID]
	for _, m := range b.messages[conversationID] {
		if m.SentBy(userID) {
			continue
		}
		if !hasRead || m.CreatedAt.After(readAt) {
			return true
		}
	}
	return false
}

func (c *conversation) other(userID string) (Participant, bool) {
	switch userID {
	case c.participants[0].ID:
		return c.participants[1], true
	case c.participants[1].ID:
		return c.participants[0], true
	default:
		return Participant{}, false
	}
}
