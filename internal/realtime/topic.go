package realtime

import (
	"fmt"
	"strings"
	"time"

	"stay_booking/internal/domain"
	apperrors "stay_booking/pkg/errors"
)

// Topic - имя канала живых событий.
//
//	conversation:<id>:messages  - вставки сообщений одного диалога
//	user:<id>:conversations     - любые изменения инбокса пользователя
type Topic string

type TopicKind string

const (
	TopicKindConversation TopicKind = "conversation"
	TopicKindUser         TopicKind = "user"
)

func ConversationTopic(conversationID string) Topic {
	return Topic(fmt.Sprintf("conversation:%s:messages", conversationID))
}

func UserTopic(userID string) Topic {
	return Topic(fmt.Sprintf("user:%s:conversations", userID))
}

// Parse разбирает топик на тип и идентификатор
func (t Topic) Parse() (TopicKind, string, error) {
	parts := strings.Split(string(t), ":")
	if len(parts) != 3 || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", apperrors.ErrInvalidTopic, string(t))
	}
	switch {
	case parts[0] == string(TopicKindConversation) && parts[2] == "messages":
		return TopicKindConversation, parts[1], nil
	case parts[0] == string(TopicKindUser) && parts[2] == "conversations":
		return TopicKindUser, parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: %q", apperrors.ErrInvalidTopic, string(t))
	}
}

type EventType string

const (
	EventMessageInserted     EventType = "message.inserted"
	EventConversationUpdated EventType = "conversation.updated"

	// Локальные события канала, по сети не передаются.
	// EventResync: канал восстановлен после обрыва, события за время обрыва могли пропасть.
	// EventChannelLost: канал закрыт окончательно, нужен повторный open.
	EventResync      EventType = "channel.resync"
	EventChannelLost EventType = "channel.lost"
)

type Event struct {
	Type           EventType       `json:"type"`
	Topic          Topic           `json:"topic"`
	ConversationID string          `json:"conversation_id"`
	Message        *domain.Message `json:"message,omitempty"`
	At             time.Time       `json:"at"`
}

type Handler func(Event)
