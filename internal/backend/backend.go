package backend

import (
	"context"

	"stay_booking/internal/domain"
	"stay_booking/internal/realtime"
)

// Backend - все, что инбоксу и чату нужно от сервера
type Backend interface {
	// QueryConversations возвращает диалоги пользователя, новые первыми
	QueryConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// QueryMessages возвращает всю историю диалога по возрастанию created_at
	QueryMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// InsertMessage записывает сообщение и возвращает сохраненную строку с id и временем
	InsertMessage(ctx context.Context, draft domain.MessageDraft) (*domain.Message, error)

	// AcknowledgeRead отмечает диалог прочитанным для userID
	AcknowledgeRead(ctx context.Context, conversationID, userID string) error

	// Subscribe открывает живой канал; вызывающий обязан закрыть подписку
	Subscribe(ctx context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error)
}
