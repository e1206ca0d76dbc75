package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"stay_booking/internal/domain"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

type MessageRepository interface {
	ListByConversation(ctx context.Context, conversationID string) ([]domain.Message, error)
	// Create записывает сообщение и превью диалога в одной транзакции.
	// created=false, если строка с тем же client_id уже была; тогда message
	// заполняется сохраненной ранее строкой.
	Create(ctx context.Context, message *domain.Message) (created bool, err error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	query := `
		SELECT id::text, conversation_id::text, sender_id, content, COALESCE(client_id, ''), created_at, edited_at
		FROM messages
		WHERE conversation_id = $1::uuid
		ORDER BY created_at, id
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, apperrors.ErrConversationNotFound
		}
		r.log.Error("Failed to get messages", "error", err, "conversation_id", conversationID)
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ClientID, &m.CreatedAt, &m.EditedAt)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		r.log.Error("Failed to iterate messages", "error", err)
		return nil, err
	}

	return messages, nil
}

func (r *messageRepository) Create(ctx context.Context, message *domain.Message) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin transaction", "error", err)
		return false, err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO messages (id, conversation_id, sender_id, content, client_id)
		VALUES ($1, $2::uuid, $3, $4, $5)
		ON CONFLICT (conversation_id, client_id) WHERE client_id IS NOT NULL DO NOTHING
		RETURNING id::text, created_at
	`

	var clientID *string
	if message.ClientID != "" {
		clientID = &message.ClientID
	}

	created := true
	err = tx.QueryRow(ctx, insert,
		uuid.New(), message.ConversationID, message.SenderID, message.Content, clientID,
	).Scan(&message.ID, &message.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// повтор отправки: возвращаем уже записанную строку
		created = false
		err = tx.QueryRow(ctx, `
			SELECT id::text, sender_id, content, created_at, edited_at
			FROM messages
			WHERE conversation_id = $1::uuid AND client_id = $2
		`, message.ConversationID, message.ClientID).Scan(
			&message.ID, &message.SenderID, &message.Content, &message.CreatedAt, &message.EditedAt,
		)
	}
	if err != nil {
		r.log.Error("Failed to create message", "error", err, "conversation_id", message.ConversationID)
		return false, fmt.Errorf("failed to create message: %w", err)
	}

	if created {
		update := `
			UPDATE conversations
			SET last_message = $2, last_message_at = $3, updated_at = $3
			WHERE id = $1::uuid AND (last_message_at IS NULL OR last_message_at <= $3)
		`
		if _, err := tx.Exec(ctx, update, message.ConversationID, message.Content, message.CreatedAt); err != nil {
			r.log.Error("Failed to update conversation preview", "error", err, "conversation_id", message.ConversationID)
			return false, fmt.Errorf("failed to update conversation preview: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.Error("Failed to commit message", "error", err)
		return false, err
	}
	return created, nil
}
