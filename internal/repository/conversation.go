package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"stay_booking/internal/domain"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

type ConversationRepository interface {
	// FindOrCreate возвращает id диалога и created = true, если строка вставлена этим вызовом
	FindOrCreate(ctx context.Context, propertyID string, participants domain.Participants) (id string, created bool, err error)
	ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error)
	Participants(ctx context.Context, conversationID string) (domain.Participants, error)
	MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error)
}

type conversationRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

func (r *conversationRepository) FindOrCreate(ctx context.Context, propertyID string, participants domain.Participants) (string, bool, error) {
	// DO UPDATE без изменений нужен, чтобы RETURNING вернул существующую строку;
	// xmax = 0 только у только что вставленной версии строки
	query := `
		INSERT INTO conversations (id, property_id, guest_id, host_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (property_id, guest_id, host_id)
		DO UPDATE SET property_id = EXCLUDED.property_id
		RETURNING id::text, (xmax = 0) AS created
	`

	var (
		id      string
		created bool
	)
	err := r.db.QueryRow(ctx, query, uuid.New(), propertyID, participants.GuestID, participants.HostID).Scan(&id, &created)
	if err != nil {
		r.log.Error("Failed to find or create conversation", "error", err, "property_id", propertyID)
		return "", false, fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, created, nil
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	query := `
		SELECT c.id::text, c.property_id, o.id, COALESCE(p.display_name, o.id),
		       c.last_message, c.last_message_at, c.updated_at,
		       EXISTS (
		           SELECT 1 FROM messages m
		           WHERE m.conversation_id = c.id
		             AND m.sender_id IS DISTINCT FROM $1
		             AND m.created_at > COALESCE(cr.last_read_at, '-infinity'::timestamptz)
		       ) AS is_unread
		FROM conversations c
		CROSS JOIN LATERAL (
		    SELECT CASE WHEN c.guest_id = $1 THEN c.host_id ELSE c.guest_id END AS id
		) o
		LEFT JOIN profiles p ON p.id = o.id
		LEFT JOIN conversation_reads cr ON cr.conversation_id = c.id AND cr.user_id = $1
		WHERE c.guest_id = $1 OR c.host_id = $1
		ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to list conversations", "error", err, "user_id", userID)
		return nil, err
	}
	defer rows.Close()

	conversations := make([]domain.Conversation, 0)
	for rows.Next() {
		var c domain.Conversation
		err := rows.Scan(
			&c.ID, &c.PropertyID, &c.OtherParticipantID, &c.OtherParticipantName,
			&c.LastMessage, &c.LastMessageAt, &c.UpdatedAt, &c.IsUnread,
		)
		if err != nil {
			r.log.Error("Failed to scan conversation", "error", err)
			return nil, err
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		r.log.Error("Failed to iterate conversations", "error", err)
		return nil, err
	}

	return conversations, nil
}

func (r *conversationRepository) Participants(ctx context.Context, conversationID string) (domain.Participants, error) {
	query := `
		SELECT guest_id, host_id
		FROM conversations
		WHERE id = $1::uuid
	`

	var p domain.Participants
	err := r.db.QueryRow(ctx, query, conversationID).Scan(&p.GuestID, &p.HostID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return p, apperrors.ErrConversationNotFound
		}
		r.log.Error("Failed to get conversation participants", "error", err, "conversation_id", conversationID)
		return p, err
	}
	return p, nil
}

func (r *conversationRepository) MarkRead(ctx context.Context, conversationID, userID string) (time.Time, error) {
	query := `
		INSERT INTO conversation_reads (conversation_id, user_id, last_read_at)
		VALUES ($1::uuid, $2, clock_timestamp())
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET last_read_at = GREATEST(conversation_reads.last_read_at, EXCLUDED.last_read_at)
		RETURNING last_read_at
	`

	var readAt time.Time
	err := r.db.QueryRow(ctx, query, conversationID, userID).Scan(&readAt)
	if err != nil {
		r.log.Error("Failed to mark conversation read", "error", err, "conversation_id", conversationID)
		return time.Time{}, err
	}
	return readAt, nil
}

// isInvalidUUID - id пришел не в формате UUID (22P02 = invalid_text_representation)
func isInvalidUUID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
