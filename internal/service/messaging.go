package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stay_booking/internal/domain"
	"stay_booking/internal/metrics"
	"stay_booking/internal/realtime"
	"stay_booking/internal/repository"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

// MessagingService - серверная сторона контракта: запись в Postgres и
// рассылка событий через брокер
type MessagingService interface {
	QueryConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	QueryMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	InsertMessage(ctx context.Context, draft domain.MessageDraft) (*domain.Message, error)
	AcknowledgeRead(ctx context.Context, conversationID, userID string) error
	Subscribe(ctx context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error)
	Authorize(ctx context.Context, conversationID, userID string) error
	StartConversation(ctx context.Context, propertyID, guestID, hostID string) (string, error)
	RegisterProfile(ctx context.Context, userID, displayName string) error
}

type messagingService struct {
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	profileRepo      repository.ProfileRepository
	broker           realtime.Broker
	metrics          *metrics.Metrics
	log              logger.Logger
}

func NewMessagingService(
	conversationRepo repository.ConversationRepository,
	messageRepo repository.MessageRepository,
	profileRepo repository.ProfileRepository,
	broker realtime.Broker,
	m *metrics.Metrics,
	log logger.Logger,
) MessagingService {
	if m == nil {
		m = metrics.New(nil)
	}
	return &messagingService{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		profileRepo:      profileRepo,
		broker:           broker,
		metrics:          m,
		log:              log,
	}
}

func (s *messagingService) QueryConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	if userID == "" {
		return nil, apperrors.ErrUnauthorized
	}
	list, err := s.conversationRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	domain.SortByRecency(list)
	return list, nil
}

func (s *messagingService) QueryMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, err := s.conversationRepo.Participants(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.messageRepo.ListByConversation(ctx, conversationID)
}

func (s *messagingService) InsertMessage(ctx context.Context, draft domain.MessageDraft) (*domain.Message, error) {
	if draft.Content.IsBlank() {
		return nil, apperrors.ErrEmptyContent
	}

	participants, err := s.conversationRepo.Participants(ctx, draft.ConversationID)
	if err != nil {
		return nil, err
	}
	if !participants.Includes(draft.SenderID) {
		return nil, apperrors.ErrNotParticipant
	}

	sender := draft.SenderID
	message := &domain.Message{
		ConversationID: draft.ConversationID,
		SenderID:       &sender,
		Content:        draft.Content,
		ClientID:       draft.ClientID,
	}
	created, err := s.messageRepo.Create(ctx, message)
	if err != nil {
		return nil, err
	}
	if !created {
		s.log.Debug("Duplicate send ignored", "conversation_id", message.ConversationID, "client_id", message.ClientID)
		return message, nil
	}
	s.metrics.MessagesInserted.Inc()

	// строка уже записана: рассылку не прерываем из-за отмены запроса
	pubCtx := context.WithoutCancel(ctx)
	pushed := *message
	s.publish(pubCtx, realtime.Event{
		Type:           realtime.EventMessageInserted,
		Topic:          realtime.ConversationTopic(message.ConversationID),
		ConversationID: message.ConversationID,
		Message:        &pushed,
		At:             message.CreatedAt,
	})
	for _, userID := range participants.IDs() {
		s.publish(pubCtx, realtime.Event{
			Type:           realtime.EventConversationUpdated,
			Topic:          realtime.UserTopic(userID),
			ConversationID: message.ConversationID,
			At:             message.CreatedAt,
		})
	}

	return message, nil
}

func (s *messagingService) AcknowledgeRead(ctx context.Context, conversationID, userID string) error {
	if err := s.Authorize(ctx, conversationID, userID); err != nil {
		return err
	}

	readAt, err := s.conversationRepo.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	s.metrics.ReadAcks.Inc()

	s.publish(context.WithoutCancel(ctx), realtime.Event{
		Type:           realtime.EventConversationUpdated,
		Topic:          realtime.UserTopic(userID),
		ConversationID: conversationID,
		At:             readAt,
	})
	return nil
}

func (s *messagingService) Subscribe(ctx context.Context, topic realtime.Topic, handler realtime.Handler) (realtime.Subscription, error) {
	if _, _, err := topic.Parse(); err != nil {
		return nil, err
	}

	sub, err := s.broker.Subscribe(ctx, topic, handler)
	if err != nil {
		s.log.Error("Failed to subscribe", "error", err, "topic", topic)
		return nil, err
	}
	s.metrics.RealtimeSubscriptions.Inc()

	return realtime.NewSubscription(func() error {
		s.metrics.RealtimeSubscriptions.Dec()
		return sub.Close()
	}), nil
}

func (s *messagingService) Authorize(ctx context.Context, conversationID, userID string) error {
	participants, err := s.conversationRepo.Participants(ctx, conversationID)
	if err != nil {
		return err
	}
	if !participants.Includes(userID) {
		return apperrors.ErrNotParticipant
	}
	return nil
}

// StartConversation возвращает диалог гостя с хостом по объекту, создавая его при первом обращении
func (s *messagingService) StartConversation(ctx context.Context, propertyID, guestID, hostID string) (string, error) {
	propertyID = strings.TrimSpace(propertyID)
	hostID = strings.TrimSpace(hostID)
	if guestID == "" || hostID == "" || guestID == hostID {
		return "", fmt.Errorf("%w: guest and host must be different users", apperrors.ErrBadRequest)
	}

	id, created, err := s.conversationRepo.FindOrCreate(ctx, propertyID, domain.Participants{GuestID: guestID, HostID: hostID})
	if err != nil {
		return "", err
	}
	if !created {
		return id, nil
	}

	now := time.Now().UTC()
	ctx = context.WithoutCancel(ctx)
	for _, userID := range []string{guestID, hostID} {
		s.publish(ctx, realtime.Event{
			Type:           realtime.EventConversationUpdated,
			Topic:          realtime.UserTopic(userID),
			ConversationID: id,
			At:             now,
		})
	}
	return id, nil
}

func (s *messagingService) RegisterProfile(ctx context.Context, userID, displayName string) error {
	return s.profileRepo.Upsert(ctx, userID, displayName)
}

func (s *messagingService) publish(ctx context.Context, event realtime.Event) {
	if err := s.broker.Publish(ctx, event); err != nil {
		s.log.Warn("Failed to publish realtime event", "error", err, "topic", event.Topic, "event", event.Type)
		return
	}
	s.metrics.RealtimePublished.WithLabelValues(string(event.Type)).Inc()
}
