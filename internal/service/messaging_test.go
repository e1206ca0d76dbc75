package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stay_booking/internal/domain"
	"stay_booking/internal/metrics"
	"stay_booking/internal/realtime"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

// fakeStore подменяет Postgres: диалоги, сообщения и отметки о прочтении в памяти
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Participants
	messages      map[string][]domain.Message
	reads         map[string]time.Time
	profiles      map[string]string
	failCreate    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]domain.Participants),
		messages:      make(map[string][]domain.Message),
		reads:         make(map[string]time.Time),
		profiles:      make(map[string]string),
	}
}

func (f *fakeStore) FindOrCreate(_ context.Context, propertyID string, p domain.Participants) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, existing := range f.conversations {
		if existing == p {
			return id, false, nil
		}
	}
	id := uuid.New().String()
	f.conversations[id] = p
	return id, true, nil
}

func (f *fakeStore) ListForUser(_ context.Context, userID string) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Conversation
	for id, p := range f.conversations {
		if p.Includes(userID) {
			out = append(out, domain.Conversation{ID: id})
		}
	}
	return out, nil
}

func (f *fakeStore) Participants(_ context.Context, conversationID string) (domain.Participants, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.conversations[conversationID]
	if !ok {
		return p, apperrors.ErrConversationNotFound
	}
	return p, nil
}

func (f *fakeStore) MarkRead(_ context.Context, conversationID, userID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	f.reads[conversationID+"/"+userID] = now
	return now, nil
}

func (f *fakeStore) ListByConversation(_ context.Context, conversationID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.Message(nil), f.messages[conversationID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) Create(_ context.Context, m *domain.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return false, f.failCreate
	}
	if m.ClientID != "" {
		for _, existing := range f.messages[m.ConversationID] {
			if existing.ClientID == m.ClientID {
				*m = existing
				return false, nil
			}
		}
	}
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], *m)
	return true, nil
}

func (f *fakeStore) Upsert(_ context.Context, userID, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[userID] = displayName
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recorder) handle(ev realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.events...)
}

type harness struct {
	svc     MessagingService
	store   *fakeStore
	broker  *realtime.MemoryBroker
	metrics *metrics.Metrics
	convID  string
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := newFakeStore()
	broker := realtime.NewMemoryBroker()
	m := metrics.New(prometheus.NewRegistry())
	svc := NewMessagingService(store, store, store, broker, m, logger.Discard())

	convID, err := svc.StartConversation(context.Background(), "prop-1", "guest-1", "host-1")
	require.NoError(t, err)
	return harness{svc: svc, store: store, broker: broker, metrics: m, convID: convID}
}

func (h harness) listen(t *testing.T, topic realtime.Topic) *recorder {
	t.Helper()
	rec := &recorder{}
	sub, err := h.broker.Subscribe(context.Background(), topic, rec.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return rec
}

func TestInsertMessagePublishesToConversationAndParticipants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	convEvents := h.listen(t, realtime.ConversationTopic(h.convID))
	guestEvents := h.listen(t, realtime.UserTopic("guest-1"))
	hostEvents := h.listen(t, realtime.UserTopic("host-1"))

	msg, err := h.svc.InsertMessage(ctx, domain.MessageDraft{
		ConversationID: h.convID,
		SenderID:       "guest-1",
		Content:        domain.TextContent("Hello!"),
		ClientID:       "c-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.True(t, msg.SentBy("guest-1"))
	assert.Equal(t, "c-1", msg.ClientID)

	pushed := convEvents.snapshot()
	require.Len(t, pushed, 1)
	assert.Equal(t, realtime.EventMessageInserted, pushed[0].Type)
	assert.Equal(t, msg.ID, pushed[0].Message.ID)

	require.Len(t, guestEvents.snapshot(), 1)
	require.Len(t, hostEvents.snapshot(), 1)
	assert.Equal(t, realtime.EventConversationUpdated, hostEvents.snapshot()[0].Type)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MessagesInserted))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RealtimePublished.WithLabelValues("message.inserted")))
	// два события от StartConversation в newHarness и два от вставки
	assert.Equal(t, float64(4), testutil.ToFloat64(h.metrics.RealtimePublished.WithLabelValues("conversation.updated")))
}

func TestInsertMessageRetryWithSameClientIDIsNotRepublished(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	convEvents := h.listen(t, realtime.ConversationTopic(h.convID))
	draft := domain.MessageDraft{ConversationID: h.convID, SenderID: "guest-1", Content: domain.TextContent("retry me"), ClientID: "c-9"}

	first, err := h.svc.InsertMessage(ctx, draft)
	require.NoError(t, err)
	second, err := h.svc.InsertMessage(ctx, draft)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, convEvents.snapshot(), 1)

	msgs, err := h.svc.QueryMessages(ctx, h.convID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestInsertMessageValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.InsertMessage(ctx, domain.MessageDraft{ConversationID: h.convID, SenderID: "guest-1", Content: domain.TextContent(" \n ")})
	assert.ErrorIs(t, err, apperrors.ErrEmptyContent)

	_, err = h.svc.InsertMessage(ctx, domain.MessageDraft{ConversationID: h.convID, SenderID: "intruder", Content: domain.TextContent("hi")})
	assert.ErrorIs(t, err, apperrors.ErrNotParticipant)

	_, err = h.svc.InsertMessage(ctx, domain.MessageDraft{ConversationID: "missing", SenderID: "guest-1", Content: domain.TextContent("hi")})
	assert.ErrorIs(t, err, apperrors.ErrConversationNotFound)

	h.store.failCreate = errors.New("disk full")
	_, err = h.svc.InsertMessage(ctx, domain.MessageDraft{ConversationID: h.convID, SenderID: "guest-1", Content: domain.TextContent("hi")})
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.MessagesInserted))
}

func TestAcknowledgeReadPublishesToReaderOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	guestEvents := h.listen(t, realtime.UserTopic("guest-1"))
	hostEvents := h.listen(t, realtime.UserTopic("host-1"))

	require.NoError(t, h.svc.AcknowledgeRead(ctx, h.convID, "host-1"))
	assert.Len(t, hostEvents.snapshot(), 1)
	assert.Empty(t, guestEvents.snapshot())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ReadAcks))

	assert.ErrorIs(t, h.svc.AcknowledgeRead(ctx, h.convID, "intruder"), apperrors.ErrNotParticipant)
}

func TestSubscribeTracksOpenSubscriptions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sub, err := h.svc.Subscribe(ctx, realtime.ConversationTopic(h.convID), func(realtime.Event) {})
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RealtimeSubscriptions))
	assert.Equal(t, 1, h.broker.Subscribers(realtime.ConversationTopic(h.convID)))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.RealtimeSubscriptions))
	assert.Equal(t, 0, h.broker.Subscribers(realtime.ConversationTopic(h.convID)))

	_, err = h.svc.Subscribe(ctx, realtime.Topic("rooms:1"), func(realtime.Event) {})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTopic)
}

func TestStartConversationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	guestEvents := h.listen(t, realtime.UserTopic("guest-1"))

	again, err := h.svc.StartConversation(ctx, "prop-1", "guest-1", "host-1")
	require.NoError(t, err)
	assert.Equal(t, h.convID, again)
	// существующий диалог не порождает событий
	assert.Empty(t, guestEvents.snapshot())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.RealtimePublished.WithLabelValues("conversation.updated")))

	_, err = h.svc.StartConversation(ctx, "prop-1", "host-1", "host-1")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	list, err := h.svc.QueryConversations(ctx, "host-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = h.svc.QueryConversations(ctx, "")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestRegisterProfile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.RegisterProfile(context.Background(), "guest-1", "Anna"))
	assert.Equal(t, "Anna", h.store.profiles["guest-1"])
}
