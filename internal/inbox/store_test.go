package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stay_booking/internal/backend/memory"
	"stay_booking/internal/chat"
	"stay_booking/internal/domain"
	"stay_booking/internal/realtime"
	apperrors "stay_booking/pkg/errors"
	"stay_booking/pkg/logger"
)

var (
	guest = memory.Participant{ID: "guest-1", Name: "anna@example.com"}
	host  = memory.Participant{ID: "host-1", Name: "mark@example.com"}
)

const waitFor = 2 * time.Second

// scriptedBackend отвечает на QueryConversations по сценарию теста,
// остальное делегирует памяти
type scriptedBackend struct {
	*memory.Backend

	mu    sync.Mutex
	calls int
	query func(call int) ([]domain.Conversation, error)
}

func (b *scriptedBackend) QueryConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	query := b.query
	b.mu.Unlock()
	return query(call)
}

func (b *scriptedBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func conv(id string) domain.Conversation {
	return domain.Conversation{ID: id, UpdatedAt: time.Now()}
}

func convIDs(list []domain.Conversation) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func TestStoreInertWithoutUser(t *testing.T) {
	ctx := context.Background()
	b := memory.New(nil, logger.Discard())
	s := NewStore(b, logger.Discard(), Options{})

	require.NoError(t, s.Open(ctx, ""))
	list, err := s.Refresh(ctx)
	assert.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, s.Conversations())
	assert.NoError(t, s.Err())
	require.NoError(t, s.Close())

	assert.Equal(t, 0, b.TotalCalls())
}

func TestStoreOpenLoadsSortedConversations(t *testing.T) {
	ctx := context.Background()
	b := memory.New(nil, logger.Discard())
	older := b.CreateConversation("prop-1", guest, host)
	newer := b.CreateConversation("prop-2", guest, host)
	_, err := b.InsertMessage(ctx, domain.MessageDraft{ConversationID: older, SenderID: host.ID, Content: domain.TextContent("first")})
	require.NoError(t, err)
	_, err = b.InsertMessage(ctx, domain.MessageDraft{ConversationID: newer, SenderID: host.ID, Content: domain.TextContent("second")})
	require.NoError(t, err)

	s := NewStore(b, logger.Discard(), Options{})
	require.NoError(t, s.Open(ctx, guest.ID))
	defer s.Close()

	list := s.Conversations()
	assert.Equal(t, []string{newer, older}, convIDs(list))
	assert.Equal(t, host.Name, list[0].OtherParticipantName)
	assert.True(t, list[0].IsUnread)
	assert.Equal(t, "second", list[0].LastMessage.Preview())
}

func TestStoreLastIssuedRefreshWins(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	b := &scriptedBackend{Backend: memory.New(nil, logger.Discard())}
	b.query = func(call int) ([]domain.Conversation, error) {
		switch call {
		case 1:
			return []domain.Conversation{conv("initial")}, nil
		case 2:
			close(entered)
			<-release
			return []domain.Conversation{conv("stale")}, nil
		default:
			return []domain.Conversation{conv("fresh")}, nil
		}
	}

	s := NewStore(b, logger.Discard(), Options{})
	require.NoError(t, s.Open(ctx, guest.ID))
	defer s.Close()

	slow := make(chan []domain.Conversation, 1)
	go func() {
		list, _ := s.Refresh(ctx)
		slow <- list
	}()
	<-entered
	assert.True(t, s.Snapshot().Loading)

	fast, err := s.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, convIDs(fast))

	close(release)
	assert.Equal(t, []string{"fresh"}, convIDs(<-slow))
	assert.Equal(t, []string{"fresh"}, convIDs(s.Conversations()))
	assert.False(t, s.Snapshot().Loading)
}

func TestStoreFailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	b := &scriptedBackend{Backend: memory.New(nil, logger.Discard())}
	b.query = func(call int) ([]domain.Conversation, error) {
		if call == 2 {
			return nil, errors.New("timeout")
		}
		return []domain.Conversation{conv("c1"), conv("c2")}, nil
	}

	s := NewStore(b, logger.Discard(), Options{})
	require.NoError(t, s.Open(ctx, guest.ID))
	defer s.Close()

	_, err := s.Refresh(ctx)
	require.Error(t, err)
	snap := s.Snapshot()
	assert.Equal(t, []string{"c1", "c2"}, convIDs(snap.Conversations))
	assert.Contains(t, snap.Error, "timeout")

	_, err = s.Refresh(ctx)
	require.NoError(t, err)
	assert.NoError(t, s.Err())
	assert.Empty(t, s.Snapshot().Error)
}

func TestStoreInitialFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	b := memory.New(nil, logger.Discard())
	b.CreateConversation("prop-1", guest, host)
	b.SetHooks(memory.Hooks{
		BeforeQueryConversations: func(context.Context, string) error { return errors.New("offline") },
	})

	s := NewStore(b, logger.Discard(), Options{})
	require.Error(t, s.Open(ctx, guest.ID))
	assert.Empty(t, s.Conversations())
	assert.Contains(t, s.Snapshot().Error, "offline")

	b.SetHooks(memory.Hooks{})
	list, err := s.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, s.Close())
}

func TestStorePassiveRefreshOnLiveChange(t *testing.T) {
	ctx := context.Background()
	b := memory.New(nil, logger.Discard())
	convID := b.CreateConversation("prop-1", guest, host)

	s := NewStore(b, logger.Discard(), Options{})
	require.NoError(t, s.Open(ctx, host.ID))
	defer s.Close()
	require.Nil(t, s.Conversations()[0].LastMessage)

	_, err := b.InsertMessage(ctx, domain.MessageDraft{ConversationID: convID, SenderID: guest.ID, Content: domain.TextContent("Is the sauna working?")})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		list := s.Conversations()
		return len(list) == 1 && list[0].LastMessage != nil && list[0].IsUnread
	}, waitFor, 10*time.Millisecond)
}

func TestStoreCloseDropsInFlightRefresh(t *testing.T) {
	ctx := context.Background()
	broker := realtime.NewMemoryBroker()
	entered := make(chan struct{})
	release := make(chan struct{})
	b := &scriptedBackend{Backend: memory.New(broker, logger.Discard())}
	b.query = func(call int) ([]domain.Conversation, error) {
		if call == 2 {
			close(entered)
			<-release
		}
		return []domain.Conversation{conv("c1")}, nil
	}

	s := NewStore(b, logger.Discard(), Options{})
	require.NoError(t, s.Open(ctx, guest.ID))
	assert.Equal(t, 1, broker.Subscribers(realtime.UserTopic(guest.ID)))

	done := make(chan struct{})
	go func() {
		_, _ = s.Refresh(ctx)
		close(done)
	}()
	<-entered

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, broker.Subscribers(realtime.UserTopic(guest.ID)))

	close(release)
	<-done
	assert.Empty(t, s.Conversations())

	list, err := s.Refresh(ctx)
	assert.NoError(t, err)
	assert.Empty(t, list)
}

func TestUnreadFlipsAfterChatBecomesReady(t *testing.T) {
	ctx := context.Background()
	b := memory.New(nil, logger.Discard())
	convID := b.CreateConversation("prop-1", guest, host)
	_, err := b.InsertMessage(ctx, domain.MessageDraft{ConversationID: convID, SenderID: guest.ID, Content: domain.TextContent("Can I bring a dog?")})
	require.NoError(t, err)

	s := NewStore(b, logger.Discard(), Options{})
	require.NoError(t, s.Open(ctx, host.ID))
	defer s.Close()
	require.True(t, s.Conversations()[0].IsUnread)

	stream := chat.NewStream(b, logger.Discard(), chat.Options{})
	require.NoError(t, stream.Open(ctx, convID, host.ID))
	defer stream.Close()
	require.Equal(t, chat.StateReady, stream.State())

	// отметка о прочтении уходит в фоне после перехода в Ready
	assert.Eventually(t, func() bool {
		list, err := s.Refresh(ctx)
		return err == nil && len(list) == 1 && !list[0].IsUnread
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, b.Calls("AcknowledgeRead"))
}

func TestStoreCoalescesBurstOfLiveEvents(t *testing.T) {
	ctx := context.Background()
	broker := realtime.NewMemoryBroker()
	entered := make(chan struct{})
	release := make(chan struct{})
	b := &scriptedBackend{Backend: memory.New(broker, logger.Discard())}
	b.query = func(call int) ([]domain.Conversation, error) {
		switch call {
		case 1:
			return []domain.Conversation{conv("initial")}, nil
		case 2:
			close(entered)
			<-release
			return []domain.Conversation{conv("stale")}, nil
		default:
			return []domain.Conversation{conv("fresh")}, nil
		}
	}

	s := NewStore(b, logger.Discard(), Options{})
	require.NoError(t, s.Open(ctx, guest.ID))
	defer s.Close()

	topic := realtime.UserTopic(guest.ID)
	for i := 0; i < 10; i++ {
		require.NoError(t, broker.Publish(ctx, realtime.Event{Type: realtime.EventConversationUpdated, Topic: topic}))
	}
	<-entered
	close(release)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"fresh"}, convIDs(s.Conversations()))
	}, waitFor, 10*time.Millisecond)
	assert.Never(t, func() bool { return b.count() > 3 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 3, b.count())
}

func TestStoreResyncRefreshesAndChannelLossIsReported(t *testing.T) {
	ctx := context.Background()
	broker := realtime.NewMemoryBroker()
	b := &scriptedBackend{Backend: memory.New(broker, logger.Discard())}
	b.query = func(call int) ([]domain.Conversation, error) {
		return []domain.Conversation{conv(fmt.Sprintf("c%d", call))}, nil
	}

	s := NewStore(b, logger.Discard(), Options{})
	require.NoError(t, s.Open(ctx, guest.ID))
	defer s.Close()
	topic := realtime.UserTopic(guest.ID)

	require.NoError(t, broker.Publish(ctx, realtime.Event{Type: realtime.EventResync, Topic: topic}))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"c2"}, convIDs(s.Conversations()))
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, broker.Publish(ctx, realtime.Event{Type: realtime.EventChannelLost, Topic: topic}))
	assert.ErrorIs(t, s.Err(), apperrors.ErrChannelLost)
	assert.Equal(t, []string{"c2"}, convIDs(s.Conversations()))

	// ручное обновление работает, но без канала ошибка остается
	list, err := s.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, convIDs(list))
	assert.ErrorIs(t, s.Err(), apperrors.ErrChannelLost)

	require.NoError(t, s.Open(ctx, guest.ID))
	assert.NoError(t, s.Err())
}
