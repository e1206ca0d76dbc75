package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "stay_booking/pkg/errors"
)

func TestTopicParse(t *testing.T) {
	kind, id, err := ConversationTopic("c-1").Parse()
	require.NoError(t, err)
	assert.Equal(t, TopicKindConversation, kind)
	assert.Equal(t, "c-1", id)

	kind, id, err = UserTopic("u-1").Parse()
	require.NoError(t, err)
	assert.Equal(t, TopicKindUser, kind)
	assert.Equal(t, "u-1", id)

	for _, bad := range []Topic{"", "user::conversations", "user:u-1:messages", "room:1:messages", "a:b"} {
		_, _, err := bad.Parse()
		assert.ErrorIs(t, err, apperrors.ErrInvalidTopic, string(bad))
	}
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "stay_booking.user.u-1.conversations", channelName(UserTopic("u-1")))
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	var releases int32
	sub := NewSubscription(func() error {
		if atomic.AddInt32(&releases, 1) > 1 {
			return errors.New("released twice")
		}
		return nil
	})

	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&releases))
}

func TestMemoryBrokerDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	topic := ConversationTopic("c-1")

	var got []Event
	sub, err := b.Subscribe(ctx, topic, func(e Event) { got = append(got, e) })
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers(topic))

	require.NoError(t, b.Publish(ctx, Event{Type: EventMessageInserted, Topic: topic}))
	require.NoError(t, b.Publish(ctx, Event{Type: EventMessageInserted, Topic: ConversationTopic("other")}))
	assert.Len(t, got, 1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, b.Subscribers(topic))

	require.NoError(t, b.Publish(ctx, Event{Type: EventMessageInserted, Topic: topic}))
	assert.Len(t, got, 1)
}

func TestMemoryBrokerHandlerMaySubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	topic := UserTopic("u-1")

	var inner Subscription
	_, err := b.Subscribe(ctx, topic, func(Event) {
		inner, _ = b.Subscribe(ctx, topic, func(Event) {})
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Event{Topic: topic}))
	require.NotNil(t, inner)
	assert.Equal(t, 2, b.Subscribers(topic))
}

func TestLeaseSessions(t *testing.T) {
	var lease Lease
	var closed int32
	sub := NewSubscription(func() error { atomic.AddInt32(&closed, 1); return nil })

	s1, err := lease.Begin()
	require.NoError(t, err)
	assert.True(t, lease.Current(s1))
	assert.True(t, lease.Attach(s1, sub))

	s2, err := lease.Begin()
	require.NoError(t, err)
	assert.False(t, lease.Current(s1))
	assert.True(t, lease.Current(s2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&closed))

	late := NewSubscription(func() error { atomic.AddInt32(&closed, 1); return nil })
	assert.False(t, lease.Attach(s1, late))
	assert.Equal(t, int32(2), atomic.LoadInt32(&closed))

	require.NoError(t, lease.End())
	require.NoError(t, lease.End())
	assert.False(t, lease.Current(s2))
}
