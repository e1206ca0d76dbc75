package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stay_booking/pkg/logger"
)

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounter) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.counts[key]++
	return f.counts[key], window, nil
}

func TestRateLimitAllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	counter := &fakeCounter{counts: map[string]int64{}}
	svc := NewRateLimitService(counter, 2, time.Minute, logger.Discard())

	for i := 0; i < 2; i++ {
		allowed, _, err := svc.Allow(ctx, "messages:guest-1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, retryAfter, err := svc.Allow(ctx, "messages:guest-1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, retryAfter)

	allowed, _, err = svc.Allow(ctx, "messages:host-1")
	require.NoError(t, err)
	assert.True(t, allowed, "limits are per key")
	assert.Equal(t, int64(3), counter.counts["rate_limit:messages:guest-1"])
}

func TestRateLimitDisabled(t *testing.T) {
	svc := NewRateLimitService(nil, 5, time.Minute, logger.Discard())
	allowed, _, err := svc.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimitStoreError(t *testing.T) {
	svc := NewRateLimitService(&fakeCounter{err: errors.New("redis down")}, 5, time.Minute, logger.Discard())
	_, _, err := svc.Allow(context.Background(), "k")
	assert.EqualError(t, err, "redis down")
}
