package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	counter := NewMemoryCounter()
	counter.now = func() time.Time { return now }
	rl := NewRateLimiter(counter)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "passenger-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "passenger-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "passenger-2", 3, time.Minute)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = rl.Allow(ctx, "passenger-1", 3, time.Minute)
	assert.True(t, ok)
}

type brokenCounter struct{}

func (brokenCounter) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	ok, err := NewRateLimiter(brokenCounter{}).Allow(context.Background(), "k", 1, time.Second)
	assert.Error(t, err)
	assert.True(t, ok)
}
