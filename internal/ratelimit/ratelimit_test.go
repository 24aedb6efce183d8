package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_BurstThenBlock(t *testing.T) {
	l := NewLocalLimiter(3)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "42")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retry, err := l.Allow(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))

	// Other subjects have their own bucket.
	ok, _, _ = l.Allow(ctx, "43")
	assert.True(t, ok)

	clock = clock.Add(20 * time.Second)
	ok, _, _ = l.Allow(ctx, "42")
	assert.True(t, ok)
}

func TestLocalLimiter_ForgetsIdleSubjects(t *testing.T) {
	l := NewLocalLimiter(1)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	l.Allow(context.Background(), "42")
	clock = clock.Add(11 * time.Minute)
	l.Allow(context.Background(), "43")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.visitors, "42")
}

func TestLimiters_DisabledAllowAll(t *testing.T) {
	ok, _, err := NewLocalLimiter(0).Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = NewRedisLimiter(nil, "", 0, time.Minute).Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, ok)
}
