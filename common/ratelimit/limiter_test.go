package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := l.Allow(ctx, "alice", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.EqualValues(t, i, res.CurrentCount)
	}

	res, err := l.Allow(ctx, "alice", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)

	// other keys count separately
	res, err = l.Allow(ctx, "bob", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	now = now.Add(time.Minute)
	res, err = l.Allow(ctx, "alice", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 1, res.CurrentCount)
	assert.Len(t, l.windows, 1, "expired windows are dropped")
}
