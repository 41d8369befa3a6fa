package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewTokenBucketLimiter(3, time.Second)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, _ := l.Allow(ctx, "alice")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "bob")
	assert.True(t, ok, "buckets are per key")

	now = now.Add(400 * time.Millisecond)
	ok, _ = l.Allow(ctx, "alice")
	assert.True(t, ok, "one token refilled")
	ok, _ = l.Allow(ctx, "alice")
	assert.False(t, ok)

	now = now.Add(time.Second)
	for i := 0; i < 3; i++ {
		ok, _ = l.Allow(ctx, "alice")
		assert.True(t, ok)
	}
}

func TestTokenBucketLimiterPrune(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewTokenBucketLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "alice")
	now = now.Add(2 * time.Hour)
	_, _ = l.Allow(context.Background(), "bob")

	l.Prune(time.Hour)
	assert.NotContains(t, l.buckets, "alice")
	assert.Contains(t, l.buckets, "bob")
}
