package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Now()
	limiter := NewRateLimiter(client)
	limiter.now = func() time.Time { return now }
	return limiter, mr, &now
}

func TestRateLimiterFixedWindow(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()
	window := time.Minute

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(ctx, "1.2.3.4", 3, window)
		require.NoError(t, err)
		require.True(t, result.Allowed)
		require.Equal(t, 2-i, result.Remaining)
	}

	result, err := limiter.Check(ctx, "1.2.3.4", 3, window)
	require.NoError(t, err)
	require.False(t, result.Allowed)
	require.Equal(t, 0, result.Remaining)

	// A different client key has its own counter.
	result, err = limiter.Check(ctx, "5.6.7.8", 3, window)
	require.NoError(t, err)
	require.True(t, result.Allowed)
}

func TestRateLimiterWindowReset(t *testing.T) {
	limiter, _, now := newTestLimiter(t)
	ctx := context.Background()
	window := time.Minute

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, "1.2.3.4", 3, window)
		require.NoError(t, err)
	}
	result, err := limiter.Check(ctx, "1.2.3.4", 3, window)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	// Crossing the window boundary resets the counter.
	*now = now.Add(window + time.Second)
	result, err = limiter.Check(ctx, "1.2.3.4", 3, window)
	require.NoError(t, err)
	require.True(t, result.Allowed)
	require.Equal(t, 2, result.Remaining)
}

func TestRateLimiterRecordTTL(t *testing.T) {
	limiter, mr, _ := newTestLimiter(t)

	_, err := limiter.Check(context.Background(), "1.2.3.4", 3, time.Minute)
	require.NoError(t, err)

	// The stored record expires after twice the window.
	require.Equal(t, 2*time.Minute, mr.TTL("ratelimit:ip:1.2.3.4"))
}

func TestRateLimiterFailsClosed(t *testing.T) {
	// A client pointing at nothing must surface an error, never allow.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRateLimiter(client)

	result, err := limiter.Check(context.Background(), "1.2.3.4", 3, time.Minute)
	require.Error(t, err)
	require.Nil(t, result)
}
