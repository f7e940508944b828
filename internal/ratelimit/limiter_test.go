package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLimiter needs a Redis on localhost:6379 and skips otherwise.
func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), client
}

func testRule(t *testing.T, limit int, window time.Duration) Rule {
	return Rule{Name: "test", Key: fmt.Sprintf("rl:test:%s:%d:", t.Name(), time.Now().UnixNano()), Limit: limit, Window: window}
}

func TestAllow_UpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "conn-1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "event %d", i+1)
	}
	ok, err := l.Allow(ctx, "conn-1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "conn-2", rule)
	assert.True(t, ok, "identifiers are independent")
}

func TestRemainingAndRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule(t, 5, 30*time.Second)

	n, err := l.Remaining(ctx, "ip", rule)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, _ = l.Allow(ctx, "ip", rule)
	_, _ = l.Allow(ctx, "ip", rule)
	n, err = l.Remaining(ctx, "ip", rule)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	d, err := l.RetryAfter(ctx, "ip", rule)
	require.NoError(t, err)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 30*time.Second)
	assert.Zero(t, d%time.Second)
}

func TestAllow_WindowExpires(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := testRule(t, 1, time.Second)

	ok, _ := l.Allow(ctx, "x", rule)
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "x", rule)
	require.False(t, ok)

	time.Sleep(1100 * time.Millisecond)
	ok, _ = l.Allow(ctx, "x", rule)
	assert.True(t, ok)
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "x", RuleAPI)
	assert.True(t, ok)
	assert.Error(t, err)

	n, err := l.Remaining(context.Background(), "x", RuleAPI)
	assert.Equal(t, RuleAPI.Limit, n)
	assert.Error(t, err)
}
