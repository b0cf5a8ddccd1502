//go:build integration

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// Run with: BETCHA_TEST_REDIS_ADDR=localhost:6379 go test -tags integration ./internal/cache/redis/

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("BETCHA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BETCHA_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{
		Addr:      addr,
		KeyPrefix: "betcha:test:" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager(testClient(t))
	key := domain.RoundLockKey(testRound)

	release, err := lm.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	release()

	again, err := lm.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	again()
}

func TestExpiredHolderCannotReleaseNewLock(t *testing.T) {
	ctx := context.Background()
	c := testClient(t)
	lm := NewLockManager(c)
	key := domain.RoundLockKey(testRound)

	stale, err := lm.Acquire(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)

	var current func()
	require.Eventually(t, func() bool {
		rel, aerr := lm.Acquire(ctx, key, time.Minute)
		if aerr != nil {
			return false
		}
		current = rel
		return true
	}, 2*time.Second, 20*time.Millisecond)

	stale()

	ttl, err := c.Underlying().PTTL(ctx, c.Key(lockKey(key))).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	_, err = lm.Acquire(ctx, key, time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	current()
	n, err := c.Underlying().Exists(ctx, c.Key(lockKey(key))).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(testClient(t))
	const window = 300 * time.Millisecond

	for i := range 3 {
		ok, err := rl.Allow(ctx, "api:key-1", 3, window)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "api:key-1", 3, window)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other keys have their own window.
	ok, err = rl.Allow(ctx, "api:key-2", 3, window)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(window + 50*time.Millisecond)
	ok, err = rl.Allow(ctx, "api:key-1", 3, window)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(testClient(t))
	require.NoError(t, rl.Wait(context.Background(), "archive"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx, "archive")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
