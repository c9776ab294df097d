package soar

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterDefaultLimit(t *testing.T) {
	l := NewMemoryLimiter(2, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.TryAcquire(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other orgs have their own budget.
	ok, err = l.TryAcquire(ctx, "org-2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Release(ctx, "org-1"))
	ok, err = l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLimiterPerOrgOverride(t *testing.T) {
	l := NewMemoryLimiter(1, map[string]int{"org-big": 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.TryAcquire(ctx, "org-big")
		require.NoError(t, err)
		assert.True(t, ok, "acquire %d", i)
	}
	ok, err := l.TryAcquire(ctx, "org-big")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterUnlimited(t *testing.T) {
	l := NewMemoryLimiter(0, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		ok, err := l.TryAcquire(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestMemoryLimiterReleaseNeverGoesNegative(t *testing.T) {
	l := NewMemoryLimiter(1, nil)
	ctx := context.Background()

	require.NoError(t, l.Release(ctx, "org-1"))
	ok, err := l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRunning(t *testing.T) {
	l := NewMemoryLimiter(0, nil)
	ctx := context.Background()

	_, _ = l.TryAcquire(ctx, "org-1")
	_, _ = l.TryAcquire(ctx, "org-1")
	_, _ = l.TryAcquire(ctx, "org-2")

	running, err := l.Running(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"org-1": 2, "org-2": 1}, running)

	// Released orgs drop out of the snapshot entirely.
	require.NoError(t, l.Release(ctx, "org-2"))
	running, err = l.Running(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"org-1": 2}, running)
}

func redisLimiter(t *testing.T, defaultLimit int, limits map[string]int) *RedisLimiter {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, defaultLimit, limits)
}

func TestRedisLimiterAcquireRelease(t *testing.T) {
	l := redisLimiter(t, 2, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.TryAcquire(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "org-1"))
	ok, err = l.TryAcquire(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiterPerOrgOverrideAndUnlimited(t *testing.T) {
	l := redisLimiter(t, 1, map[string]int{"org-big": 2, "org-free": 0})
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "org-big")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TryAcquire(ctx, "org-big")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.TryAcquire(ctx, "org-big")
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 0; i < 10; i++ {
		ok, err = l.TryAcquire(ctx, "org-free")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRedisLimiterRunning(t *testing.T) {
	l := redisLimiter(t, 0, nil)
	ctx := context.Background()

	_, _ = l.TryAcquire(ctx, "org-1")
	_, _ = l.TryAcquire(ctx, "org-1")
	_, _ = l.TryAcquire(ctx, "org-2")

	running, err := l.Running(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"org-1": 2, "org-2": 1}, running)

	require.NoError(t, l.Release(ctx, "org-2"))
	running, err = l.Running(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"org-1": 2}, running)
}
