package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDedupCache(t *testing.T, ttl time.Duration) (*DedupCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewDedupCacheFromClient(client, ttl)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestDedupCacheMarkAndCheck(t *testing.T) {
	cache, _ := setupDedupCache(t, time.Hour)
	ctx := context.Background()

	assert.False(t, cache.IsCompleted(ctx, "evt-1"))

	cache.MarkCompleted(ctx, "evt-1")
	assert.True(t, cache.IsCompleted(ctx, "evt-1"))
	assert.False(t, cache.IsCompleted(ctx, "evt-2"))
}

func TestDedupCacheEntriesExpire(t *testing.T) {
	cache, mr := setupDedupCache(t, time.Minute)
	ctx := context.Background()

	cache.MarkCompleted(ctx, "evt-1")
	require.True(t, cache.IsCompleted(ctx, "evt-1"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, cache.IsCompleted(ctx, "evt-1"), "entries must expire so the cache stays bounded")
}

func TestDedupCacheUnavailableFallsThrough(t *testing.T) {
	cache, mr := setupDedupCache(t, time.Hour)
	ctx := context.Background()

	cache.MarkCompleted(ctx, "evt-1")
	mr.Close()

	// A dead cache must read as a miss, never as completed.
	assert.False(t, cache.IsCompleted(ctx, "evt-1"))
}

func TestDedupCachePing(t *testing.T) {
	cache, mr := setupDedupCache(t, time.Hour)
	require.NoError(t, cache.Ping(context.Background()))

	mr.Close()
	assert.Error(t, cache.Ping(context.Background()))
}
