package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/exchange-oracle/internal/config"
	"github.com/redis/go-redis/v9"
)

// DedupCache is a Redis fast path in front of the incoming-webhook dedup
// ledger. It only short-circuits event ids already known to be completed;
// Postgres remains the authoritative dedup record, so a cold or unavailable
// cache degrades to a database lookup, never to duplicate processing.
type DedupCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedupCache creates a new Redis-backed dedup cache
func NewDedupCache(cfg *config.RedisConfig) (*DedupCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &DedupCache{client: client, ttl: cfg.DedupTTL}, nil
}

// NewDedupCacheFromClient wraps an existing client, used in tests with miniredis.
func NewDedupCacheFromClient(client *redis.Client, ttl time.Duration) *DedupCache {
	return &DedupCache{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (c *DedupCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Ping checks if Redis is reachable
func (c *DedupCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func dedupKey(eventID string) string {
	return "webhook:completed:" + eventID
}

// MarkCompleted records an event id as fully processed. Write failures are
// dropped; the Postgres ledger stays authoritative.
func (c *DedupCache) MarkCompleted(ctx context.Context, eventID string) {
	_ = c.client.Set(ctx, dedupKey(eventID), "1", c.ttl).Err()
}

// IsCompleted reports whether the event id is known to be processed. Cache
// errors are reported as a miss so the caller falls through to Postgres.
func (c *DedupCache) IsCompleted(ctx context.Context, eventID string) bool {
	n, err := c.client.Exists(ctx, dedupKey(eventID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}
