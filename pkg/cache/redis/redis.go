// Package redis provides a Redis cache backend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/dataset-loader/pkg/cache"
	goredis "github.com/redis/go-redis/v9"
)

// Backend stores cache records in Redis.
type Backend struct {
	redis *goredis.Client

	// expiration lets Redis evict entries on its own; 0 keeps them until
	// the cache manager deletes them.
	expiration time.Duration
}

// New creates a Redis backend. expiration should normally equal the cache
// TTL so Redis drops entries the manager would reject anyway.
func New(redisClient *goredis.Client, expiration time.Duration) *Backend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Backend{
		redis:      redisClient,
		expiration: expiration,
	}
}

// Get implements cache.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// SetAll implements cache.Backend using a MULTI/EXEC transaction.
func (b *Backend) SetAll(ctx context.Context, items map[string][]byte) error {
	_, err := b.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for key, value := range items {
			pipe.Set(ctx, key, value, b.expiration)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements cache.Backend.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close implements cache.Backend. The Redis client is owned by the caller.
func (b *Backend) Close() error {
	return nil
}
