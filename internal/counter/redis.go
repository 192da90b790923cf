package counter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a shared Redis instance. Every call is
// bounded by a short timeout so a slow store degrades to the caller's
// fail-open path instead of stalling request handling.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisStore creates a Redis-backed counter store
func NewRedisStore(client *redis.Client, timeout time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}
}

// Ping verifies connectivity to the Redis instance
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// IncrementAndExpire increments the counter and refreshes its expiry in
// a single MULTI/EXEC pipeline, so a crash between the two commands
// cannot leave a counter without an expiry.
func (s *RedisStore) IncrementAndExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}

	return incr.Val(), nil
}

// Get returns the current count at key, or 0 when the key is absent
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter %s: %w", key, err)
	}

	return count, nil
}

// DeleteByPrefix removes every counter whose key starts with prefix
func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := s.scanPage(ctx, cursor, prefix)
		if err != nil {
			return err
		}

		if len(keys) > 0 {
			delCtx, cancel := context.WithTimeout(ctx, s.timeout)
			err := s.client.Del(delCtx, keys...).Err()
			cancel()
			if err != nil {
				return fmt.Errorf("failed to delete keys with prefix %s: %w", prefix, err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) scanPage(ctx context.Context, cursor uint64, prefix string) ([]string, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan keys with prefix %s: %w", prefix, err)
	}
	return keys, next, nil
}
