package override

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// RedisFlagStore keeps override flags in Redis so every service
// instance sees the same bypass state.
type RedisFlagStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisFlagStore creates a Redis-backed flag store
func NewRedisFlagStore(client *redis.Client, timeout time.Duration) *RedisFlagStore {
	return &RedisFlagStore{client: client, timeout: timeout}
}

// Set writes the flag with the given TTL
func (s *RedisFlagStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}

// Has reports whether the flag exists
func (s *RedisFlagStore) Has(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check flag %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes the flag
func (s *RedisFlagStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete flag %s: %w", key, err)
	}
	return nil
}

// MemoryFlagStore keeps override flags in-process, for the development
// profile and tests.
type MemoryFlagStore struct {
	cache *gocache.Cache
}

// NewMemoryFlagStore creates an in-memory flag store
func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{cache: gocache.New(gocache.NoExpiration, time.Minute)}
}

// Set writes the flag with the given TTL
func (s *MemoryFlagStore) Set(_ context.Context, key string, ttl time.Duration) error {
	s.cache.Set(key, struct{}{}, ttl)
	return nil
}

// Has reports whether the flag exists
func (s *MemoryFlagStore) Has(_ context.Context, key string) (bool, error) {
	_, found := s.cache.Get(key)
	return found, nil
}

// Delete removes the flag
func (s *MemoryFlagStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}
