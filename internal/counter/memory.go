package counter

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore implements Store on an in-process cache. It backs the
// development profile and tests; production instances share counters
// through RedisStore instead.
type MemoryStore struct {
	cache *gocache.Cache
	mu    sync.Mutex
}

// NewMemoryStore creates an in-memory counter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

// IncrementAndExpire increments the counter and refreshes its expiry
// under one lock, mirroring the atomicity of the Redis pipeline.
func (s *MemoryStore) IncrementAndExpire(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64 = 1
	if current, found := s.cache.Get(key); found {
		count = current.(int64) + 1
	}
	s.cache.Set(key, count, window)

	return count, nil
}

// Get returns the current count at key, or 0 when the key is absent
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, found := s.cache.Get(key); found {
		return current.(int64), nil
	}
	return 0, nil
}

// DeleteByPrefix removes every counter whose key starts with prefix
func (s *MemoryStore) DeleteByPrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}
	return nil
}
