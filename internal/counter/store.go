package counter

import (
	"context"
	"time"
)

// Store is a keyed counter shared by every service instance. Both
// limiters express all mutation through IncrementAndExpire so that a
// counter and its expiry are always set together in one atomic step.
type Store interface {
	// IncrementAndExpire atomically increments the counter at key and
	// refreshes its expiry to window, returning the new count.
	IncrementAndExpire(ctx context.Context, key string, window time.Duration) (int64, error)

	// Get returns the current count at key, or 0 when the key is absent.
	Get(ctx context.Context, key string) (int64, error)

	// DeleteByPrefix removes every counter whose key starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error
}
