package counter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisStore_BoundedCalls(t *testing.T) {
	// TEST-NET address: connections hang or fail, never succeed. Every
	// operation must come back within its per-call timeout either way.
	client := redis.NewClient(&redis.Options{Addr: "192.0.2.1:6379"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewRedisStore(client, 50*time.Millisecond, logger)
	ctx := context.Background()

	t.Run("Increment Honors The Timeout", func(t *testing.T) {
		start := time.Now()
		_, err := store.IncrementAndExpire(ctx, "k", time.Hour)
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("Delete By Prefix Honors The Timeout", func(t *testing.T) {
		start := time.Now()
		err := store.DeleteByPrefix(ctx, "rl:rate:")
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}
