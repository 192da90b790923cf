package notification

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communitywatch/response-core/internal/config"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManager_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("Queues Known Channels", func(t *testing.T) {
		m := NewManager(config.NotificationsConfig{QueueSize: 10}, setupTestLogger(), nil)

		require.NoError(t, m.Enqueue(ctx, "+27111111111", ChannelSMS, "test", nil))
		require.NoError(t, m.Enqueue(ctx, "ops@example.org", ChannelEmail, "test", nil))
		require.NoError(t, m.Enqueue(ctx, "https://hooks.example.org/x", ChannelWebhook, "test", nil))
	})

	t.Run("Rejects Unknown Channels", func(t *testing.T) {
		m := NewManager(config.NotificationsConfig{QueueSize: 10}, setupTestLogger(), nil)

		err := m.Enqueue(ctx, "+27111111111", "carrier_pigeon", "test", nil)
		assert.Error(t, err)
	})

	t.Run("Full Queue Drops Instead Of Blocking", func(t *testing.T) {
		m := NewManager(config.NotificationsConfig{QueueSize: 1}, setupTestLogger(), nil)

		require.NoError(t, m.Enqueue(ctx, "+27111111111", ChannelSMS, "first", nil))
		err := m.Enqueue(ctx, "+27111111111", ChannelSMS, "second", nil)
		assert.Error(t, err)
	})
}

func TestManager_StartStop(t *testing.T) {
	m := NewManager(config.NotificationsConfig{QueueSize: 10, WorkerCount: 2}, setupTestLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	// Workers drain disabled-channel messages without panicking.
	require.NoError(t, m.Enqueue(ctx, "+27111111111", ChannelSMS, "test", nil))
	m.Stop()

	// Stop is idempotent.
	m.Stop()
}

func TestPerMinuteLimiter(t *testing.T) {
	t.Run("Non-Positive Rate Falls Back To A Safe Default", func(t *testing.T) {
		limiter := perMinuteLimiter(0)
		assert.True(t, limiter.Allow())
	})

	t.Run("Burst Matches The Per-Minute Budget", func(t *testing.T) {
		limiter := perMinuteLimiter(2)
		assert.True(t, limiter.Allow())
		assert.True(t, limiter.Allow())
		assert.False(t, limiter.Allow())
	})
}
