package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communitywatch/response-core/internal/config"
)

func TestParseAction(t *testing.T) {
	t.Run("Known Action", func(t *testing.T) {
		action, err := ParseAction("panic_activate")
		require.NoError(t, err)
		assert.Equal(t, ActionPanicActivate, action)
	})

	t.Run("Unknown Action", func(t *testing.T) {
		_, err := ParseAction("delete_everything")
		assert.Error(t, err)
	})

	t.Run("Empty Action", func(t *testing.T) {
		_, err := ParseAction("")
		assert.Error(t, err)
	})
}

func TestNewTables(t *testing.T) {
	t.Run("Defaults Apply Without Configuration", func(t *testing.T) {
		steady, burst, err := NewTables(config.RateLimitConfig{})
		require.NoError(t, err)

		limit, ok := steady.Lookup(ActionPanicActivate)
		require.True(t, ok)
		assert.Equal(t, 5, limit.MaxRequests)
		assert.Equal(t, 60*time.Second, limit.Window)

		_, ok = burst.Lookup(ActionIncidentUpdate)
		assert.False(t, ok, "actions without a burst default carry no burst policy")
	})

	t.Run("Configured Budgets Override Defaults", func(t *testing.T) {
		cfg := config.RateLimitConfig{
			Actions: map[string]config.ActionLimitConfig{
				"panic_activate": {MaxRequests: 50, WindowSeconds: 300},
			},
			Burst: map[string]config.ActionLimitConfig{
				"media_upload": {MaxRequests: 2, WindowSeconds: 10},
			},
		}
		steady, burst, err := NewTables(cfg)
		require.NoError(t, err)

		limit, ok := steady.Lookup(ActionPanicActivate)
		require.True(t, ok)
		assert.Equal(t, 50, limit.MaxRequests)
		assert.Equal(t, 5*time.Minute, limit.Window)

		burstLimit, ok := burst.Lookup(ActionMediaUpload)
		require.True(t, ok)
		assert.Equal(t, 2, burstLimit.MaxRequests)
	})

	t.Run("Non Positive Budgets Fail", func(t *testing.T) {
		_, _, err := NewTables(config.RateLimitConfig{
			Actions: map[string]config.ActionLimitConfig{
				"panic_activate": {MaxRequests: 5, WindowSeconds: 0},
			},
		})
		assert.Error(t, err, "a zero window would divide by zero at admission time")

		_, _, err = NewTables(config.RateLimitConfig{
			Burst: map[string]config.ActionLimitConfig{
				"message_send": {MaxRequests: 0, WindowSeconds: 10},
			},
		})
		assert.Error(t, err)

		steady, _, err := NewTables(config.RateLimitConfig{
			Default: config.ActionLimitConfig{MaxRequests: 10, WindowSeconds: 0},
		})
		require.NoError(t, err, "a bad default falls back to the built-in, it does not fail")
		limit, ok := steady.Lookup(Action("unmapped"))
		require.True(t, ok)
		assert.Equal(t, 60*time.Second, limit.Window, "the zero-window default must not survive as the fallback")
	})

	t.Run("Unknown Configured Action Fails", func(t *testing.T) {
		cfg := config.RateLimitConfig{
			Actions: map[string]config.ActionLimitConfig{
				"teleport": {MaxRequests: 1, WindowSeconds: 60},
			},
		}
		_, _, err := NewTables(cfg)
		assert.Error(t, err)
	})

	t.Run("Steady Table Falls Back For Unconfigured Actions", func(t *testing.T) {
		cfg := config.RateLimitConfig{
			Default: config.ActionLimitConfig{MaxRequests: 7, WindowSeconds: 60},
		}
		steady, _, err := NewTables(cfg)
		require.NoError(t, err)

		// Every known action has a built-in entry, so the fallback only
		// surfaces through the table directly.
		limit, ok := steady.Lookup(Action("incident_report"))
		require.True(t, ok)
		assert.Equal(t, 10, limit.MaxRequests)
	})
}
