package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communitywatch/response-core/internal/audit"
	"github.com/communitywatch/response-core/internal/counter"
	"github.com/communitywatch/response-core/internal/override"
)

// erroringFlagStore simulates an unreachable override backend
type erroringFlagStore struct{}

func (erroringFlagStore) Set(context.Context, string, time.Duration) error { return errors.New("down") }
func (erroringFlagStore) Has(context.Context, string) (bool, error)       { return false, errors.New("down") }
func (erroringFlagStore) Delete(context.Context, string) error            { return errors.New("down") }

func newTestGate(t *testing.T, flags override.FlagStore, steady, burst *Table, sink audit.Sink) (*Gate, counter.Store) {
	t.Helper()
	logger := setupTestLogger()
	store := counter.NewMemoryStore()
	registry := override.NewRegistry(flags, nil, time.Minute, time.Hour, logger, nil, sink)
	rate := NewLimiter(NamespaceRate, store, steady, logger, nil, sink)
	burstLimiter := NewLimiter(NamespaceBurst, store, burst, logger, nil, sink)
	return NewGate(registry, rate, burstLimiter, logger, nil, sink), store
}

func TestGate_Allow(t *testing.T) {
	ctx := context.Background()
	emptyBurst := &Table{limits: map[Action]Limit{}}

	t.Run("Override Bypasses Both Limiters", func(t *testing.T) {
		flags := override.NewMemoryFlagStore()
		sink := &recordingSink{}
		steady := hourlyTable(1)
		gate, store := newTestGate(t, flags, steady, emptyBurst, sink)

		registry := override.NewRegistry(flags, override.NewStaticRoleResolver([]string{"admin-1"}), time.Minute, time.Hour, setupTestLogger(), nil, &audit.Nop{})
		require.NoError(t, registry.Grant(ctx, "admin-1", "user-1", string(ActionIncidentReport), time.Minute))

		for i := 0; i < 5; i++ {
			decision := gate.Allow(ctx, "user-1", ActionIncidentReport, "")
			assert.True(t, decision.Admitted)
			assert.Equal(t, ReasonOverride, decision.Reason)
		}

		// The bypass left the steady counter untouched.
		count, err := store.Get(ctx, windowKey(NamespaceRate, "user-1", ActionIncidentReport, "",
			time.Now().Unix()/3600*3600))
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)

		used := sink.byType(audit.ActionOverrideUsed)
		assert.Len(t, used, 5)
	})

	t.Run("Normal Limiting Resumes After Revoke", func(t *testing.T) {
		flags := override.NewMemoryFlagStore()
		gate, _ := newTestGate(t, flags, hourlyTable(1), emptyBurst, &audit.Nop{})

		registry := override.NewRegistry(flags, override.NewStaticRoleResolver([]string{"admin-1"}), time.Minute, time.Hour, setupTestLogger(), nil, &audit.Nop{})
		require.NoError(t, registry.Grant(ctx, "admin-1", "user-1", string(ActionIncidentReport), time.Minute))
		require.NoError(t, registry.Revoke(ctx, "user-1", string(ActionIncidentReport)))

		first := gate.Allow(ctx, "user-1", ActionIncidentReport, "")
		second := gate.Allow(ctx, "user-1", ActionIncidentReport, "")
		assert.Equal(t, ReasonWithinLimit, first.Reason)
		assert.Equal(t, ReasonLimited, second.Reason)
	})

	t.Run("Burst Gate Rejects Before Steady Budget Runs Out", func(t *testing.T) {
		burst := &Table{limits: map[Action]Limit{
			ActionIncidentReport: {MaxRequests: 2, Window: time.Hour},
		}}
		gate, _ := newTestGate(t, override.NewMemoryFlagStore(), hourlyTable(10), burst, &audit.Nop{})

		first := gate.Allow(ctx, "user-1", ActionIncidentReport, "")
		second := gate.Allow(ctx, "user-1", ActionIncidentReport, "")
		third := gate.Allow(ctx, "user-1", ActionIncidentReport, "")

		assert.True(t, first.Admitted)
		assert.True(t, second.Admitted)
		require.False(t, third.Admitted)
		assert.Equal(t, ReasonLimited, third.Reason)
		// The rejecting decision carries the burst budget, not the steady one.
		assert.Equal(t, 2, third.MaxRequests)
	})

	t.Run("Actions Without Burst Policy Skip The Burst Gate", func(t *testing.T) {
		burst := &Table{limits: map[Action]Limit{
			ActionMessageSend: {MaxRequests: 1, Window: time.Hour},
		}}
		gate, _ := newTestGate(t, override.NewMemoryFlagStore(), hourlyTable(3), burst, &audit.Nop{})

		for i := 0; i < 3; i++ {
			decision := gate.Allow(ctx, "user-1", ActionIncidentReport, "")
			assert.True(t, decision.Admitted, "request %d", i+1)
		}
	})

	t.Run("Flag Store Outage Means No Bypass", func(t *testing.T) {
		gate, _ := newTestGate(t, erroringFlagStore{}, hourlyTable(1), emptyBurst, &audit.Nop{})

		first := gate.Allow(ctx, "user-1", ActionIncidentReport, "")
		second := gate.Allow(ctx, "user-1", ActionIncidentReport, "")
		assert.Equal(t, ReasonWithinLimit, first.Reason)
		assert.Equal(t, ReasonLimited, second.Reason)
	})
}

func TestGate_Check(t *testing.T) {
	ctx := context.Background()
	emptyBurst := &Table{limits: map[Action]Limit{}}

	t.Run("Reports Override Without Touching Counters", func(t *testing.T) {
		flags := override.NewMemoryFlagStore()
		gate, _ := newTestGate(t, flags, hourlyTable(1), emptyBurst, &audit.Nop{})

		registry := override.NewRegistry(flags, override.NewStaticRoleResolver([]string{"admin-1"}), time.Minute, time.Hour, setupTestLogger(), nil, &audit.Nop{})
		require.NoError(t, registry.Grant(ctx, "admin-1", "user-1", string(ActionIncidentReport), time.Minute))

		decision := gate.Check(ctx, "user-1", ActionIncidentReport, "")
		assert.True(t, decision.Admitted)
		assert.Equal(t, ReasonOverride, decision.Reason)
	})

	t.Run("Reports Remaining Steady Budget", func(t *testing.T) {
		gate, _ := newTestGate(t, override.NewMemoryFlagStore(), hourlyTable(2), emptyBurst, &audit.Nop{})

		gate.Allow(ctx, "user-1", ActionIncidentReport, "")
		decision := gate.Check(ctx, "user-1", ActionIncidentReport, "")
		assert.True(t, decision.Admitted)
		assert.Equal(t, int64(1), decision.Remaining)
	})
}
