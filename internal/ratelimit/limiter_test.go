package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communitywatch/response-core/internal/audit"
	"github.com/communitywatch/response-core/internal/counter"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingStore simulates an unreachable counter backend
type failingStore struct {
	err error
}

func (s *failingStore) IncrementAndExpire(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, s.err
}

func (s *failingStore) Get(_ context.Context, _ string) (int64, error) {
	return 0, s.err
}

func (s *failingStore) DeleteByPrefix(_ context.Context, _ string) error {
	return s.err
}

// recordingSink captures audit entries for assertions
type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) Record(_ context.Context, actor, actionType, severity string, metadata map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, audit.Entry{
		Actor:      actor,
		ActionType: actionType,
		Severity:   severity,
		Metadata:   metadata,
	})
}

func (s *recordingSink) byType(actionType string) []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []audit.Entry
	for _, entry := range s.entries {
		if entry.ActionType == actionType {
			matched = append(matched, entry)
		}
	}
	return matched
}

func newTestLimiter(store counter.Store, table *Table, sink audit.Sink) *Limiter {
	return NewLimiter(NamespaceRate, store, table, setupTestLogger(), nil, sink)
}

func hourlyTable(max int) *Table {
	return &Table{limits: map[Action]Limit{
		ActionIncidentReport: {MaxRequests: max, Window: time.Hour},
	}}
}

func TestLimiter_Admit(t *testing.T) {
	ctx := context.Background()

	t.Run("Admits Within Limit Then Rejects", func(t *testing.T) {
		limiter := newTestLimiter(counter.NewMemoryStore(), hourlyTable(3), &audit.Nop{})

		for i := 1; i <= 3; i++ {
			decision := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
			assert.True(t, decision.Admitted, "request %d should be admitted", i)
			assert.Equal(t, ReasonWithinLimit, decision.Reason)
			assert.Equal(t, int64(i), decision.Count)
			assert.Equal(t, int64(3-i), decision.Remaining)
		}

		decision := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
		assert.False(t, decision.Admitted)
		assert.Equal(t, ReasonLimited, decision.Reason)
		assert.Equal(t, int64(0), decision.Remaining)
		assert.Equal(t, decision.WindowEnd, decision.ResetAt)
	})

	t.Run("Identities Do Not Share Budgets", func(t *testing.T) {
		limiter := newTestLimiter(counter.NewMemoryStore(), hourlyTable(1), &audit.Nop{})

		first := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
		second := limiter.Admit(ctx, "user-2", ActionIncidentReport, nil, "")
		assert.True(t, first.Admitted)
		assert.True(t, second.Admitted)
	})

	t.Run("Identifier Scopes The Budget", func(t *testing.T) {
		limiter := newTestLimiter(counter.NewMemoryStore(), hourlyTable(1), &audit.Nop{})

		first := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "incident-a")
		second := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "incident-b")
		third := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "incident-a")
		assert.True(t, first.Admitted)
		assert.True(t, second.Admitted)
		assert.False(t, third.Admitted)
	})

	t.Run("Explicit Limit Overrides The Table", func(t *testing.T) {
		limiter := newTestLimiter(counter.NewMemoryStore(), hourlyTable(100), &audit.Nop{})
		explicit := &Limit{MaxRequests: 1, Window: time.Hour}

		first := limiter.Admit(ctx, "user-1", ActionIncidentReport, explicit, "")
		second := limiter.Admit(ctx, "user-1", ActionIncidentReport, explicit, "")
		assert.True(t, first.Admitted)
		assert.False(t, second.Admitted)
		assert.Equal(t, 1, second.MaxRequests)
	})

	t.Run("No Policy Admits Without Counting", func(t *testing.T) {
		// A table with no fallback and no entry for the action.
		limiter := newTestLimiter(counter.NewMemoryStore(), &Table{limits: map[Action]Limit{}}, &audit.Nop{})

		decision := limiter.Admit(ctx, "user-1", ActionLocationPing, nil, "")
		assert.True(t, decision.Admitted)
		assert.Equal(t, ReasonNoPolicy, decision.Reason)
	})

	t.Run("Fail Open On Store Error", func(t *testing.T) {
		sink := &recordingSink{}
		storeErr := errors.New("connection refused")
		limiter := newTestLimiter(&failingStore{err: storeErr}, hourlyTable(1), sink)

		decision := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
		assert.True(t, decision.Admitted)
		assert.Equal(t, ReasonFailOpen, decision.Reason)
		assert.ErrorIs(t, decision.Err, storeErr)

		entries := sink.byType(audit.ActionRateFailOpen)
		require.Len(t, entries, 1)
		assert.Equal(t, "user-1", entries[0].Actor)
		assert.Equal(t, audit.SeverityWarning, entries[0].Severity)
	})

	t.Run("Rejection Is Audited", func(t *testing.T) {
		sink := &recordingSink{}
		limiter := newTestLimiter(counter.NewMemoryStore(), hourlyTable(1), sink)

		limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
		limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")

		entries := sink.byType(audit.ActionRateLimited)
		require.Len(t, entries, 1)
		assert.Equal(t, "user-1", entries[0].Actor)
	})

	t.Run("Window Bounds Match The Limit", func(t *testing.T) {
		limiter := newTestLimiter(counter.NewMemoryStore(), hourlyTable(5), &audit.Nop{})

		decision := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
		assert.Equal(t, time.Hour, decision.WindowEnd.Sub(decision.WindowStart))
		assert.False(t, decision.WindowStart.After(time.Now()))
		assert.True(t, decision.WindowEnd.After(time.Now()))
	})
}

func TestLimiter_WindowRollover(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(counter.NewMemoryStore(), &Table{limits: map[Action]Limit{
		ActionIncidentReport: {MaxRequests: 2, Window: time.Minute},
	}}, &audit.Nop{})

	// Pin the clock to the middle of one window and spend the budget.
	base := time.Date(2026, 3, 10, 12, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
	limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
	decision := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
	require.False(t, decision.Admitted)

	// One tick past the window boundary the previous counts are gone.
	limiter.now = func() time.Time { return base.Add(31 * time.Second) }

	decision = limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
	assert.True(t, decision.Admitted)
	assert.Equal(t, ReasonWithinLimit, decision.Reason)
	assert.Equal(t, int64(1), decision.Count)
}

func TestLimiter_AdmitConcurrent(t *testing.T) {
	limiter := newTestLimiter(counter.NewMemoryStore(), hourlyTable(10), &audit.Nop{})

	var wg sync.WaitGroup
	var admitted int64
	var mu sync.Mutex
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision := limiter.Admit(context.Background(), "user-1", ActionIncidentReport, nil, "")
			if decision.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted)
}

func TestLimiter_Check(t *testing.T) {
	ctx := context.Background()

	t.Run("Check Never Consumes Budget", func(t *testing.T) {
		limiter := newTestLimiter(counter.NewMemoryStore(), hourlyTable(1), &audit.Nop{})

		for i := 0; i < 5; i++ {
			decision := limiter.Check(ctx, "user-1", ActionIncidentReport, nil, "")
			assert.True(t, decision.Admitted)
		}

		// The budget is still intact after the checks.
		decision := limiter.Admit(ctx, "user-1", ActionIncidentReport, nil, "")
		assert.True(t, decision.Admitted)

		// Now the budget is spent and Check reports it.
		decision = limiter.Check(ctx, "user-1", ActionIncidentReport, nil, "")
		assert.False(t, decision.Admitted)
		assert.Equal(t, ReasonLimited, decision.Reason)
	})

	t.Run("Check Fails Open On Store Error", func(t *testing.T) {
		limiter := newTestLimiter(&failingStore{err: errors.New("timeout")}, hourlyTable(1), &audit.Nop{})

		decision := limiter.Check(ctx, "user-1", ActionIncidentReport, nil, "")
		assert.True(t, decision.Admitted)
		assert.Equal(t, ReasonFailOpen, decision.Reason)
		assert.Error(t, decision.Err)
	})
}

func TestWindowKey(t *testing.T) {
	t.Run("Identifier Extends The Key", func(t *testing.T) {
		plain := windowKey(NamespaceRate, "user-1", ActionMessageSend, "", 1700000000)
		scoped := windowKey(NamespaceRate, "user-1", ActionMessageSend, "group-9", 1700000000)
		assert.Equal(t, "rl:rate:user-1:message_send:1700000000", plain)
		assert.Equal(t, "rl:rate:user-1:message_send:group-9:1700000000", scoped)
	})

	t.Run("Windows Produce Distinct Keys", func(t *testing.T) {
		first := windowKey(NamespaceRate, "user-1", ActionMessageSend, "", 1700000000)
		next := windowKey(NamespaceRate, "user-1", ActionMessageSend, "", 1700000060)
		assert.NotEqual(t, first, next)
	})

	t.Run("Namespaces Never Collide", func(t *testing.T) {
		steady := windowKey(NamespaceRate, "user-1", ActionMessageSend, "", 1700000000)
		burst := windowKey(NamespaceBurst, "user-1", ActionMessageSend, "", 1700000000)
		assert.NotEqual(t, steady, burst)
	})
}
