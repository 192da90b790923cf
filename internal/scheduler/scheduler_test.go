package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingHandler counts executions
type countingHandler struct {
	name string
	runs atomic.Int64
	err  error
}

func (h *countingHandler) Execute(_ context.Context) error {
	h.runs.Add(1)
	return h.err
}

func (h *countingHandler) Name() string { return h.name }

func TestScheduler_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("Valid Schedule Registers", func(t *testing.T) {
		s := NewScheduler(setupTestLogger())
		err := s.Register(ctx, "*/30 * * * * *", &countingHandler{name: "sweep"})
		require.NoError(t, err)
	})

	t.Run("Interval Descriptor Registers", func(t *testing.T) {
		s := NewScheduler(setupTestLogger())
		err := s.Register(ctx, "@every 30s", &countingHandler{name: "sweep"})
		require.NoError(t, err)
	})

	t.Run("Invalid Schedule Fails", func(t *testing.T) {
		s := NewScheduler(setupTestLogger())
		err := s.Register(ctx, "whenever", &countingHandler{name: "sweep"})
		assert.Error(t, err)
	})
}

func TestScheduler_RunsRegisteredTasks(t *testing.T) {
	s := NewScheduler(setupTestLogger())
	handler := &countingHandler{name: "tick"}
	require.NoError(t, s.Register(context.Background(), "@every 100ms", handler))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return handler.runs.Load() >= 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestScheduler_FailingTaskKeepsRunning(t *testing.T) {
	s := NewScheduler(setupTestLogger())
	handler := &countingHandler{name: "flaky", err: errors.New("sweep failed")}
	require.NoError(t, s.Register(context.Background(), "@every 100ms", handler))

	s.Start()
	defer s.Stop()

	// Errors are logged and counted; the schedule stays alive.
	// @every intervals under 1s are rounded up to second-aligned fires,
	// so the window must cover at least two whole-second boundaries.
	assert.Eventually(t, func() bool {
		return handler.runs.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond)
}
