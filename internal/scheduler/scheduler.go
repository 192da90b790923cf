package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskHandler is one periodic task
type TaskHandler interface {
	Execute(ctx context.Context) error
	Name() string
}

// task tracks one scheduled handler
type task struct {
	handler    TaskHandler
	schedule   string
	entryID    cron.EntryID
	runCount   int64
	errorCount int64
	lastRun    time.Time
}

// Scheduler runs the engine's periodic work: escalation sweeps and
// sync-session expiry. Sweeps run on the cron goroutine and hold no
// locks shared with the request path.
type Scheduler struct {
	logger *slog.Logger
	cron   *cron.Cron
	tasks  map[string]*task
	mu     sync.RWMutex
}

// NewScheduler creates a scheduler with second-level precision
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tasks:  make(map[string]*task),
	}
}

// Register schedules a handler. The schedule uses cron syntax with a
// seconds field, e.g. "*/30 * * * * *".
func (s *Scheduler) Register(ctx context.Context, schedule string, handler TaskHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &task{handler: handler, schedule: schedule}
	entryID, err := s.cron.AddFunc(schedule, func() {
		s.run(ctx, t)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", handler.Name(), err)
	}

	t.entryID = entryID
	s.tasks[handler.Name()] = t
	s.logger.Info("Task scheduled", "task", handler.Name(), "schedule", schedule)
	return nil
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	started := time.Now()
	err := t.handler.Execute(ctx)

	s.mu.Lock()
	t.runCount++
	t.lastRun = started
	if err != nil {
		t.errorCount++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled task failed",
			"task", t.handler.Name(),
			"duration", time.Since(started),
			"error", err)
		return
	}
	s.logger.Debug("Scheduled task completed",
		"task", t.handler.Name(),
		"duration", time.Since(started))
}

// Start begins executing scheduled tasks
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
}

// Stop stops the scheduler and waits for running tasks
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Scheduler stopped")
}
