package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/communitywatch/response-core/internal/escalation"
	"github.com/communitywatch/response-core/internal/syncer"
)

// EscalationSweepHandler triggers one escalation sweep per tick. The
// sweep itself is idempotent, so at-least-once scheduling is safe.
type EscalationSweepHandler struct {
	engine  *escalation.Engine
	timeout time.Duration
	logger  *slog.Logger
}

// NewEscalationSweepHandler creates the periodic sweep task
func NewEscalationSweepHandler(engine *escalation.Engine, timeout time.Duration, logger *slog.Logger) *EscalationSweepHandler {
	return &EscalationSweepHandler{
		engine:  engine,
		timeout: timeout,
		logger:  logger,
	}
}

// Execute runs one escalation sweep
func (h *EscalationSweepHandler) Execute(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result, err := h.engine.RunSweep(ctx)
	if err != nil {
		return fmt.Errorf("escalation sweep failed: %w", err)
	}

	if len(result.EscalatedIncidents) > 0 {
		h.logger.Info("Escalation sweep escalated incidents",
			"incident_ids", result.EscalatedIncidents)
	}
	return nil
}

// Name returns the task name
func (h *EscalationSweepHandler) Name() string {
	return "escalation-sweep"
}

// SessionExpiryHandler closes sync sessions that have been inactive
// past the configured threshold.
type SessionExpiryHandler struct {
	reconciler *syncer.Reconciler
	logger     *slog.Logger
}

// NewSessionExpiryHandler creates the session expiry task
func NewSessionExpiryHandler(reconciler *syncer.Reconciler, logger *slog.Logger) *SessionExpiryHandler {
	return &SessionExpiryHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

// Execute expires inactive sessions
func (h *SessionExpiryHandler) Execute(ctx context.Context) error {
	expired, err := h.reconciler.ExpireInactive(ctx)
	if err != nil {
		return fmt.Errorf("session expiry failed: %w", err)
	}

	if expired > 0 {
		h.logger.Info("Expired inactive sync sessions", "count", expired)
	}
	return nil
}

// Name returns the task name
func (h *SessionExpiryHandler) Name() string {
	return "sync-session-expiry"
}
