package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Action types recorded by the engine. Every rejection, bypass and
// idempotency no-op lands here so limiter and escalation behavior stays
// reconstructable after the fact.
const (
	ActionOverrideGranted   = "override.granted"
	ActionOverrideUsed      = "override.used"
	ActionRateLimited       = "rate.limited"
	ActionBurstLimited      = "burst.limited"
	ActionRateFailOpen      = "rate.fail_open"
	ActionIncidentEscalated = "incident.escalated"
	ActionSyncSessionOpened = "sync.session_opened"
	ActionSyncSessionClosed = "sync.session_closed"
	ActionSyncConflict      = "sync.conflict"
)

// Severity levels for audit entries
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Entry is one audit record
type Entry struct {
	ID         string                 `json:"id"`
	Actor      string                 `json:"actor"`
	ActionType string                 `json:"action_type"`
	Severity   string                 `json:"severity"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// Sink receives audit entries from every engine component
type Sink interface {
	Record(ctx context.Context, actor, actionType, severity string, metadata map[string]interface{})
}

// EventPublisher publishes an audit entry to the event stream
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload interface{}) error
}

// Logger is the default Sink: it logs every entry through slog and,
// when a publisher is configured, forwards it to the audit topic.
// Publishing is best-effort; an unreachable broker must never block
// the request path that produced the entry.
type Logger struct {
	logger    *slog.Logger
	publisher EventPublisher
}

// NewLogger creates an audit sink backed by slog and an optional event publisher
func NewLogger(logger *slog.Logger, publisher EventPublisher) *Logger {
	return &Logger{
		logger:    logger,
		publisher: publisher,
	}
}

// Record logs and forwards one audit entry
func (l *Logger) Record(ctx context.Context, actor, actionType, severity string, metadata map[string]interface{}) {
	entry := Entry{
		ID:         uuid.New().String(),
		Actor:      actor,
		ActionType: actionType,
		Severity:   severity,
		Metadata:   metadata,
		RecordedAt: time.Now().UTC(),
	}

	l.logger.Info("Audit entry recorded",
		"audit_id", entry.ID,
		"actor", actor,
		"action_type", actionType,
		"severity", severity)

	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, actionType, entry); err != nil {
		l.logger.Error("Failed to publish audit entry",
			"audit_id", entry.ID,
			"action_type", actionType,
			"error", err)
	}
}

// Nop is a Sink that discards every entry, for tests and tools
type Nop struct{}

// Record discards the entry
func (Nop) Record(context.Context, string, string, string, map[string]interface{}) {}
