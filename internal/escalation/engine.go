package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/communitywatch/response-core/internal/audit"
	"github.com/communitywatch/response-core/internal/database"
	"github.com/communitywatch/response-core/internal/metrics"
)

// RuleSource loads escalation rules and their targets. Rules are read
// once per sweep and treated as immutable for its duration.
type RuleSource interface {
	ListActive(ctx context.Context) ([]*database.EscalationRule, error)
	ListTargets(ctx context.Context, ruleID string) ([]*database.EscalationTarget, error)
}

// IncidentSource reads incidents and owns the escalation marks
type IncidentSource interface {
	QueryOpenBefore(ctx context.Context, filter database.EscalationFilter) ([]*database.Incident, error)
	HasEscalationMark(ctx context.Context, incidentID, ruleID string) (bool, error)
	InsertEscalationMark(ctx context.Context, incidentID, ruleID string, metadata database.JSONMap) (bool, error)
}

// MessageSink enqueues outbound messages. Delivery and retry are the
// sink's concern; the sweep treats enqueue as fire-and-forget.
type MessageSink interface {
	Enqueue(ctx context.Context, destination, channel, body string, metadata map[string]interface{}) error
}

// EventPublisher publishes escalation events to the event stream
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload interface{}) error
}

// Result summarizes one sweep for observability
type Result struct {
	RulesEvaluated     int
	EscalatedIncidents []string
	MessagesEnqueued   int
	Failures           int
	Duration           time.Duration
}

// EscalatedEvent is published for every mark written in a sweep
type EscalatedEvent struct {
	IncidentID string    `json:"incident_id"`
	RuleID     string    `json:"rule_id"`
	Priority   int       `json:"priority"`
	Province   string    `json:"province"`
	Targets    int       `json:"targets"`
	IncidentAt time.Time `json:"incident_at"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// Engine evaluates escalation rules against aged OPEN incidents and
// fans out exactly one notification set per (incident, rule) pair. It
// holds no locks; sweeps may run concurrently with request traffic and
// rely on the durable mark for idempotency.
type Engine struct {
	rules     RuleSource
	incidents IncidentSource
	sink      MessageSink
	events    EventPublisher
	logger    *slog.Logger
	metrics   *metrics.Collector
	auditSink audit.Sink
	now       func() time.Time
}

// NewEngine creates an escalation engine
func NewEngine(rules RuleSource, incidents IncidentSource, sink MessageSink, events EventPublisher, logger *slog.Logger, collector *metrics.Collector, auditSink audit.Sink) *Engine {
	return &Engine{
		rules:     rules,
		incidents: incidents,
		sink:      sink,
		events:    events,
		logger:    logger,
		metrics:   collector,
		auditSink: auditSink,
		now:       time.Now,
	}
}

// RunSweep evaluates every active rule once. Rules come back ordered by
// delay ascending, so an incident maturing several rules in one sweep
// notifies the shortest-fuse rule's targets first. A failure in one
// (rule, incident) unit never aborts the rest of the sweep.
func (e *Engine) RunSweep(ctx context.Context) (*Result, error) {
	started := e.now()
	result := &Result{}

	rules, err := e.rules.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load escalation rules: %w", err)
	}

	for _, rule := range rules {
		result.RulesEvaluated++
		if err := e.sweepRule(ctx, rule, result); err != nil {
			result.Failures++
			e.logger.Error("Escalation rule sweep failed",
				"rule_id", rule.ID,
				"error", err)
		}
	}

	result.Duration = e.now().Sub(started)
	e.metrics.RecordSweep(result.Duration, len(result.EscalatedIncidents), result.Failures)
	e.logger.Info("Escalation sweep completed",
		"rules_evaluated", result.RulesEvaluated,
		"incidents_escalated", len(result.EscalatedIncidents),
		"messages_enqueued", result.MessagesEnqueued,
		"failures", result.Failures,
		"duration", result.Duration)

	return result, nil
}

func (e *Engine) sweepRule(ctx context.Context, rule *database.EscalationRule, result *Result) error {
	cutoff := e.now().Add(-rule.Delay())
	incidents, err := e.incidents.QueryOpenBefore(ctx, database.EscalationFilter{
		Province:      rule.Province,
		MinPriority:   rule.MinPriority,
		CreatedBefore: cutoff,
	})
	if err != nil {
		return fmt.Errorf("failed to query incidents for rule %s: %w", rule.ID, err)
	}
	if len(incidents) == 0 {
		return nil
	}

	targets, err := e.rules.ListTargets(ctx, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to load targets for rule %s: %w", rule.ID, err)
	}

	for _, incident := range incidents {
		if err := e.escalate(ctx, rule, targets, incident, result); err != nil {
			result.Failures++
			e.logger.Error("Incident escalation failed",
				"rule_id", rule.ID,
				"incident_id", incident.ID,
				"error", err)
		}
	}
	return nil
}

// escalate notifies every resolvable target of one rule for one
// incident, then writes the mark. Messages go out before the mark on
// purpose: a crash mid-loop causes at most a partial re-send on the
// next sweep, never a silently skipped escalation.
func (e *Engine) escalate(ctx context.Context, rule *database.EscalationRule, targets []*database.EscalationTarget, incident *database.Incident, result *Result) error {
	marked, err := e.incidents.HasEscalationMark(ctx, incident.ID, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to check escalation mark: %w", err)
	}
	if marked {
		return nil
	}

	body := fmt.Sprintf("Incident %s (priority %d, %s) open since %s has not been acknowledged.",
		incident.ID, incident.Priority, incident.Province,
		incident.CreatedAt.UTC().Format(time.RFC3339))

	enqueued := 0
	for _, target := range targets {
		destination := target.Resolve()
		if destination == "" {
			// Referenced responder/contact was deleted after the rule
			// was created; skip this target only.
			e.logger.Warn("Escalation target resolved to no destination, skipping",
				"rule_id", rule.ID,
				"target_id", target.ID)
			continue
		}

		err := e.sink.Enqueue(ctx, destination, target.Channel, body, map[string]interface{}{
			"incident_id": incident.ID,
			"rule_id":     rule.ID,
			"priority":    incident.Priority,
			"province":    incident.Province,
		})
		if err != nil {
			e.logger.Error("Failed to enqueue escalation message",
				"rule_id", rule.ID,
				"incident_id", incident.ID,
				"target_id", target.ID,
				"error", err)
			continue
		}
		enqueued++
	}
	result.MessagesEnqueued += enqueued

	created, err := e.incidents.InsertEscalationMark(ctx, incident.ID, rule.ID, database.JSONMap{
		"rule_id":           rule.ID,
		"rule_name":         rule.Name,
		"targets_notified":  enqueued,
		"delay_seconds":     rule.DelaySeconds,
		"incident_priority": incident.Priority,
	})
	if err != nil {
		return fmt.Errorf("failed to write escalation mark: %w", err)
	}
	if !created {
		// A concurrent sweep won the race; their mark stands and the
		// duplicate sends are bounded by this one pass.
		return nil
	}

	result.EscalatedIncidents = append(result.EscalatedIncidents, incident.ID)
	e.auditSink.Record(ctx, "escalation-engine", audit.ActionIncidentEscalated, audit.SeverityInfo, map[string]interface{}{
		"incident_id":      incident.ID,
		"rule_id":          rule.ID,
		"targets_notified": enqueued,
	})

	if e.events != nil {
		event := EscalatedEvent{
			IncidentID:  incident.ID,
			RuleID:      rule.ID,
			Priority:    incident.Priority,
			Province:    incident.Province,
			Targets:     enqueued,
			IncidentAt:  incident.CreatedAt,
			EscalatedAt: e.now().UTC(),
		}
		if err := e.events.Publish(ctx, incident.ID, event); err != nil {
			e.logger.Error("Failed to publish escalation event",
				"incident_id", incident.ID,
				"rule_id", rule.ID,
				"error", err)
		}
	}

	return nil
}
