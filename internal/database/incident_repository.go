package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// IncidentRepository reads incidents and appends incident events. The
// incident lifecycle itself lives outside this engine.
type IncidentRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewIncidentRepository creates a new incident repository
func NewIncidentRepository(db *sqlx.DB, logger *slog.Logger) *IncidentRepository {
	return &IncidentRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// EscalationFilter selects incidents due for escalation under one rule
type EscalationFilter struct {
	Province      *string
	MinPriority   *int
	CreatedBefore time.Time
}

// QueryOpenBefore returns OPEN incidents matching the filter, oldest
// first.
func (r *IncidentRepository) QueryOpenBefore(ctx context.Context, filter EscalationFilter) ([]*Incident, error) {
	query := `
		SELECT * FROM incidents
		WHERE status = $1 AND created_at <= $2`
	args := []interface{}{IncidentStatusOpen, filter.CreatedBefore}
	argIndex := 2

	if filter.Province != nil {
		argIndex++
		query += fmt.Sprintf(" AND province = $%d", argIndex)
		args = append(args, *filter.Province)
	}
	if filter.MinPriority != nil {
		argIndex++
		query += fmt.Sprintf(" AND priority >= $%d", argIndex)
		args = append(args, *filter.MinPriority)
	}
	query += " ORDER BY created_at ASC"

	var incidents []*Incident
	if err := r.db.SelectContext(ctx, &incidents, query, args...); err != nil {
		r.logger.Error("Failed to query open incidents", "error", err)
		return nil, fmt.Errorf("failed to query open incidents: %w", err)
	}

	return incidents, nil
}

// GetByID retrieves one incident
func (r *IncidentRepository) GetByID(ctx context.Context, id string) (*Incident, error) {
	var incident Incident
	err := r.db.GetContext(ctx, &incident, `SELECT * FROM incidents WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get incident by ID: %w", err)
	}
	return &incident, nil
}

// InsertEscalationMark writes the idempotency mark for one (incident,
// rule) pair. A unique index backs the at-most-once contract: when the
// mark already exists the insert is a no-op and created is false, which
// callers treat as success.
func (r *IncidentRepository) InsertEscalationMark(ctx context.Context, incidentID, ruleID string, metadata JSONMap) (bool, error) {
	query := `
		INSERT INTO incident_events (id, incident_id, event_type, rule_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		uuid.New().String(), incidentID, IncidentEventEscalated, ruleID, metadata, time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to insert escalation mark",
			"incident_id", incidentID,
			"rule_id", ruleID,
			"error", err)
		return false, fmt.Errorf("failed to insert escalation mark: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// HasEscalationMark reports whether (incident, rule) already escalated
func (r *IncidentRepository) HasEscalationMark(ctx context.Context, incidentID, ruleID string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM incident_events
		WHERE incident_id = $1 AND rule_id = $2 AND event_type = $3`

	var count int
	if err := r.db.GetContext(ctx, &count, query, incidentID, ruleID, IncidentEventEscalated); err != nil {
		return false, fmt.Errorf("failed to check escalation mark: %w", err)
	}
	return count > 0, nil
}

// ListEvents returns the events appended to one incident, oldest first
func (r *IncidentRepository) ListEvents(ctx context.Context, incidentID string) ([]*IncidentEvent, error) {
	query := `
		SELECT * FROM incident_events
		WHERE incident_id = $1
		ORDER BY created_at ASC`

	var events []*IncidentEvent
	if err := r.db.SelectContext(ctx, &events, query, incidentID); err != nil {
		return nil, fmt.Errorf("failed to list incident events: %w", err)
	}
	return events, nil
}
