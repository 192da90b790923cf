package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RuleRepository manages escalation rules and their targets
type RuleRepository struct {
	BaseRepository
	logger   *slog.Logger
	validate *validator.Validate
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *sqlx.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
		validate:       validator.New(),
	}
}

// ListActive returns active rules ordered by delay ascending so a sweep
// evaluates shorter-fuse rules first. Rules sharing a delay order by
// creation time.
func (r *RuleRepository) ListActive(ctx context.Context) ([]*EscalationRule, error) {
	query := `
		SELECT * FROM escalation_rules
		WHERE active = true
		ORDER BY delay_seconds ASC, created_at ASC`

	var rules []*EscalationRule
	if err := r.db.SelectContext(ctx, &rules, query); err != nil {
		r.logger.Error("Failed to list active escalation rules", "error", err)
		return nil, fmt.Errorf("failed to list active escalation rules: %w", err)
	}

	return rules, nil
}

// ListTargets returns the targets of one rule in target order, with
// responder and contact phones resolved through left joins. A target
// whose referenced entity was deleted keeps nil phones and resolves to
// its raw destination, or to nothing.
func (r *RuleRepository) ListTargets(ctx context.Context, ruleID string) ([]*EscalationTarget, error) {
	query := `
		SELECT
			t.id, t.rule_id, t.position, t.channel,
			t.responder_id, t.contact_id, t.destination,
			resp.phone AS responder_phone,
			c.phone AS contact_phone
		FROM escalation_targets t
		LEFT JOIN responders resp ON resp.id = t.responder_id
		LEFT JOIN contacts c ON c.id = t.contact_id
		WHERE t.rule_id = $1
		ORDER BY t.position ASC`

	var targets []*EscalationTarget
	if err := r.db.SelectContext(ctx, &targets, query, ruleID); err != nil {
		r.logger.Error("Failed to list escalation targets", "rule_id", ruleID, "error", err)
		return nil, fmt.Errorf("failed to list escalation targets: %w", err)
	}

	return targets, nil
}

// Create stores a new escalation rule
func (r *RuleRepository) Create(ctx context.Context, rule *EscalationRule) error {
	if err := r.validate.Struct(rule); err != nil {
		return fmt.Errorf("invalid escalation rule: %w", err)
	}

	query := `
		INSERT INTO escalation_rules (
			id, name, province, min_priority, delay_seconds, active,
			created_by, created_at, updated_at
		) VALUES (
			:id, :name, :province, :min_priority, :delay_seconds, :active,
			:created_by, :created_at, :updated_at
		)`

	rule.CreatedAt = time.Now().UTC()
	rule.UpdatedAt = rule.CreatedAt

	if _, err := r.db.NamedExecContext(ctx, query, rule); err != nil {
		r.logger.Error("Failed to create escalation rule",
			"rule_id", rule.ID,
			"name", rule.Name,
			"error", err)
		return fmt.Errorf("failed to create escalation rule: %w", err)
	}

	r.logger.Info("Escalation rule created",
		"rule_id", rule.ID,
		"name", rule.Name,
		"delay_seconds", rule.DelaySeconds)
	return nil
}

// AddTarget appends a target to a rule. A target must name at least one
// of responder, contact or raw destination; never-empty resolution at
// creation time is guaranteed here, though later deletions of the
// referenced entity may still leave it unresolvable.
func (r *RuleRepository) AddTarget(ctx context.Context, target *EscalationTarget) error {
	if target.ResponderID == nil && target.ContactID == nil &&
		(target.Destination == nil || *target.Destination == "") {
		return fmt.Errorf("escalation target must reference a responder, a contact or a destination")
	}

	if target.ID == "" {
		target.ID = uuid.New().String()
	}

	query := `
		INSERT INTO escalation_targets (
			id, rule_id, position, channel, responder_id, contact_id, destination
		) VALUES (
			:id, :rule_id, :position, :channel, :responder_id, :contact_id, :destination
		)`

	if _, err := r.db.NamedExecContext(ctx, query, target); err != nil {
		r.logger.Error("Failed to add escalation target",
			"rule_id", target.RuleID,
			"position", target.Position,
			"error", err)
		return fmt.Errorf("failed to add escalation target: %w", err)
	}

	return nil
}

// SetActive enables or disables a rule
func (r *RuleRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE escalation_rules SET active = $2, updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to update escalation rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("escalation rule not found: %s", id)
	}

	r.logger.Info("Escalation rule updated", "rule_id", id, "active", active)
	return nil
}
