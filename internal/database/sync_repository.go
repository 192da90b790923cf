package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SyncRepository is the authoritative store behind the sync reconciler
type SyncRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewSyncRepository creates a new sync repository
func NewSyncRepository(db *sqlx.DB, logger *slog.Logger) *SyncRepository {
	return &SyncRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// GetEntity returns the server copy of one entity, or nil when absent
func (r *SyncRepository) GetEntity(ctx context.Context, dataType, entityID string) (*SyncEntity, error) {
	query := `
		SELECT * FROM sync_entities
		WHERE data_type = $1 AND entity_id = $2`

	var entity SyncEntity
	err := r.db.GetContext(ctx, &entity, query, dataType, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync entity %s/%s: %w", dataType, entityID, err)
	}

	return &entity, nil
}

// UpsertEntity writes the client payload through as the new server copy
func (r *SyncRepository) UpsertEntity(ctx context.Context, dataType, entityID string, payload JSONMap, updatedAt time.Time) error {
	query := `
		INSERT INTO sync_entities (data_type, entity_id, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (data_type, entity_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, dataType, entityID, payload, updatedAt); err != nil {
		r.logger.Error("Failed to upsert sync entity",
			"data_type", dataType,
			"entity_id", entityID,
			"error", err)
		return fmt.Errorf("failed to upsert sync entity %s/%s: %w", dataType, entityID, err)
	}

	return nil
}

// DeleteEntity removes the server copy. Deleting an absent entity is a
// success: existed reports whether a row was actually removed.
func (r *SyncRepository) DeleteEntity(ctx context.Context, dataType, entityID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_entities WHERE data_type = $1 AND entity_id = $2`, dataType, entityID)
	if err != nil {
		return false, fmt.Errorf("failed to delete sync entity %s/%s: %w", dataType, entityID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// RecordConflict persists one detected conflict for audit
func (r *SyncRepository) RecordConflict(ctx context.Context, conflict *SyncConflict) error {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	conflict.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO sync_conflicts (
			id, session_id, data_type, entity_id,
			server_timestamp, client_timestamp, resolution, created_at
		) VALUES (
			:id, :session_id, :data_type, :entity_id,
			:server_timestamp, :client_timestamp, :resolution, :created_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, conflict); err != nil {
		r.logger.Error("Failed to record sync conflict",
			"session_id", conflict.SessionID,
			"data_type", conflict.DataType,
			"entity_id", conflict.EntityID,
			"error", err)
		return fmt.Errorf("failed to record sync conflict: %w", err)
	}

	return nil
}
