package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/communitywatch/response-core/internal/audit"
	"github.com/communitywatch/response-core/internal/database"
	"github.com/communitywatch/response-core/internal/metrics"
)

// Terminal and lookup errors, distinguished so callers can tell "open a
// new session" apart from "fix your payload".
var (
	ErrSessionNotFound = errors.New("sync session not found")
	ErrSessionClosed   = errors.New("sync session is closed")
)

// Item operations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Conflict resolutions
const (
	ResolutionServerWins = "server_wins"
	ResolutionClientWins = "client_wins"
	ResolutionMerge      = "merge"
)

// Data types the reconciler accepts
var knownDataTypes = map[string]struct{}{
	"incident": {},
	"message":  {},
	"contact":  {},
	"location": {},
}

// Item is one client-submitted offline mutation. It is never persisted
// as its own entity; it is the unit of work fed to ProcessBatch.
type Item struct {
	DataType        string                 `json:"data_type"`
	ItemID          string                 `json:"item_id"`
	Operation       string                 `json:"operation"`
	ClientTimestamp time.Time              `json:"client_timestamp"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
}

// ConflictDetail is returned to the caller for every detected conflict
type ConflictDetail struct {
	DataType        string    `json:"data_type"`
	ItemID          string    `json:"item_id"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	ClientTimestamp time.Time `json:"client_timestamp"`
	Resolution      string    `json:"resolution"`
}

// BatchResult summarizes one processed batch
type BatchResult struct {
	Synced    int              `json:"synced"`
	Conflicts int              `json:"conflicts"`
	Errors    int              `json:"errors"`
	Details   []ConflictDetail `json:"conflict_details,omitempty"`
}

// ResolutionRequest asks for one retained conflict to be resolved
type ResolutionRequest struct {
	DataType   string `json:"data_type"`
	ItemID     string `json:"item_id"`
	Resolution string `json:"resolution"`
}

// EntityStore is the authoritative relational store behind the
// reconciler.
type EntityStore interface {
	GetEntity(ctx context.Context, dataType, entityID string) (*database.SyncEntity, error)
	UpsertEntity(ctx context.Context, dataType, entityID string, payload database.JSONMap, updatedAt time.Time) error
	DeleteEntity(ctx context.Context, dataType, entityID string) (bool, error)
	RecordConflict(ctx context.Context, conflict *database.SyncConflict) error
}

// Reconciler merges client-submitted offline mutations into the
// authoritative store with deterministic, per-item conflict handling.
// Batches for one session arrive sequentially from the client's
// perspective; different sessions share no mutable state outside their
// own store records.
type Reconciler struct {
	sessions          SessionStore
	entities          EntityStore
	inactivityTimeout time.Duration
	maxBatchItems     int
	logger            *slog.Logger
	metrics           *metrics.Collector
	auditSink         audit.Sink
	now               func() time.Time
}

// NewReconciler creates a sync reconciler
func NewReconciler(sessions SessionStore, entities EntityStore, inactivityTimeout time.Duration, maxBatchItems int, logger *slog.Logger, collector *metrics.Collector, auditSink audit.Sink) *Reconciler {
	return &Reconciler{
		sessions:          sessions,
		entities:          entities,
		inactivityTimeout: inactivityTimeout,
		maxBatchItems:     maxBatchItems,
		logger:            logger,
		metrics:           collector,
		auditSink:         auditSink,
		now:               time.Now,
	}
}

// CreateSession opens a new sync session for one user and device
func (r *Reconciler) CreateSession(ctx context.Context, userID, deviceID, mode string) (*Session, error) {
	switch mode {
	case ModeFull, ModeIncremental, ModeEmergencyOnly:
	default:
		return nil, fmt.Errorf("unknown sync mode: %s", mode)
	}

	now := r.now().UTC()
	session := &Session{
		ID:               uuid.New().String(),
		UserID:           userID,
		DeviceID:         deviceID,
		Mode:             mode,
		Status:           StatusActive,
		PendingConflicts: make(map[string]*PendingConflict),
		CreatedAt:        now,
		LastActivityAt:   now,
	}

	if err := r.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create sync session: %w", err)
	}

	r.metrics.RecordSessionOpened()
	r.auditSink.Record(ctx, userID, audit.ActionSyncSessionOpened, audit.SeverityInfo, map[string]interface{}{
		"session_id": session.ID,
		"device_id":  deviceID,
		"mode":       mode,
	})
	r.logger.Info("Sync session created",
		"session_id", session.ID,
		"user_id", userID,
		"device_id", deviceID,
		"mode", mode)

	return session, nil
}

// GetSession returns one session or ErrSessionNotFound
func (r *Reconciler) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ProcessBatch reconciles one batch of items against the authoritative
// store. Malformed items and per-item store failures are counted and
// skipped, never aborting the rest of the batch; session counters and
// last activity update once, after the batch.
func (r *Reconciler) ProcessBatch(ctx context.Context, sessionID string, items []Item) (*BatchResult, error) {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusActive {
		return nil, ErrSessionClosed
	}
	if r.maxBatchItems > 0 && len(items) > r.maxBatchItems {
		return nil, fmt.Errorf("batch of %d items exceeds the maximum of %d", len(items), r.maxBatchItems)
	}

	result := &BatchResult{}
	for _, item := range items {
		r.processItem(ctx, session, item, result)
	}

	session.TotalItems += len(items)
	session.SyncedItems += result.Synced
	session.ConflictItems += result.Conflicts
	session.ErrorItems += result.Errors
	session.LastActivityAt = r.now().UTC()
	if err := r.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session progress: %w", err)
	}

	r.metrics.RecordSyncBatch(result.Synced, result.Conflicts, result.Errors)
	r.logger.Info("Sync batch processed",
		"session_id", session.ID,
		"items", len(items),
		"synced", result.Synced,
		"conflicts", result.Conflicts,
		"errors", result.Errors)

	return result, nil
}

func (r *Reconciler) processItem(ctx context.Context, session *Session, item Item, result *BatchResult) {
	if err := validateItem(item); err != nil {
		result.Errors++
		r.logger.Warn("Rejected malformed sync item",
			"session_id", session.ID,
			"data_type", item.DataType,
			"item_id", item.ItemID,
			"error", err)
		return
	}

	server, err := r.entities.GetEntity(ctx, item.DataType, item.ItemID)
	if err != nil {
		result.Errors++
		r.logger.Error("Failed to load server entity",
			"session_id", session.ID,
			"data_type", item.DataType,
			"item_id", item.ItemID,
			"error", err)
		return
	}

	if server != nil && server.UpdatedAt.After(item.ClientTimestamp) {
		r.recordConflict(ctx, session, item, server, result)
		return
	}

	switch item.Operation {
	case OpCreate, OpUpdate:
		err = r.entities.UpsertEntity(ctx, item.DataType, item.ItemID, database.JSONMap(item.Payload), item.ClientTimestamp)
	case OpDelete:
		// Deleting an already-absent entity is a success, not an error.
		_, err = r.entities.DeleteEntity(ctx, item.DataType, item.ItemID)
	}
	if err != nil {
		result.Errors++
		r.logger.Error("Failed to apply sync item",
			"session_id", session.ID,
			"data_type", item.DataType,
			"item_id", item.ItemID,
			"operation", item.Operation,
			"error", err)
		return
	}

	result.Synced++
}

// recordConflict applies the default server-wins policy: the client
// mutation is withheld, the conflict is returned and persisted, and the
// client payload is retained in the session for a later resolution.
func (r *Reconciler) recordConflict(ctx context.Context, session *Session, item Item, server *database.SyncEntity, result *BatchResult) {
	result.Conflicts++
	detail := ConflictDetail{
		DataType:        item.DataType,
		ItemID:          item.ItemID,
		ServerTimestamp: server.UpdatedAt,
		ClientTimestamp: item.ClientTimestamp,
		Resolution:      ResolutionServerWins,
	}
	result.Details = append(result.Details, detail)

	if session.PendingConflicts == nil {
		session.PendingConflicts = make(map[string]*PendingConflict)
	}
	session.PendingConflicts[conflictKey(item.DataType, item.ItemID)] = &PendingConflict{
		DataType:        item.DataType,
		ItemID:          item.ItemID,
		ClientPayload:   item.Payload,
		ClientTimestamp: item.ClientTimestamp,
		ServerTimestamp: server.UpdatedAt,
	}

	if err := r.entities.RecordConflict(ctx, &database.SyncConflict{
		SessionID:       session.ID,
		DataType:        item.DataType,
		EntityID:        item.ItemID,
		ServerTimestamp: server.UpdatedAt,
		ClientTimestamp: item.ClientTimestamp,
		Resolution:      ResolutionServerWins,
	}); err != nil {
		r.logger.Error("Failed to persist conflict record",
			"session_id", session.ID,
			"data_type", item.DataType,
			"item_id", item.ItemID,
			"error", err)
	}

	r.auditSink.Record(ctx, session.UserID, audit.ActionSyncConflict, audit.SeverityInfo, map[string]interface{}{
		"session_id": session.ID,
		"data_type":  item.DataType,
		"item_id":    item.ItemID,
	})
}

// ResolveConflicts applies the requested resolutions to conflicts
// retained in the session. Unknown (dataType, itemID) pairs are
// skipped, not errors. Returns the number resolved.
func (r *Reconciler) ResolveConflicts(ctx context.Context, sessionID string, requests []ResolutionRequest) (int, error) {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if session.Status != StatusActive {
		return 0, ErrSessionClosed
	}

	resolved := 0
	for _, req := range requests {
		pending, ok := session.PendingConflicts[conflictKey(req.DataType, req.ItemID)]
		if !ok {
			continue
		}

		var applyErr error
		switch req.Resolution {
		case ResolutionServerWins:
			// Already in effect.
		case ResolutionClientWins:
			applyErr = r.entities.UpsertEntity(ctx, pending.DataType, pending.ItemID,
				database.JSONMap(pending.ClientPayload), r.now().UTC())
		case ResolutionMerge:
			applyErr = r.merge(ctx, pending)
		default:
			r.logger.Warn("Skipping unknown conflict resolution",
				"session_id", session.ID,
				"resolution", req.Resolution)
			continue
		}
		if applyErr != nil {
			r.logger.Error("Failed to apply conflict resolution",
				"session_id", session.ID,
				"data_type", req.DataType,
				"item_id", req.ItemID,
				"resolution", req.Resolution,
				"error", applyErr)
			continue
		}

		delete(session.PendingConflicts, conflictKey(req.DataType, req.ItemID))
		resolved++
	}

	session.LastActivityAt = r.now().UTC()
	if err := r.sessions.Save(ctx, session); err != nil {
		return resolved, fmt.Errorf("failed to persist session after resolution: %w", err)
	}

	return resolved, nil
}

// merge applies field-level last-writer-wins: for each field the copy
// with the later timestamp wins, so overlapping fields keep the newer
// server values while client-only fields are carried in.
func (r *Reconciler) merge(ctx context.Context, pending *PendingConflict) error {
	server, err := r.entities.GetEntity(ctx, pending.DataType, pending.ItemID)
	if err != nil {
		return fmt.Errorf("failed to load entity for merge: %w", err)
	}

	merged := make(database.JSONMap)
	clientNewer := pending.ClientTimestamp.After(pending.ServerTimestamp)
	if server != nil {
		for k, v := range server.Payload {
			merged[k] = v
		}
	}
	for k, v := range pending.ClientPayload {
		if _, exists := merged[k]; !exists || clientNewer {
			merged[k] = v
		}
	}

	updatedAt := pending.ServerTimestamp
	if clientNewer {
		updatedAt = pending.ClientTimestamp
	}
	return r.entities.UpsertEntity(ctx, pending.DataType, pending.ItemID, merged, updatedAt)
}

// CloseSession transitions the session to CLOSED. Further batches are
// rejected with ErrSessionClosed.
func (r *Reconciler) CloseSession(ctx context.Context, sessionID string) error {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == StatusClosed {
		return nil
	}

	session.Status = StatusClosed
	session.LastActivityAt = r.now().UTC()
	if err := r.sessions.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to close sync session: %w", err)
	}

	r.metrics.RecordSessionClosed()
	r.auditSink.Record(ctx, session.UserID, audit.ActionSyncSessionClosed, audit.SeverityInfo, map[string]interface{}{
		"session_id": session.ID,
		"synced":     session.SyncedItems,
		"conflicts":  session.ConflictItems,
		"errors":     session.ErrorItems,
	})
	r.logger.Info("Sync session closed",
		"session_id", session.ID,
		"synced", session.SyncedItems,
		"conflicts", session.ConflictItems,
		"errors", session.ErrorItems)

	return nil
}

// ExpireInactive closes sessions whose last activity is older than the
// inactivity timeout. The scheduler runs this periodically; store TTLs
// remove the records themselves.
func (r *Reconciler) ExpireInactive(ctx context.Context) (int, error) {
	sessions, err := r.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sync sessions: %w", err)
	}

	cutoff := r.now().UTC().Add(-r.inactivityTimeout)
	expired := 0
	for _, session := range sessions {
		if session.Status != StatusActive || session.LastActivityAt.After(cutoff) {
			continue
		}
		if err := r.CloseSession(ctx, session.ID); err != nil {
			r.logger.Error("Failed to expire inactive session",
				"session_id", session.ID,
				"error", err)
			continue
		}
		expired++
	}

	return expired, nil
}

func validateItem(item Item) error {
	if item.ItemID == "" {
		return errors.New("item identifier is required")
	}
	if _, ok := knownDataTypes[item.DataType]; !ok {
		return fmt.Errorf("unknown data type: %s", item.DataType)
	}
	switch item.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("unknown operation: %s", item.Operation)
	}
	if item.ClientTimestamp.IsZero() {
		return errors.New("client timestamp is required")
	}
	return nil
}
