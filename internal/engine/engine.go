// Package engine exposes the in-process entry points of the response
// core: admission control, override management, escalation sweeps and
// offline sync reconciliation. The web layer above depends only on this
// facade.
package engine

import (
	"context"
	"time"

	"github.com/communitywatch/response-core/internal/escalation"
	"github.com/communitywatch/response-core/internal/override"
	"github.com/communitywatch/response-core/internal/ratelimit"
	"github.com/communitywatch/response-core/internal/syncer"
)

// Engine composes the response-core subsystems behind one surface
type Engine struct {
	gate       *ratelimit.Gate
	overrides  *override.Registry
	escalation *escalation.Engine
	reconciler *syncer.Reconciler
}

// New creates the engine facade
func New(gate *ratelimit.Gate, overrides *override.Registry, escalationEngine *escalation.Engine, reconciler *syncer.Reconciler) *Engine {
	return &Engine{
		gate:       gate,
		overrides:  overrides,
		escalation: escalationEngine,
		reconciler: reconciler,
	}
}

// CheckRate reports the current budget for (identity, action) without
// consuming any of it.
func (e *Engine) CheckRate(ctx context.Context, identity string, action ratelimit.Action, identifier string) ratelimit.Decision {
	return e.gate.Check(ctx, identity, action, identifier)
}

// Admit runs the full admission pipeline: override, steady-state
// limiter, then burst limiter where a burst policy applies.
func (e *Engine) Admit(ctx context.Context, identity string, action ratelimit.Action, identifier string) ratelimit.Decision {
	return e.gate.Allow(ctx, identity, action, identifier)
}

// HasOverride reports whether an active override exists
func (e *Engine) HasOverride(ctx context.Context, identity, action string) (bool, error) {
	return e.overrides.Has(ctx, identity, action)
}

// GrantOverride grants a time-bounded limiter bypass
func (e *Engine) GrantOverride(ctx context.Context, actor, identity, action string, ttl time.Duration) error {
	return e.overrides.Grant(ctx, actor, identity, action, ttl)
}

// SelfGrantOverride grants identity a bypass on its own behalf when it
// holds a privileged role. Returns whether an override was granted.
func (e *Engine) SelfGrantOverride(ctx context.Context, identity, action string) (bool, error) {
	return e.overrides.GrantForRole(ctx, identity, action)
}

// RunEscalationSweep evaluates all active escalation rules once
func (e *Engine) RunEscalationSweep(ctx context.Context) (*escalation.Result, error) {
	return e.escalation.RunSweep(ctx)
}

// CreateSyncSession opens an offline sync session
func (e *Engine) CreateSyncSession(ctx context.Context, userID, deviceID, mode string) (*syncer.Session, error) {
	return e.reconciler.CreateSession(ctx, userID, deviceID, mode)
}

// ProcessSyncBatch reconciles one batch of offline mutations
func (e *Engine) ProcessSyncBatch(ctx context.Context, sessionID string, items []syncer.Item) (*syncer.BatchResult, error) {
	return e.reconciler.ProcessBatch(ctx, sessionID, items)
}

// ResolveConflicts applies resolutions to conflicts retained in the
// session.
func (e *Engine) ResolveConflicts(ctx context.Context, sessionID string, requests []syncer.ResolutionRequest) (int, error) {
	return e.reconciler.ResolveConflicts(ctx, sessionID, requests)
}

// CloseSyncSession transitions the session to its terminal state
func (e *Engine) CloseSyncSession(ctx context.Context, sessionID string) error {
	return e.reconciler.CloseSession(ctx, sessionID)
}

// Checksum computes the canonical digest clients use to verify batch
// integrity before submission.
func (e *Engine) Checksum(data interface{}) string {
	return syncer.Checksum(data)
}
