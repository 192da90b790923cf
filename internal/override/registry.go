package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/communitywatch/response-core/internal/audit"
	"github.com/communitywatch/response-core/internal/metrics"
)

// ErrNotAuthorized is returned when the granting actor lacks a
// privileged role.
var ErrNotAuthorized = errors.New("actor is not authorized to grant overrides")

// FlagStore holds time-bounded override flags. Presence of a flag is
// the whole contract; expiry removes it passively.
type FlagStore interface {
	Set(ctx context.Context, key string, ttl time.Duration) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// RoleResolver answers whether a user holds a role that qualifies for
// limiter bypass. It is an external collaborator.
type RoleResolver interface {
	HasPrivilegedRole(ctx context.Context, user string) (bool, error)
}

// Registry manages limiter bypass flags keyed by (identity, action).
// A present flag skips both limiters entirely; absence, including after
// expiry, means normal limiting resumes. There is no unbounded override.
type Registry struct {
	store      FlagStore
	resolver   RoleResolver
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     *slog.Logger
	metrics    *metrics.Collector
	auditSink  audit.Sink
}

// NewRegistry creates an override registry
func NewRegistry(store FlagStore, resolver RoleResolver, defaultTTL, maxTTL time.Duration, logger *slog.Logger, collector *metrics.Collector, auditSink audit.Sink) *Registry {
	return &Registry{
		store:      store,
		resolver:   resolver,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		logger:     logger,
		metrics:    collector,
		auditSink:  auditSink,
	}
}

// flagKey builds the single flag key for one (identity, action) pair.
// All override key construction goes through here.
func flagKey(identity, action string) string {
	return fmt.Sprintf("ovr:%s:%s", identity, action)
}

// Has reports whether an active override exists for (identity, action)
func (r *Registry) Has(ctx context.Context, identity, action string) (bool, error) {
	present, err := r.store.Has(ctx, flagKey(identity, action))
	if err != nil {
		return false, fmt.Errorf("failed to check override flag: %w", err)
	}
	return present, nil
}

// Grant sets an override for (identity, action) on behalf of actor.
// The actor must hold a privileged role; without a resolver no grant is
// possible. The duration is clamped to the configured maximum, and a
// non-positive duration takes the default.
func (r *Registry) Grant(ctx context.Context, actor, identity, action string, ttl time.Duration) error {
	if r.resolver == nil {
		return ErrNotAuthorized
	}
	privileged, err := r.resolver.HasPrivilegedRole(ctx, actor)
	if err != nil {
		return fmt.Errorf("failed to resolve role for %s: %w", actor, err)
	}
	if !privileged {
		return ErrNotAuthorized
	}

	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if ttl > r.maxTTL {
		ttl = r.maxTTL
	}

	if err := r.store.Set(ctx, flagKey(identity, action), ttl); err != nil {
		return fmt.Errorf("failed to set override flag: %w", err)
	}

	r.metrics.RecordOverrideGrant()
	r.auditSink.Record(ctx, actor, audit.ActionOverrideGranted, audit.SeverityWarning, map[string]interface{}{
		"identity":    identity,
		"action":      action,
		"ttl_seconds": int(ttl.Seconds()),
	})
	r.logger.Info("Override granted",
		"actor", actor,
		"identity", identity,
		"action", action,
		"ttl", ttl)
	return nil
}

// GrantForRole sets an override for identity on its own behalf when the
// identity itself holds a privileged role. Returns whether an override
// was granted.
func (r *Registry) GrantForRole(ctx context.Context, identity, action string) (bool, error) {
	if r.resolver == nil {
		return false, nil
	}
	privileged, err := r.resolver.HasPrivilegedRole(ctx, identity)
	if err != nil {
		return false, fmt.Errorf("failed to resolve role for %s: %w", identity, err)
	}
	if !privileged {
		return false, nil
	}

	if err := r.store.Set(ctx, flagKey(identity, action), r.defaultTTL); err != nil {
		return false, fmt.Errorf("failed to set override flag: %w", err)
	}

	r.metrics.RecordOverrideGrant()
	r.auditSink.Record(ctx, identity, audit.ActionOverrideGranted, audit.SeverityWarning, map[string]interface{}{
		"identity":    identity,
		"action":      action,
		"ttl_seconds": int(r.defaultTTL.Seconds()),
		"granted_by":  "privileged_role",
	})
	return true, nil
}

// Revoke removes an override before its expiry
func (r *Registry) Revoke(ctx context.Context, identity, action string) error {
	if err := r.store.Delete(ctx, flagKey(identity, action)); err != nil {
		return fmt.Errorf("failed to revoke override flag: %w", err)
	}
	r.logger.Info("Override revoked", "identity", identity, "action", action)
	return nil
}
