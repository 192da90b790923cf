package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/communitywatch/response-core/internal/audit"
	"github.com/communitywatch/response-core/internal/counter"
	"github.com/communitywatch/response-core/internal/metrics"
)

// Limiter namespaces. The steady-state and burst limiters share the
// counter store but never a key.
const (
	NamespaceRate  = "rate"
	NamespaceBurst = "burst"
)

// Reason states why a decision came out the way it did. Fail-open
// admissions are distinguishable from normal ones in the type itself
// rather than only in logs.
type Reason string

const (
	ReasonWithinLimit Reason = "within_limit"
	ReasonLimited     Reason = "limited"
	ReasonFailOpen    Reason = "fail_open"
	ReasonOverride    Reason = "override"
	ReasonNoPolicy    Reason = "no_policy"
)

// Decision is the structured outcome of an admission check. Callers use
// the window bounds and remaining budget to render retry-after guidance.
type Decision struct {
	Admitted    bool      `json:"admitted"`
	Reason      Reason    `json:"reason"`
	Count       int64     `json:"count"`
	MaxRequests int       `json:"max_requests"`
	Remaining   int64     `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ResetAt     time.Time `json:"reset_at"`
	Err         error     `json:"-"`
}

// Limiter is a fixed-window admission controller over a shared counter
// store. One instance serves one namespace.
type Limiter struct {
	namespace string
	store     counter.Store
	table     *Table
	logger    *slog.Logger
	metrics   *metrics.Collector
	auditSink audit.Sink
	now       func() time.Time
}

// NewLimiter creates a limiter for the given namespace and limit table
func NewLimiter(namespace string, store counter.Store, table *Table, logger *slog.Logger, collector *metrics.Collector, auditSink audit.Sink) *Limiter {
	return &Limiter{
		namespace: namespace,
		store:     store,
		table:     table,
		logger:    logger,
		metrics:   collector,
		auditSink: auditSink,
		now:       time.Now,
	}
}

// windowKey builds the single counter key for one (identity, action,
// identifier, window) tuple. All key construction for limiter counters
// goes through here.
func windowKey(namespace, identity string, action Action, identifier string, windowStart int64) string {
	if identifier != "" {
		return fmt.Sprintf("rl:%s:%s:%s:%s:%d", namespace, identity, action, identifier, windowStart)
	}
	return fmt.Sprintf("rl:%s:%s:%s:%d", namespace, identity, action, windowStart)
}

// Prefix returns the key prefix owned by this limiter, for purges
func (l *Limiter) Prefix() string {
	return fmt.Sprintf("rl:%s:", l.namespace)
}

// resolve picks the effective limit: explicit override first, then the
// namespace table.
func (l *Limiter) resolve(action Action, explicit *Limit) (Limit, bool) {
	if explicit != nil {
		return *explicit, true
	}
	return l.table.Lookup(action)
}

func (l *Limiter) window(limit Limit, now time.Time) (start, end time.Time) {
	seconds := int64(limit.Window / time.Second)
	startUnix := now.Unix() / seconds * seconds
	return time.Unix(startUnix, 0).UTC(), time.Unix(startUnix+seconds, 0).UTC()
}

func (l *Limiter) decision(limit Limit, count int64, admitted bool, reason Reason, start, end time.Time) Decision {
	remaining := int64(limit.MaxRequests) - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Admitted:    admitted,
		Reason:      reason,
		Count:       count,
		MaxRequests: limit.MaxRequests,
		Remaining:   remaining,
		WindowStart: start,
		WindowEnd:   end,
		ResetAt:     end,
	}
}

// Admit atomically counts this request against the current window and
// decides admission. When the counter store is unreachable the request
// is admitted with ReasonFailOpen: emergency traffic is never blocked
// by an infrastructure outage, and the bypass stays visible through the
// audit sink and metrics.
func (l *Limiter) Admit(ctx context.Context, identity string, action Action, explicit *Limit, identifier string) Decision {
	limit, ok := l.resolve(action, explicit)
	if !ok {
		return Decision{Admitted: true, Reason: ReasonNoPolicy}
	}

	now := l.now()
	start, end := l.window(limit, now)
	key := windowKey(l.namespace, identity, action, identifier, start.Unix())

	count, err := l.store.IncrementAndExpire(ctx, key, limit.Window)
	if err != nil {
		l.logger.Error("Counter store unavailable, admitting fail-open",
			"namespace", l.namespace,
			"identity", identity,
			"action", action,
			"error", err)
		l.metrics.RecordFailOpen(l.namespace, string(action))
		l.auditSink.Record(ctx, identity, audit.ActionRateFailOpen, audit.SeverityWarning, map[string]interface{}{
			"namespace": l.namespace,
			"action":    string(action),
			"error":     err.Error(),
		})
		d := l.decision(limit, 0, true, ReasonFailOpen, start, end)
		d.Err = err
		return d
	}

	if count > int64(limit.MaxRequests) {
		l.metrics.RecordRateDecision(l.namespace, string(action), "limited")
		actionType := audit.ActionRateLimited
		if l.namespace == NamespaceBurst {
			actionType = audit.ActionBurstLimited
		}
		l.auditSink.Record(ctx, identity, actionType, audit.SeverityInfo, map[string]interface{}{
			"action":   string(action),
			"count":    count,
			"max":      limit.MaxRequests,
			"reset_at": end,
		})
		return l.decision(limit, count, false, ReasonLimited, start, end)
	}

	l.metrics.RecordRateDecision(l.namespace, string(action), "admitted")
	return l.decision(limit, count, true, ReasonWithinLimit, start, end)
}

// Check evaluates admission without consuming budget: it reads the
// current count and answers whether the next request would be admitted.
// Status endpoints use this; it never mutates limiter state.
func (l *Limiter) Check(ctx context.Context, identity string, action Action, explicit *Limit, identifier string) Decision {
	limit, ok := l.resolve(action, explicit)
	if !ok {
		return Decision{Admitted: true, Reason: ReasonNoPolicy}
	}

	now := l.now()
	start, end := l.window(limit, now)
	key := windowKey(l.namespace, identity, action, identifier, start.Unix())

	count, err := l.store.Get(ctx, key)
	if err != nil {
		l.logger.Error("Counter store unavailable on read-only check",
			"namespace", l.namespace,
			"identity", identity,
			"action", action,
			"error", err)
		d := l.decision(limit, 0, true, ReasonFailOpen, start, end)
		d.Err = err
		return d
	}

	if count >= int64(limit.MaxRequests) {
		return l.decision(limit, count, false, ReasonLimited, start, end)
	}
	return l.decision(limit, count, true, ReasonWithinLimit, start, end)
}
