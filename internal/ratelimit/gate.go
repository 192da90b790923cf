package ratelimit

import (
	"context"
	"log/slog"

	"github.com/communitywatch/response-core/internal/audit"
	"github.com/communitywatch/response-core/internal/metrics"
	"github.com/communitywatch/response-core/internal/override"
)

// Gate is the request-path admission pipeline: override registry first,
// then the steady-state limiter, then the burst limiter for actions
// that carry a burst policy. A request must pass both limiters; an
// active override skips them entirely, leaving their counters untouched.
type Gate struct {
	overrides *override.Registry
	rate      *Limiter
	burst     *Limiter
	logger    *slog.Logger
	metrics   *metrics.Collector
	auditSink audit.Sink
}

// NewGate creates the admission gate
func NewGate(overrides *override.Registry, rate, burst *Limiter, logger *slog.Logger, collector *metrics.Collector, auditSink audit.Sink) *Gate {
	return &Gate{
		overrides: overrides,
		rate:      rate,
		burst:     burst,
		logger:    logger,
		metrics:   collector,
		auditSink: auditSink,
	}
}

// Allow runs the full admission pipeline for one request. The returned
// decision is the one that determined the outcome: the burst decision
// when the burst gate rejected, otherwise the steady-state decision.
func (g *Gate) Allow(ctx context.Context, identity string, action Action, identifier string) Decision {
	active, err := g.overrides.Has(ctx, identity, string(action))
	if err != nil {
		// An unreachable flag store means no bypass, not a failure:
		// the limiters below still decide admission.
		g.logger.Warn("Override lookup failed, continuing without bypass",
			"identity", identity,
			"action", action,
			"error", err)
	}
	if active {
		g.metrics.RecordOverrideUse()
		g.auditSink.Record(ctx, identity, audit.ActionOverrideUsed, audit.SeverityInfo, map[string]interface{}{
			"action": string(action),
		})
		return Decision{Admitted: true, Reason: ReasonOverride}
	}

	decision := g.rate.Admit(ctx, identity, action, nil, identifier)
	if !decision.Admitted {
		return decision
	}

	if _, hasBurst := g.burst.table.Lookup(action); !hasBurst {
		return decision
	}

	burstDecision := g.burst.Admit(ctx, identity, action, nil, identifier)
	if !burstDecision.Admitted {
		return burstDecision
	}
	return decision
}

// Check reports the steady-state budget without consuming any of it
func (g *Gate) Check(ctx context.Context, identity string, action Action, identifier string) Decision {
	active, err := g.overrides.Has(ctx, identity, string(action))
	if err == nil && active {
		return Decision{Admitted: true, Reason: ReasonOverride}
	}
	return g.rate.Check(ctx, identity, action, nil, identifier)
}
