package ratelimit

import (
	"fmt"
	"time"

	"github.com/communitywatch/response-core/internal/config"
)

// Action is the closed set of throttled operations. Every limiter call
// names one of these; there is no string-keyed dispatch beyond parsing
// configuration.
type Action string

const (
	ActionPanicActivate  Action = "panic_activate"
	ActionIncidentReport Action = "incident_report"
	ActionIncidentUpdate Action = "incident_update"
	ActionMessageSend    Action = "message_send"
	ActionLocationPing   Action = "location_ping"
	ActionMediaUpload    Action = "media_upload"
	ActionSyncBatch      Action = "sync_batch"
	ActionContactManage  Action = "contact_manage"
)

var knownActions = map[Action]struct{}{
	ActionPanicActivate:  {},
	ActionIncidentReport: {},
	ActionIncidentUpdate: {},
	ActionMessageSend:    {},
	ActionLocationPing:   {},
	ActionMediaUpload:    {},
	ActionSyncBatch:      {},
	ActionContactManage:  {},
}

// ParseAction validates a configured or client-supplied action name
func ParseAction(name string) (Action, error) {
	action := Action(name)
	if _, ok := knownActions[action]; !ok {
		return "", fmt.Errorf("unknown action: %s", name)
	}
	return action, nil
}

// Limit is one admission budget: at most MaxRequests per Window
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// Table maps actions to limits. The steady-state table always resolves
// through its fallback; the burst table has no fallback, so actions
// missing from it carry no burst policy at all.
type Table struct {
	fallback *Limit
	limits   map[Action]Limit
}

// Lookup resolves the limit for action
func (t *Table) Lookup(action Action) (Limit, bool) {
	if limit, ok := t.limits[action]; ok {
		return limit, true
	}
	if t.fallback != nil {
		return *t.fallback, true
	}
	return Limit{}, false
}

// Built-in per-action budgets, used when configuration does not name an
// action. Ratios between the two tables are configuration, not logic.
var defaultSteadyLimits = map[Action]Limit{
	ActionPanicActivate:  {MaxRequests: 5, Window: 60 * time.Second},
	ActionIncidentReport: {MaxRequests: 10, Window: 5 * time.Minute},
	ActionIncidentUpdate: {MaxRequests: 30, Window: time.Minute},
	ActionMessageSend:    {MaxRequests: 30, Window: time.Minute},
	ActionLocationPing:   {MaxRequests: 120, Window: time.Minute},
	ActionMediaUpload:    {MaxRequests: 10, Window: time.Minute},
	ActionSyncBatch:      {MaxRequests: 20, Window: time.Minute},
	ActionContactManage:  {MaxRequests: 10, Window: time.Minute},
}

var defaultBurstLimits = map[Action]Limit{
	ActionPanicActivate: {MaxRequests: 3, Window: 10 * time.Second},
	ActionMessageSend:   {MaxRequests: 10, Window: 10 * time.Second},
	ActionLocationPing:  {MaxRequests: 30, Window: 10 * time.Second},
}

// NewTables builds the steady and burst tables from configuration,
// overlaying configured budgets on the built-in defaults.
func NewTables(cfg config.RateLimitConfig) (steady *Table, burst *Table, err error) {
	fallback := Limit{
		MaxRequests: cfg.Default.MaxRequests,
		Window:      time.Duration(cfg.Default.WindowSeconds) * time.Second,
	}
	if fallback.MaxRequests <= 0 || fallback.Window <= 0 {
		fallback = Limit{MaxRequests: 10, Window: 60 * time.Second}
	}

	steadyLimits := make(map[Action]Limit, len(defaultSteadyLimits))
	for action, limit := range defaultSteadyLimits {
		steadyLimits[action] = limit
	}
	burstLimits := make(map[Action]Limit, len(defaultBurstLimits))
	for action, limit := range defaultBurstLimits {
		burstLimits[action] = limit
	}

	for name, limit := range cfg.Actions {
		action, err := ParseAction(name)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid rate_limit.actions entry: %w", err)
		}
		if limit.MaxRequests <= 0 || limit.WindowSeconds <= 0 {
			return nil, nil, fmt.Errorf("rate_limit.actions.%s: max_requests and window_seconds must be positive", name)
		}
		steadyLimits[action] = Limit{
			MaxRequests: limit.MaxRequests,
			Window:      time.Duration(limit.WindowSeconds) * time.Second,
		}
	}
	for name, limit := range cfg.Burst {
		action, err := ParseAction(name)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid rate_limit.burst entry: %w", err)
		}
		if limit.MaxRequests <= 0 || limit.WindowSeconds <= 0 {
			return nil, nil, fmt.Errorf("rate_limit.burst.%s: max_requests and window_seconds must be positive", name)
		}
		burstLimits[action] = Limit{
			MaxRequests: limit.MaxRequests,
			Window:      time.Duration(limit.WindowSeconds) * time.Second,
		}
	}

	steady = &Table{fallback: &fallback, limits: steadyLimits}
	burst = &Table{limits: burstLimits}
	return steady, burst, nil
}
