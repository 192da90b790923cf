package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus metrics for the engine. All recording
// methods are nil-safe so components can run without metrics in tests.
type Collector struct {
	rateDecisions      *prometheus.CounterVec
	rateFailOpens      *prometheus.CounterVec
	overrideUses       prometheus.Counter
	overrideGrants     prometheus.Counter
	sweepsTotal        prometheus.Counter
	sweepDuration      prometheus.Histogram
	sweepFailures      prometheus.Counter
	escalationsTotal   prometheus.Counter
	syncBatchesTotal   prometheus.Counter
	syncItemsTotal     *prometheus.CounterVec
	syncSessionsOpened prometheus.Counter
	syncSessionsClosed prometheus.Counter
	notificationsTotal *prometheus.CounterVec
}

// NewCollector registers the engine metrics against reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		rateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_core_rate_decisions_total",
			Help: "Admission decisions by namespace, action and outcome",
		}, []string{"namespace", "action", "outcome"}),
		rateFailOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_core_rate_fail_open_total",
			Help: "Admissions granted because the counter store was unreachable",
		}, []string{"namespace", "action"}),
		overrideUses: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_core_override_uses_total",
			Help: "Requests admitted through an active override",
		}),
		overrideGrants: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_core_override_grants_total",
			Help: "Overrides granted",
		}),
		sweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_core_escalation_sweeps_total",
			Help: "Escalation sweeps executed",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "response_core_escalation_sweep_duration_seconds",
			Help:    "Escalation sweep duration",
			Buckets: prometheus.DefBuckets,
		}),
		sweepFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_core_escalation_sweep_failures_total",
			Help: "Per rule/incident units that failed within a sweep",
		}),
		escalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_core_escalations_total",
			Help: "Escalation marks written",
		}),
		syncBatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_core_sync_batches_total",
			Help: "Sync batches processed",
		}),
		syncItemsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_core_sync_items_total",
			Help: "Sync items by outcome",
		}, []string{"outcome"}),
		syncSessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_core_sync_sessions_opened_total",
			Help: "Sync sessions opened",
		}),
		syncSessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_core_sync_sessions_closed_total",
			Help: "Sync sessions closed",
		}),
		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "response_core_notifications_total",
			Help: "Outbound notifications by channel and status",
		}, []string{"channel", "status"}),
	}
}

// RecordRateDecision counts one limiter decision
func (c *Collector) RecordRateDecision(namespace, action, outcome string) {
	if c == nil {
		return
	}
	c.rateDecisions.WithLabelValues(namespace, action, outcome).Inc()
}

// RecordFailOpen counts one fail-open admission
func (c *Collector) RecordFailOpen(namespace, action string) {
	if c == nil {
		return
	}
	c.rateFailOpens.WithLabelValues(namespace, action).Inc()
}

// RecordOverrideUse counts one override bypass
func (c *Collector) RecordOverrideUse() {
	if c == nil {
		return
	}
	c.overrideUses.Inc()
}

// RecordOverrideGrant counts one override grant
func (c *Collector) RecordOverrideGrant() {
	if c == nil {
		return
	}
	c.overrideGrants.Inc()
}

// RecordSweep records one completed escalation sweep
func (c *Collector) RecordSweep(duration time.Duration, escalated, failures int) {
	if c == nil {
		return
	}
	c.sweepsTotal.Inc()
	c.sweepDuration.Observe(duration.Seconds())
	c.escalationsTotal.Add(float64(escalated))
	c.sweepFailures.Add(float64(failures))
}

// RecordSyncBatch records the outcome counts of one processed batch
func (c *Collector) RecordSyncBatch(synced, conflicts, errors int) {
	if c == nil {
		return
	}
	c.syncBatchesTotal.Inc()
	c.syncItemsTotal.WithLabelValues("synced").Add(float64(synced))
	c.syncItemsTotal.WithLabelValues("conflict").Add(float64(conflicts))
	c.syncItemsTotal.WithLabelValues("error").Add(float64(errors))
}

// RecordSessionOpened counts one opened sync session
func (c *Collector) RecordSessionOpened() {
	if c == nil {
		return
	}
	c.syncSessionsOpened.Inc()
}

// RecordSessionClosed counts one closed sync session
func (c *Collector) RecordSessionClosed() {
	if c == nil {
		return
	}
	c.syncSessionsClosed.Inc()
}

// RecordNotification counts one outbound notification attempt
func (c *Collector) RecordNotification(channel, status string) {
	if c == nil {
		return
	}
	c.notificationsTotal.WithLabelValues(channel, status).Inc()
}
