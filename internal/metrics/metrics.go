// Package metrics exposes the Prometheus gauges/counters carried as
// ambient stack per SPEC_FULL.md §3, grounded on
// github.com/prometheus/client_golang's direct-instrumentation style
// (marmos91-dittofs's pkg/metadata/lock package) rather than the
// teacher's bare expvar.Int counters (server/hub.go): this module's
// go.mod already pins client_golang, so prometheus collectors replace
// expvar instead of leaving the dependency unwired.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors is the fixed set of metrics the dispatcher and transport
// update. UpdateBatchesFlushed is registered but nothing in this module
// increments it. Register it once against a prometheus.Registerer at
// startup.
type Collectors struct {
	LiveSessions       prometheus.Gauge
	MessagesAccepted   prometheus.Counter
	MessagesRejected   *prometheus.CounterVec // label "reason": content_policy|validation
	AutoSuspensions    *prometheus.CounterVec // label "rule": burst|short_repeat|similar_repeat
	UpdateBatchesFlushed prometheus.Counter
	GapRecoveryBatches prometheus.Counter
}

// New builds a Collectors set and registers every metric against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tideline",
			Name:      "live_sessions",
			Help:      "Number of live client sessions currently registered in the hub.",
		}),
		MessagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tideline",
			Name:      "messages_accepted_total",
			Help:      "Public messages accepted by the dispatcher.",
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tideline",
			Name:      "messages_rejected_total",
			Help:      "Public messages rejected, by reason.",
		}, []string{"reason"}),
		AutoSuspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tideline",
			Name:      "auto_suspensions_total",
			Help:      "Automatic spam-triggered suspensions, by rule.",
		}, []string{"rule"}),
		UpdateBatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tideline",
			Name:      "update_batches_flushed_total",
			Help:      "Update batches durably logged and sent to a session.",
		}),
		GapRecoveryBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tideline",
			Name:      "gap_recovery_batches_total",
			Help:      "Update-log batches replayed to reconnecting sessions via getUpdates.",
		}),
	}
	reg.MustRegister(
		c.LiveSessions,
		c.MessagesAccepted,
		c.MessagesRejected,
		c.AutoSuspensions,
		c.UpdateBatchesFlushed,
		c.GapRecoveryBatches,
	)
	return c
}
