package chatsync

import "github.com/prometheus/client_golang/prometheus"

// ============================================================================
// Metrics
// ============================================================================

// Metrics exposes engine counters for the host application. Pass a
// prometheus.Registerer to publish them; with nil they still count but are
// never scraped.
type Metrics struct {
	sends             prometheus.Counter
	acks              prometheus.Counter
	sendFailures      prometheus.Counter
	reactions         prometheus.Counter
	reactionFailures  prometheus.Counter
	reconciliations   prometheus.Counter
	duplicatesDropped prometheus.Counter
	fetchFailures     prometheus.Counter
	connects          prometheus.Counter
	outboxFlushes     prometheus.Counter
	outboxDepth       prometheus.Gauge
}

// NewMetrics creates the engine metric set and registers it on reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Total optimistic sends issued.",
		}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_send_acks_total",
			Help: "Total sends acknowledged by the server.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Total send attempts rejected or timed out.",
		}),
		reactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reactions_total",
			Help: "Total optimistic reaction mutations.",
		}),
		reactionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reaction_failures_total",
			Help: "Total reaction mutations rolled back.",
		}),
		reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconciliations_total",
			Help: "Total server messages reconciled into the store.",
		}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_duplicates_dropped_total",
			Help: "Total duplicate deliveries dropped by reconciliation.",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_fetch_failures_total",
			Help: "Total failed pagination or jump fetches.",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_connects_total",
			Help: "Total transport (re)connects observed.",
		}),
		outboxFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_outbox_flushes_total",
			Help: "Total outbox flush passes.",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_outbox_depth",
			Help: "Current number of queued unacknowledged sends.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sends, m.acks, m.sendFailures,
			m.reactions, m.reactionFailures,
			m.reconciliations, m.duplicatesDropped,
			m.fetchFailures, m.connects,
			m.outboxFlushes, m.outboxDepth,
		)
	}
	return m
}
