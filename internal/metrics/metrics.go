// Package metrics exposes the indexer's Prometheus instrumentation, a
// renamed port of the teacher's pkg/metrics gauge/counter/timer style
// (warren_* -> indexer_*, cluster/raft concerns swapped for sync/broker
// concerns).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CursorHeight is the last block number committed to the sync cursor,
	// per chain.
	CursorHeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_cursor_height",
			Help: "Last block number committed to the sync cursor",
		},
		[]string{"chain_id"},
	)

	// ChainHeadHeight is the latest finalized block reported by the chain
	// client, per chain.
	ChainHeadHeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_chain_head_height",
			Help: "Latest finalized block height reported by the chain client",
		},
		[]string{"chain_id"},
	)

	// BlocksBehind is ChainHeadHeight - CursorHeight, per chain.
	BlocksBehind = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_blocks_behind",
			Help: "Number of blocks the sync cursor trails the chain head",
		},
		[]string{"chain_id"},
	)

	// ReorgsTotal counts detected reorgs, per chain.
	ReorgsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_reorgs_total",
			Help: "Total number of chain reorganizations detected",
		},
		[]string{"chain_id"},
	)

	// EventsPublishedTotal counts events the producer has published to the
	// broker, per event name.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_events_published_total",
			Help: "Total number of events published to the broker",
		},
		[]string{"event_name"},
	)

	// EventsConsumedTotal counts events the consumer has applied to the
	// store, per event name and outcome.
	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_events_consumed_total",
			Help: "Total number of events consumed from the broker",
		},
		[]string{"event_name", "outcome"},
	)

	// DLQTotal counts messages routed to the dead-letter stream.
	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_dlq_total",
			Help: "Total number of messages routed to the dead-letter stream",
		},
		[]string{"event_name"},
	)

	// ReconcileCyclesTotal counts completed reconciliation passes.
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "indexer_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// ReconcileDriftTotal counts rows the reconciler found and corrected.
	ReconcileDriftTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_reconcile_drift_total",
			Help: "Total number of drifted rows corrected by the reconciler",
		},
		[]string{"entity"},
	)

	// ProducerBatchDuration times one produce batch (fetch logs + publish).
	ProducerBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "indexer_producer_batch_duration_seconds",
			Help:    "Time taken to fetch and publish one batch of blocks",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ConsumerHandleDuration times one message's handler invocation.
	ConsumerHandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_consumer_handle_duration_seconds",
			Help:    "Time taken to handle one consumed message",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_name"},
	)

	// ReconciliationDuration times one reconciliation cycle.
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "indexer_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		CursorHeight,
		ChainHeadHeight,
		BlocksBehind,
		ReorgsTotal,
		EventsPublishedTotal,
		EventsConsumedTotal,
		DLQTotal,
		ReconcileCyclesTotal,
		ReconcileDriftTotal,
		ProducerBatchDuration,
		ConsumerHandleDuration,
		ReconciliationDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records it to a histogram on completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
