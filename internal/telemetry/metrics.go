package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the kernel and lineage collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ReceiptsTotal      *prometheus.CounterVec
	ReplaysTotal       *prometheus.CounterVec
	UnguardedWrites    prometheus.Counter
	CommitDuration     prometheus.Histogram
	TraceDepth         prometheus.Histogram
	TraceAffected      prometheus.Histogram
	OutboxPublished    prometheus.Counter
	OutboxPublishFails prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReceiptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mkernel_receipts_total",
				Help: "Mutation receipts issued, by status and error code",
			},
			[]string{"status", "code"},
		),
		ReplaysTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mkernel_idempotent_replays_total",
				Help: "Receipts replayed from the idempotency ledger",
			},
			[]string{"conflict"},
		),
		UnguardedWrites: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mkernel_unguarded_writes_total",
				Help: "Updates applied without an expected version (last writer wins)",
			},
		),
		CommitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mkernel_commit_duration_seconds",
				Help:    "Duration of Kernel.Commit",
				Buckets: prometheus.DefBuckets,
			},
		),
		TraceDepth: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mkernel_trace_depth",
				Help:    "Deepest level reached by lineage traces",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
		),
		TraceAffected: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mkernel_trace_affected_movements",
				Help:    "Movements reported by lineage traces",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		OutboxPublished: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mkernel_outbox_published_total",
				Help: "Outbox events handed to the publisher",
			},
		),
		OutboxPublishFails: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mkernel_outbox_publish_failures_total",
				Help: "Outbox events the publisher rejected",
			},
		),
	}
}

// Registry exposes the underlying registry (tests, custom handlers).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveReceipt counts one issued receipt.
func (m *Metrics) ObserveReceipt(status, code string) {
	if m == nil {
		return
	}
	m.ReceiptsTotal.WithLabelValues(status, code).Inc()
}

// ObserveReplay counts one replayed receipt.
func (m *Metrics) ObserveReplay(conflict bool) {
	if m == nil {
		return
	}
	label := "false"
	if conflict {
		label = "true"
	}
	m.ReplaysTotal.WithLabelValues(label).Inc()
}

// ObserveUnguardedWrite counts a last-writer-wins update.
func (m *Metrics) ObserveUnguardedWrite() {
	if m == nil {
		return
	}
	m.UnguardedWrites.Inc()
}

// ObserveCommit records the duration of a commit in seconds.
func (m *Metrics) ObserveCommit(seconds float64) {
	if m == nil {
		return
	}
	m.CommitDuration.Observe(seconds)
}

// ObserveTrace records the shape of a finished lineage trace.
func (m *Metrics) ObserveTrace(depth, affected int) {
	if m == nil {
		return
	}
	m.TraceDepth.Observe(float64(depth))
	m.TraceAffected.Observe(float64(affected))
}

// ObservePublish counts one relay delivery attempt.
func (m *Metrics) ObservePublish(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.OutboxPublished.Inc()
		return
	}
	m.OutboxPublishFails.Inc()
}
