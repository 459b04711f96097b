package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wallet_pass"

// Metrics exposes Prometheus collectors for the pass web service.
// All methods are safe on a nil receiver.
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	registrations    *prometheus.CounterVec
	passMutations    *prometheus.CounterVec
	bundleBuilds     *prometheus.CounterVec
	pushOutcomes     *prometheus.CounterVec
	pushQueueDropped prometheus.Counter
	pushQueueDepth   prometheus.Gauge
	persistFailures  *prometheus.CounterVec
	catalogFailures  prometheus.Counter
}

// MustNewMetrics constructs and registers collectors on reg. Registration
// errors panic, which mirrors promauto and surfaces wiring bugs early.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "registrations_total",
			Help:      "Device registration calls by result.",
		}, []string{"result"}),
		passMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "passes",
			Name:      "mutations_total",
			Help:      "Pass mutations by operation.",
		}, []string{"operation"}),
		bundleBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundles",
			Name:      "builds_total",
			Help:      "Pass bundle builds by status.",
		}, []string{"status"}),
		pushOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "outcomes_total",
			Help:      "Per-device push delivery outcomes.",
		}, []string{"kind", "outcome"}),
		pushQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "queue_dropped_total",
			Help:      "Change notifications dropped because the dispatch queue was full.",
		}),
		pushQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "queue_depth",
			Help:      "Change notifications waiting for a dispatch worker.",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "persist_failures_total",
			Help:      "Local state documents that could not be written.",
		}, []string{"document"}),
		catalogFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "upsert_failures_total",
			Help:      "Best-effort catalog upserts that failed.",
		}),
	}

	reg.MustRegister(
		m.httpRequests,
		m.httpLatency,
		m.registrations,
		m.passMutations,
		m.bundleBuilds,
		m.pushOutcomes,
		m.pushQueueDropped,
		m.pushQueueDepth,
		m.persistFailures,
		m.catalogFailures,
	)
	return m
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route).Observe(latency.Seconds())
}

// IncRegistration counts a registration call by result (created, already_registered, removed, ...).
func (m *Metrics) IncRegistration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// IncPassMutation counts a committed pass mutation.
func (m *Metrics) IncPassMutation(operation string) {
	if m == nil {
		return
	}
	m.passMutations.WithLabelValues(operation).Inc()
}

// IncBundleBuild counts a bundle build attempt by status (ok, error).
func (m *Metrics) IncBundleBuild(status string) {
	if m == nil {
		return
	}
	m.bundleBuilds.WithLabelValues(status).Inc()
}

// IncPushOutcome counts one per-device push outcome.
func (m *Metrics) IncPushOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.pushOutcomes.WithLabelValues(kind, outcome).Inc()
}

// IncQueueDropped counts a dropped change notification.
func (m *Metrics) IncQueueDropped() {
	if m == nil {
		return
	}
	m.pushQueueDropped.Inc()
}

// SetQueueDepth reports the current dispatch queue length.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.pushQueueDepth.Set(float64(depth))
}

// IncPersistFailure counts a failed state document write.
func (m *Metrics) IncPersistFailure(document string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(document).Inc()
}

// IncCatalogFailure counts a failed catalog mirror write.
func (m *Metrics) IncCatalogFailure() {
	if m == nil {
		return
	}
	m.catalogFailures.Inc()
}
