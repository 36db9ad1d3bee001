// Package metrics exposes Prometheus counters for the isolation core. All
// methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines our Prometheus metrics
type Metrics struct {
	registry      *prometheus.Registry
	cacheLookups  *prometheus.CounterVec
	auditWrites   *prometheus.CounterVec
	auditDropped  prometheus.Counter
	accessDenials *prometheus.CounterVec
	anomalyFlags  *prometheus.CounterVec
	scanFailures  prometheus.Counter
	sequenceRetry prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_context_cache_lookups_total",
			Help: "Context cache lookups by result.",
		}, []string{"result"}),
		auditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_audit_records_total",
			Help: "Audit rows written by operation.",
		}, []string{"operation"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_audit_reads_dropped_total",
			Help: "READ audit rows dropped because the queue was full or the write failed.",
		}),
		accessDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_access_denied_total",
			Help: "Operations rejected by the isolation layer.",
		}, []string{"reason"}),
		anomalyFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_anomaly_flagged_rows_total",
			Help: "Audit rows flagged suspicious by reason.",
		}, []string{"reason"}),
		scanFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_anomaly_scan_failures_total",
			Help: "Anomaly scans that failed and will be retried.",
		}),
		sequenceRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_sequence_retries_total",
			Help: "Conversation appends retried after a sequence collision.",
		}),
	}
	m.registry.MustRegister(
		m.cacheLookups, m.auditWrites, m.auditDropped, m.accessDenials,
		m.anomalyFlags, m.scanFailures, m.sequenceRetry,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheLookups.WithLabelValues("hit").Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (m *Metrics) CacheError() {
	if m != nil {
		m.cacheLookups.WithLabelValues("error").Inc()
	}
}

func (m *Metrics) AuditWritten(operation string) {
	if m != nil {
		m.auditWrites.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) AuditDropped() {
	if m != nil {
		m.auditDropped.Inc()
	}
}

func (m *Metrics) AccessDenied(reason string) {
	if m != nil {
		m.accessDenials.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) AnomalyFlagged(reason string, rows int64) {
	if m != nil && rows > 0 {
		m.anomalyFlags.WithLabelValues(reason).Add(float64(rows))
	}
}

func (m *Metrics) ScanFailed() {
	if m != nil {
		m.scanFailures.Inc()
	}
}

func (m *Metrics) SequenceRetried() {
	if m != nil {
		m.sequenceRetry.Inc()
	}
}
