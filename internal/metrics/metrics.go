// Package metrics exposes ingestion counters on a dedicated Prometheus
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "helius_ingest"

// Metrics holds every collector the service updates.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	RowsWritten    *prometheus.CounterVec
	WriteDuration  *prometheus.HistogramVec
	ConnectionUp   *prometheus.GaugeVec
	AuditErrors    prometheus.Counter
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Webhook events received, by event type.",
		}, []string{"kind"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_outcomes_total",
			Help:      "Ingestion results by status (applied, skipped, failed).",
		}, []string{"status"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Rows inserted or updated in tenant tables.",
		}, []string{"table"}),
		WriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_duration_seconds",
			Help:      "Time spent writing one batch to a tenant database.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		ConnectionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 if the last probe of a tenant connection succeeded.",
		}, []string{"connection_id"}),
		AuditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_errors_total",
			Help:      "Audit entries that could not be recorded.",
		}),
	}
	reg.MustRegister(
		m.EventsReceived,
		m.Outcomes,
		m.RowsWritten,
		m.WriteDuration,
		m.ConnectionUp,
		m.AuditErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveWrite records one write batch.
func (m *Metrics) ObserveWrite(mode, table string, rows int, took time.Duration) {
	m.WriteDuration.WithLabelValues(mode).Observe(took.Seconds())
	if rows > 0 {
		m.RowsWritten.WithLabelValues(table).Add(float64(rows))
	}
}

// SetConnectionUp records a probe result.
func (m *Metrics) SetConnectionUp(connectionID uint, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.ConnectionUp.WithLabelValues(strconv.FormatUint(uint64(connectionID), 10)).Set(v)
}

// ForgetConnection drops the gauge for a deleted connection.
func (m *Metrics) ForgetConnection(connectionID uint) {
	m.ConnectionUp.DeleteLabelValues(strconv.FormatUint(uint64(connectionID), 10))
}
