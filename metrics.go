package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported through Metrics.EventDropped.
const (
	DropBufferOverflow = "buffer_overflow"
	DropStoreEviction  = "store_eviction"
	DropShutdown       = "shutdown"
	DropRetention      = "retention"
)

// Metrics defines the interface for audit engine metrics.
type Metrics interface {
	EventLogged(et EventType)
	EventDropped(reason string, n int)
	FlushCompleted(n int, d time.Duration)
	FlushFailed()
	AlertDispatched(ok bool)
	BufferSize(n int)
}

// PrometheusMetrics implements Metrics with Prometheus.
type PrometheusMetrics struct {
	logged   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	flushed  prometheus.Counter
	failures prometheus.Counter
	latency  prometheus.Histogram
	alerts   *prometheus.CounterVec
	buffered prometheus.Gauge
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance and registers
// its collectors with registerer (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		logged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_logged_total",
				Help: "Total number of audit events accepted into the buffer",
			},
			[]string{"event_type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_dropped_total",
				Help: "Total number of audit events dropped or evicted",
			},
			[]string{"reason"},
		),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_flushed_total",
			Help: "Total number of audit events persisted by flushes",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_flush_failures_total",
			Help: "Total number of failed flush attempts",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_flush_latency_seconds",
			Help:    "Latency of successful flushes",
			Buckets: prometheus.DefBuckets,
		}),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_alerts_dispatched_total",
				Help: "Total number of critical-event alerts dispatched",
			},
			[]string{"status"},
		),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_buffer_events",
			Help: "Number of audit events waiting to be flushed",
		}),
	}
	registerer.MustRegister(m.logged, m.dropped, m.flushed, m.failures, m.latency, m.alerts, m.buffered)
	return m
}

// EventLogged increments the logged counter.
func (m *PrometheusMetrics) EventLogged(et EventType) {
	m.logged.WithLabelValues(string(et)).Inc()
}

// EventDropped adds n to the dropped counter for reason.
func (m *PrometheusMetrics) EventDropped(reason string, n int) {
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

// FlushCompleted records a successful flush of n events.
func (m *PrometheusMetrics) FlushCompleted(n int, d time.Duration) {
	m.flushed.Add(float64(n))
	m.latency.Observe(d.Seconds())
}

// FlushFailed increments the flush failure counter.
func (m *PrometheusMetrics) FlushFailed() {
	m.failures.Inc()
}

// AlertDispatched counts an alert by sink outcome.
func (m *PrometheusMetrics) AlertDispatched(ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.alerts.WithLabelValues(status).Inc()
}

// BufferSize sets the buffer gauge.
func (m *PrometheusMetrics) BufferSize(n int) {
	m.buffered.Set(float64(n))
}

// nopMetrics is a no-op Metrics implementation.
type nopMetrics struct{}

func (nopMetrics) EventLogged(EventType)             {}
func (nopMetrics) EventDropped(string, int)          {}
func (nopMetrics) FlushCompleted(int, time.Duration) {}
func (nopMetrics) FlushFailed()                      {}
func (nopMetrics) AlertDispatched(bool)              {}
func (nopMetrics) BufferSize(int)                    {}
