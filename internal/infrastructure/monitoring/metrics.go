package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sandbox backend.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Isolate metrics
	IsolatesActive  prometheus.Gauge
	IsolatesStarted prometheus.Counter
	IsolateFailures *prometheus.CounterVec

	// Capability metrics
	CapabilityCalls    *prometheus.CounterVec
	CapabilityDuration *prometheus.HistogramVec
	PermissionDenials  *prometheus.CounterVec

	// Version store metrics
	VersionsAppended prometheus.Counter
	UndoOperations   prometheus.Counter
	RedoOperations   prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time
}

// NewMetrics creates and registers the metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		IsolatesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_isolates_active",
			Help: "Number of currently live isolates",
		}),
		IsolatesStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_isolates_started_total",
			Help: "Total number of isolates started",
		}),
		IsolateFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_isolate_failures_total",
				Help: "Isolate failures by reason",
			},
			[]string{"reason"},
		),

		CapabilityCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_capability_calls_total",
				Help: "Capability calls by namespace and status",
			},
			[]string{"namespace", "status"},
		),
		CapabilityDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandbox_capability_duration_seconds",
				Help:    "Capability handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"namespace"},
		),
		PermissionDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_permission_denials_total",
				Help: "Permission denials by namespace",
			},
			[]string{"namespace"},
		),

		VersionsAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_versions_appended_total",
			Help: "Total content block versions appended",
		}),
		UndoOperations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_undo_total",
			Help: "Total undo operations",
		}),
		RedoOperations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_redo_total",
			Help: "Total redo operations",
		}),

		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_ws_connections",
			Help: "Active WebSocket connections",
		}),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_ws_messages_total",
				Help: "WebSocket messages by direction",
			},
			[]string{"direction"},
		),
	}
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCapabilityCall records one capability dispatch.
func (m *Metrics) RecordCapabilityCall(namespace, status string, duration time.Duration) {
	m.CapabilityCalls.WithLabelValues(namespace, status).Inc()
	m.CapabilityDuration.WithLabelValues(namespace).Observe(duration.Seconds())
}

// Uptime returns time since process start.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
