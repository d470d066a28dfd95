// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/scribeflow/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Orchestrator scheduler metrics (spec §4.3 Dispatch): per-stage ready
	// queue depth and the time from claim to successful queue push.
	QueueDepth       *prometheus.GaugeVec
	DispatchDuration *prometheus.HistogramVec

	// Worker SDK metrics: per-stage engine processing time, labeled by
	// outcome so a stuck or failing engine shows up without log scraping.
	TaskDuration *prometheus.HistogramVec

	// Realtime Session Router metrics (spec §4.5): sessions currently
	// bound to a worker slot across the whole fleet.
	ActiveSessions prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Scheduler metrics
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_queue_depth",
				Help: "Ready tasks claimed for dispatch but not yet pushed to an engine queue, per stage",
			},
			[]string{"stage"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_dispatch_duration_seconds",
				Help:    "Time from claiming a ready task to pushing it onto an engine queue",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"stage"},
		),

		// Worker SDK metrics
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_task_duration_seconds",
				Help:    "Engine Process() duration per stage, labeled by outcome",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage", "outcome"},
		),

		// Realtime Session Router metrics
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_active_sessions",
				Help: "Realtime sessions currently bound to a worker slot",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.QueueDepth,
			m.DispatchDuration,
			m.TaskDuration,
			m.ActiveSessions,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// SetQueueDepth records how many ready tasks a dispatch tick claimed for
// stage without yet pushing them to an engine queue (spec §4.3).
func (m *Metrics) SetQueueDepth(stage string, depth int) {
	m.QueueDepth.WithLabelValues(stage).Set(float64(depth))
}

// ObserveDispatchLatency records the claim-to-queue-push latency for one
// dispatched task (spec §4.3).
func (m *Metrics) ObserveDispatchLatency(stage string, duration time.Duration) {
	m.DispatchDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveTaskDuration records how long an engine's Process() call took for
// one task, labeled by outcome ("success" or "error").
func (m *Metrics) ObserveTaskDuration(stage, outcome string, duration time.Duration) {
	m.TaskDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// IncrementActiveSessions records a realtime session being allocated.
func (m *Metrics) IncrementActiveSessions() {
	m.ActiveSessions.Inc()
}

// DecrementActiveSessions records a realtime session being released.
func (m *Metrics) DecrementActiveSessions() {
	m.ActiveSessions.Dec()
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, lazily initializing it with a
// placeholder service name. Control-plane components (scheduler, harness,
// realtime router) that have no HTTP request to carry a *Metrics through
// call this directly rather than threading a constructor parameter past
// every test fixture that builds them.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
