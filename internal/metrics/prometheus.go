// Package metrics provides Prometheus collectors for scanqueue sessions,
// target scans, event fan-out, the result store and the HTTP API.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "scanqueue"

	subsystemSession = "session"
	subsystemTarget  = "target"
	subsystemEvents  = "events"
	subsystemStore   = "store"
	subsystemAPI     = "api"
	subsystemSystem  = "system"
)

// Target outcomes used for the outcome label.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Metrics holds all Prometheus collectors in a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionTotal  *prometheus.CounterVec
	sessionActive prometheus.Gauge

	targetTotal    *prometheus.CounterVec
	targetDuration prometheus.Histogram

	eventsPublished    *prometheus.CounterVec
	subscribersDropped prometheus.Counter

	storeAppendDuration prometheus.Histogram
	storeErrors         *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime time.Time
	registry  *prometheus.Registry
}

// New creates a Metrics instance with every collector registered.
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
	}

	m.sessionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemSession,
		Name:      "total",
		Help:      "Scan sessions that reached a terminal status",
	}, []string{"status"})

	m.sessionActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSession,
		Name:      "active",
		Help:      "Scan sessions currently running",
	})

	m.targetTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemTarget,
		Name:      "total",
		Help:      "Targets scanned by outcome",
	}, []string{"outcome"})

	m.targetDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemTarget,
		Name:      "duration_seconds",
		Help:      "Wall time of one target scan",
		Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	})

	m.eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemEvents,
		Name:      "published_total",
		Help:      "Session events published by type",
	}, []string{"type"})

	m.subscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemEvents,
		Name:      "subscribers_dropped_total",
		Help:      "Subscribers dropped for falling behind",
	})

	m.storeAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemStore,
		Name:      "append_duration_seconds",
		Help:      "Duration of durable result appends",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})

	m.storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemStore,
		Name:      "errors_total",
		Help:      "Result store failures by operation",
	}, []string{"operation"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystemAPI,
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystemAPI,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
	}, []string{"method", "path"})

	m.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "goroutines",
		Help:      "Current number of goroutines",
	})

	m.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemSystem,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds",
	})

	m.registry.MustRegister(
		m.sessionTotal, m.sessionActive,
		m.targetTotal, m.targetDuration,
		m.eventsPublished, m.subscribersDropped,
		m.storeAppendDuration, m.storeErrors,
		m.httpRequests, m.httpDuration,
		m.goroutines, m.uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// GetRegistry returns the registry served on /metrics.
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// SessionFinished counts a session reaching a terminal status.
func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.sessionTotal.WithLabelValues(status).Inc()
}

// SetActiveSessions sets the running session gauge.
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.sessionActive.Set(float64(count))
}

// TargetScanned records one finished target scan.
func (m *Metrics) TargetScanned(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.targetTotal.WithLabelValues(outcome).Inc()
	m.targetDuration.Observe(duration.Seconds())
}

// EventPublished counts an event handed to the broadcaster.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// SubscriberDropped counts a subscriber removed for a full buffer.
func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscribersDropped.Inc()
}

// RecordAppend records the latency of a result append.
func (m *Metrics) RecordAppend(duration time.Duration) {
	if m == nil {
		return
	}
	m.storeAppendDuration.Observe(duration.Seconds())
}

// StoreError counts a failed store operation.
func (m *Metrics) StoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes the runtime gauges.
func (m *Metrics) UpdateSystemMetrics() {
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.uptime.Set(time.Since(m.startTime).Seconds())
}

// GetUptime returns the time since the metrics were created.
func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// StartPeriodicUpdates refreshes system metrics until ctx is done.
func (m *Metrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the process-wide metrics instance.
func GetGlobalMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = New()
	})
	return globalMetrics
}
