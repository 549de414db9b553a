// Package metrics exposes the operation-latency recorder described by
// the tracing/metrics seam: one histogram keyed by {service,
// operation_name}, recorded once per completed operation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mu       sync.RWMutex
	enabled  bool
	registry *prometheus.Registry
	recorder *latencyRecorder
)

type latencyRecorder struct {
	operationLatency *prometheus.HistogramVec
	retryAttempts    *prometheus.CounterVec
	orphanedSpans    *prometheus.CounterVec
}

// InitRegistry enables metrics collection against a fresh Prometheus
// registry. Calling it more than once replaces the previous registry.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()

	registry = prometheus.NewRegistry()
	enabled = true

	recorder = &latencyRecorder{
		operationLatency: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "gocbcore_operation_latency_microseconds",
				Help: "Latency of dispatched operations in microseconds, by service and operation",
				Buckets: []float64{
					100, 500, 1000, 5000, 10000, 50000,
					100000, 500000, 1000000, 5000000,
				},
			},
			[]string{"service", "operation_name"},
		),
		retryAttempts: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocbcore_retry_attempts_total",
				Help: "Total retry attempts issued, by service and retry reason",
			},
			[]string{"service", "reason"},
		),
		orphanedSpans: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocbcore_orphaned_operations_total",
				Help: "Total operations that completed orphaned, by service and reason",
			},
			[]string{"service", "reason"},
		),
	}

	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// GetRegistry returns the active Prometheus registry, or nil if
// metrics are not enabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// RecordLatency records the latency of a completed operation, in
// microseconds. A no-op when metrics are not enabled.
//
// Example usage:
//
//	start := time.Now()
//	_, err := dispatcher.Execute(ctx, req)
//	metrics.RecordLatency("kv", "get", time.Since(start).Microseconds())
func RecordLatency(service, operationName string, microseconds int64) {
	mu.RLock()
	r := recorder
	mu.RUnlock()
	if r == nil {
		return
	}
	r.operationLatency.WithLabelValues(service, operationName).Observe(float64(microseconds))
}

// RecordRetry records a single retry attempt against a reason.
func RecordRetry(service, reason string) {
	mu.RLock()
	r := recorder
	mu.RUnlock()
	if r == nil {
		return
	}
	r.retryAttempts.WithLabelValues(service, reason).Inc()
}

// RecordOrphan records an operation that completed orphaned
// ("aborted" or "canceled").
func RecordOrphan(service, reason string) {
	mu.RLock()
	r := recorder
	mu.RUnlock()
	if r == nil {
		return
	}
	r.orphanedSpans.WithLabelValues(service, reason).Inc()
}

// Reset clears the registered metrics. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = nil
	recorder = nil
	enabled = false
}
