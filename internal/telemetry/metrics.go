// Package telemetry provides observability primitives for the Arbiter gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	AccountingProcessed prometheus.Counter
	AccountingErrors    prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "arbiter",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AccountingProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "accounting_processed_total",
			Help:      "Total requests settled by the accounting worker.",
		}),

		AccountingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "accounting_errors_total",
			Help:      "Total requests the accounting worker failed to settle.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AccountingProcessed,
		m.AccountingErrors,
	)
	return m
}
