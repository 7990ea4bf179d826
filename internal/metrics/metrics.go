// Package metrics holds the prometheus collectors shared by the lifecycle
// manager and the HTTP layer. Registration happens once at import time.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LifecycleOps counts lifecycle operations by name and outcome.
	LifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simbay",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Total lifecycle operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// LifecycleDuration observes how long lifecycle operations take.
	// Starts run into tens of seconds, hence the wide buckets.
	LifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simbay",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Duration of lifecycle operations in seconds",
			Buckets:   []float64{.05, .25, 1, 5, 15, 30, 60, 120},
		},
		[]string{"op"},
	)

	// HTTPRequests counts API requests by route, method and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simbay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(LifecycleOps, LifecycleDuration, HTTPRequests)
}
