// Package telemetry defines the Prometheus metrics exported at /metrics.
// All metrics carry the pictag_ prefix.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts API requests by method and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pictag_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "status_code"},
	)

	// RequestDuration tracks request latency by method.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pictag_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// GatewayRequestsTotal counts media serving requests by outcome status.
	GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pictag_gateway_requests_total",
			Help: "Total number of gateway file requests",
		},
		[]string{"status"},
	)

	// GatewayBytesTotal counts bytes served by the gateway.
	GatewayBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pictag_gateway_bytes_total",
			Help: "Total bytes served by the gateway",
		},
	)

	// TasksProcessedTotal counts task executions by type and outcome.
	// A retried task counts once per attempt.
	TasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pictag_tasks_processed_total",
			Help: "Total number of task executions by outcome",
		},
		[]string{"type", "status"},
	)

	// TasksRequeuedTotal counts interrupted tasks returned to pending at startup.
	TasksRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pictag_tasks_requeued_total",
			Help: "Total number of interrupted tasks requeued during recovery",
		},
	)

	// SyncDispatchesTotal counts storage_sync executions started.
	SyncDispatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pictag_sync_dispatches_total",
			Help: "Total number of storage sync executions dispatched",
		},
	)

	// BackupsTotal counts scheduled backup runs by outcome.
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pictag_backups_total",
			Help: "Total number of backup runs",
		},
		[]string{"status"},
	)
)
