// Package metrics provides Prometheus metrics for pipeline runs and the API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts total runs by status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ampliconflow",
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status", "failure_kind"}, // status: "completed", "failed"
	)

	// RunsActive tracks currently active runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ampliconflow",
			Subsystem: "runner",
			Name:      "runs_active",
			Help:      "Number of currently running runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ampliconflow",
			Subsystem: "runner",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		},
		[]string{"status"},
	)

	// StagesTotal counts stages by name and outcome.
	StagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ampliconflow",
			Subsystem: "runner",
			Name:      "stages_total",
			Help:      "Total number of stages processed by outcome",
		},
		[]string{"stage", "status"}, // "succeeded", "failed", "skipped", "planned"
	)

	// StageDuration tracks the wall time of executed stages.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ampliconflow",
			Subsystem: "runner",
			Name:      "stage_duration_seconds",
			Help:      "Stage command duration in seconds",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"stage", "status"},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ampliconflow",
			Subsystem: "runner",
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// LogLinesDropped counts output lines not published as events because of rate limiting.
	LogLinesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ampliconflow",
			Subsystem: "runner",
			Name:      "log_lines_dropped_total",
			Help:      "Stage output lines not published as events",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ampliconflow",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ampliconflow",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ampliconflow",
			Subsystem: "api",
			Name:      "sse_active_connections",
			Help:      "Number of active SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ampliconflow",
			Subsystem: "api",
			Name:      "sse_connection_duration_seconds",
			Help:      "Duration of SSE connections in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	// RunStoreOperations counts runstore operations.
	RunStoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ampliconflow",
			Subsystem: "runner",
			Name:      "runstore_operations_total",
			Help:      "Total number of runstore operations",
		},
		[]string{"operation", "result"}, // operation: create, update, record, event; result: success, error
	)

	// ArtifactsPublished counts files copied to a publish backend.
	ArtifactsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ampliconflow",
			Subsystem: "dataflow",
			Name:      "artifacts_published_total",
			Help:      "Total number of artifacts published by backend and result",
		},
		[]string{"backend", "result"},
	)
)

// ObserveStoreOp records the outcome of one runstore call.
func ObserveStoreOp(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	RunStoreOperations.WithLabelValues(operation, result).Inc()
}
