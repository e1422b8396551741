// Package metrics provides Prometheus metrics for monitoring task runs and row processing.
package metrics

import (
	"time"

	"github.com/nadmax/rowpilot/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowpilot_rows_processed_total",
			Help: "Total number of dataset rows processed by outcome",
		},
		[]string{"status"},
	)
	RowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rowpilot_row_duration_seconds",
			Help:    "Time spent processing a single row, including image fetch and model call",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)
	TokensUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rowpilot_tokens_total",
			Help: "Total number of tokens reported by the model service",
		},
	)
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rowpilot_runs_started_total",
			Help: "Total number of task runs started",
		},
	)
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowpilot_runs_finished_total",
			Help: "Total number of task runs finished by terminal status",
		},
		[]string{"status"},
	)
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rowpilot_run_duration_seconds",
			Help:    "Wall clock duration of task runs",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 1800, 3600, 7200, 21600},
		},
		[]string{"status"},
	)
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rowpilot_runs_active",
			Help: "Number of task runs currently executing in this process",
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rowpilot_tasks",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rowpilot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rowpilot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordRow(status task.LogStatus, duration time.Duration, tokens int) {
	RowsProcessed.WithLabelValues(string(status)).Inc()
	RowDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	if tokens > 0 {
		TokensUsed.Add(float64(tokens))
	}
}

func RecordRunStarted() {
	RunsStarted.Inc()
	RunsActive.Inc()
}

func RecordRunFinished(status task.TaskStatus, duration time.Duration) {
	RunsActive.Dec()
	RunsFinished.WithLabelValues(string(status)).Inc()
	RunDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func UpdateTaskGauges(counts map[task.TaskStatus]int) {
	TasksByStatus.Reset()
	for status, count := range counts {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
