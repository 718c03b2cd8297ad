// Package metrics exposes the job orchestrator's aggregate counters as
// Prometheus collectors.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsCreated      prometheus.Counter
	jobsCompleted    prometheus.Counter
	jobsFailed       *prometheus.CounterVec
	jobsRetried      prometheus.Counter
	jobsDeadLettered prometheus.Counter
	jobsCancelled    prometheus.Counter
	taskDuration     *prometheus.HistogramVec
	dlqDepth         prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to
// guarantee isolation between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in the Prometheus
// text exposition format, backing GET /internal/metrics. The JSON job
// metrics contract lives at GET /metrics, served by the api package.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobsCreated records a successful job ingestion.
func IncJobsCreated() {
	mu.RLock()
	defer mu.RUnlock()
	jobsCreated.Inc()
}

// IncJobsCompleted records a job reaching SUCCEEDED.
func IncJobsCompleted() {
	mu.RLock()
	defer mu.RUnlock()
	jobsCompleted.Inc()
}

// IncJobsFailed records a single failed attempt, labeled by task type.
func IncJobsFailed(taskType string) {
	label := sanitizeLabel(taskType, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	jobsFailed.WithLabelValues(label).Inc()
}

// IncJobsRetried records a job requeued for retry.
func IncJobsRetried() {
	mu.RLock()
	defer mu.RUnlock()
	jobsRetried.Inc()
}

// IncJobsDeadLettered records a job exhausting its retries.
func IncJobsDeadLettered() {
	mu.RLock()
	defer mu.RUnlock()
	jobsDeadLettered.Inc()
}

// IncJobsCancelled records a job cancellation.
func IncJobsCancelled() {
	mu.RLock()
	defer mu.RUnlock()
	jobsCancelled.Inc()
}

// ObserveTaskDuration records how long a task handler ran for a task type.
func ObserveTaskDuration(taskType string, d time.Duration) {
	label := sanitizeLabel(taskType, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	taskDuration.WithLabelValues(label).Observe(durationSeconds(d))
}

// SetDLQDepth records the current depth of the dead-letter stream.
func SetDLQDepth(n float64) {
	mu.RLock()
	defer mu.RUnlock()
	dlqDepth.Set(n)
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	created := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dtq",
		Name:      "jobs_created_total",
		Help:      "Total number of jobs accepted by the ingestion API.",
	})
	completed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dtq",
		Name:      "jobs_completed_total",
		Help:      "Total number of jobs that reached SUCCEEDED.",
	})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtq",
		Name:      "jobs_failed_total",
		Help:      "Total number of failed job attempts, by task type.",
	}, []string{"task_type"})
	retried := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dtq",
		Name:      "jobs_retried_total",
		Help:      "Total number of job attempts requeued for retry.",
	})
	deadLettered := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dtq",
		Name:      "jobs_dead_lettered_total",
		Help:      "Total number of jobs moved to the dead-letter queue.",
	})
	cancelled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dtq",
		Name:      "jobs_cancelled_total",
		Help:      "Total number of jobs cancelled.",
	})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dtq",
		Name:      "task_duration_seconds",
		Help:      "Duration of task handler execution, by task type.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"task_type"})
	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dtq",
		Name:      "dlq_depth",
		Help:      "Current number of entries in the dead-letter stream.",
	})

	registry.MustRegister(created, completed, failed, retried, deadLettered, cancelled, duration, depth)

	reg = registry
	jobsCreated = created
	jobsCompleted = completed
	jobsFailed = failed
	jobsRetried = retried
	jobsDeadLettered = deadLettered
	jobsCancelled = cancelled
	taskDuration = duration
	dlqDepth = depth
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
