package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	GenerationsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "genflow_generations_completed_total", Help: "Work items completed successfully"})
	GenerationsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "genflow_generations_failed_total", Help: "Work items that exhausted retries"})
	GenerationsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "genflow_generations_retried_total", Help: "Item attempts that failed and were scheduled for retry"})
	JobsCompleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "genflow_jobs_completed_total", Help: "Batch jobs drained to a terminal state"})
	JobsCancelled        = prometheus.NewCounter(prometheus.CounterOpts{Name: "genflow_jobs_cancelled_total", Help: "Batch jobs cancelled before draining"})
	WorkflowsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "genflow_workflows_completed_total", Help: "Workflow executions finished successfully"})
	WorkflowsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "genflow_workflows_failed_total", Help: "Workflow executions that failed"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "genflow_rate_limit_rejects_total", Help: "Provider calls rejected by the token bucket"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "genflow_inflight", Help: "Generation calls currently outstanding"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			GenerationsCompleted,
			GenerationsFailed,
			GenerationsRetried,
			JobsCompleted,
			JobsCancelled,
			WorkflowsCompleted,
			WorkflowsFailed,
			RateLimitRejects,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
