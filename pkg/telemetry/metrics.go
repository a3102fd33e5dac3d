package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Intake ──────────────────────────────────────────────────────────────────

	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partflow",
		Subsystem: "intake",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs accepted, labelled by kind (single or batch).",
	}, []string{"kind"})

	InconsistentStateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "partflow",
		Subsystem: "intake",
		Name:      "inconsistent_state_total",
		Help:      "Completed jobs whose artifact could not be found in the store.",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partflow",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, labelled by method, route pattern and status code.",
	}, []string{"method", "route", "code"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partflow",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Attempts finished, labelled by outcome (completed, retrying, failed, cancelled).",
	}, []string{"outcome"})

	WorkerJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "partflow",
		Subsystem: "worker",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being executed by this process.",
	})

	WorkerJobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "partflow",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Pipeline execution time per attempt in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"outcome"})

	WorkerFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partflow",
		Subsystem: "worker",
		Name:      "failures_total",
		Help:      "Failed attempts, labelled by failure kind.",
	}, []string{"kind"})

	WorkerRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "partflow",
		Subsystem: "worker",
		Name:      "rate_limited_total",
		Help:      "Poll cycles skipped because the start-rate budget was exhausted.",
	})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorStalledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "partflow",
		Subsystem: "janitor",
		Name:      "stalled_total",
		Help:      "Active jobs reclaimed after their heartbeat expired.",
	})

	JanitorPrunedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partflow",
		Subsystem: "janitor",
		Name:      "pruned_total",
		Help:      "Records removed by retention, labelled by target (jobs, artifacts, attempts, workspaces).",
	}, []string{"target"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "partflow",
		Subsystem: "queue",
		Name:      "jobs",
		Help:      "Jobs in the queue by status, sampled by the janitor.",
	}, []string{"status"})
)
