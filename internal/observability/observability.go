package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vellum_jobs_submitted_total",
		Help: "Total jobs accepted by the queue.",
	}, []string{"priority"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vellum_jobs_finished_total",
		Help: "Total jobs that reached a terminal state.",
	}, []string{"status"}) // status: completed, failed

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vellum_job_duration_seconds",
		Help:    "Wall-clock duration of pipeline runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vellum_queue_depth",
		Help: "Jobs currently waiting in the queue.",
	})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vellum_stage_failures_total",
		Help: "Pipeline stage failures by stage and kind.",
	}, []string{"stage", "kind"}) // kind: error, circuit_open

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vellum_breaker_state",
		Help: "Circuit breaker state per service (0 closed, 1 open, 2 half-open).",
	}, []string{"service"})

	ConsistencyIssues = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vellum_consistency_issues",
		Help: "Issues found by the last consistency check, by severity.",
	}, []string{"severity"})
)
