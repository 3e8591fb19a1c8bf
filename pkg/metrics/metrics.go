// Package metrics declares the Prometheus series the Brain exposes on
// /metrics: scheduler tick health, capture outcomes, queue depth, and
// worker throughput.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickDuration tracks how long each scheduler tick takes to evaluate
	// all schedules and fan out any capture batches.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brain_scheduler_tick_duration_seconds",
			Help:    "Wall-clock duration of one scheduler tick.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TickOverruns counts ticks that were still running when the next
	// tick was due.
	TickOverruns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "brain_scheduler_tick_overruns_total",
			Help: "Number of scheduler ticks that overran their deadline.",
		},
	)

	// CapturesTotal counts capture attempts per node and outcome.
	CapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brain_captures_total",
			Help: "Capture attempts by node and outcome.",
		},
		[]string{"node_id", "outcome"}, // outcome: success, transient_error, http_error
	)

	// SessionsOpen reports the number of currently-active sessions.
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brain_sessions_open",
			Help: "Number of sessions currently in the active state.",
		},
	)

	// QueueDepth reports the number of queued (not yet running) jobs.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "brain_job_queue_depth",
			Help: "Number of jobs waiting in the durable queue.",
		},
	)

	// JobsProcessed counts terminal job outcomes.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "brain_jobs_processed_total",
			Help: "Jobs processed by the worker pool, by terminal outcome.",
		},
		[]string{"kind", "outcome"}, // outcome: done, failed_retryable, failed_terminal
	)

	// AssemblyDuration tracks how long the assembly driver spends invoking
	// the external encoder per job.
	AssemblyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "brain_assembly_duration_seconds",
			Help:    "Duration of external encoder invocations.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)
