package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herdcast_jobs_processed_total",
		Help: "Forecast jobs picked up by the worker.",
	})
	jobsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herdcast_jobs_succeeded_total",
		Help: "Forecast jobs that finished successfully.",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herdcast_jobs_failed_total",
		Help: "Forecast jobs that ended in failure.",
	})
	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "herdcast_jobs_in_flight",
		Help: "Forecast jobs currently executing.",
	})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "herdcast_job_duration_seconds",
		Help:    "Wall-clock duration of successful forecast jobs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	jobsRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "herdcast_jobs_requeued_total",
		Help: "Stuck running jobs reset to queued by the supervisor.",
	})
)
