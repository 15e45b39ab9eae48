package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipe_jobs_claimed_total",
		Help: "Jobs claimed from the queue, by queue name.",
	}, []string{"queue"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipe_jobs_completed_total",
		Help: "Jobs completed successfully, by queue name.",
	}, []string{"queue"})

	jobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipe_jobs_retried_total",
		Help: "Job attempts routed to retry, by queue name.",
	}, []string{"queue"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docpipe_jobs_failed_total",
		Help: "Jobs terminally failed, by queue name.",
	}, []string{"queue"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docpipe_job_duration_seconds",
		Help:    "Wall-clock duration of job attempts, by queue name.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"queue"})
)
