package worker

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/metrics"
	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// MetricsInstrumentation reports job outcomes to the Prometheus collectors.
func MetricsInstrumentation() *Instrumentation {
	observe := func(job *models.Job, outcome string, d time.Duration) {
		metrics.Jobs.WithLabelValues(job.JobType, outcome).Inc()
		metrics.JobDuration.WithLabelValues(job.JobType).Observe(d.Seconds())
	}
	return &Instrumentation{
		OnEnqueue: func(job *models.Job) {
			metrics.Jobs.WithLabelValues(job.JobType, "enqueued").Inc()
		},
		OnComplete: func(job *models.Job, d time.Duration) {
			observe(job, "succeeded", d)
		},
		OnFail: func(job *models.Job, _ error, d time.Duration) {
			observe(job, "failed", d)
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			metrics.Jobs.WithLabelValues(job.JobType, "retried").Inc()
		},
		OnCancel: func(job *models.Job) {
			metrics.Jobs.WithLabelValues(job.JobType, "cancelled").Inc()
		},
		OnHeartbeat: func(workerID string, s Stats) {
			log.Debug().
				Str("worker_id", workerID).
				Int64("processed", s.JobsProcessed).
				Int64("failed", s.JobsFailed).
				Int("active", s.ActiveWorkers).
				Msg("worker heartbeat")
		},
	}
}
