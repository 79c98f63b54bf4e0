package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// UniqueEnqueuer queues a job unless one of the same type is already pending
// or running.
type UniqueEnqueuer interface {
	EnqueueUnique(ctx context.Context, job *models.Job) (bool, error)
}

// Scheduler enqueues recurring jobs on cron schedules. It only queues work;
// the Worker runs it, so any number of replicas can share one queue.
type Scheduler struct {
	cron    *cron.Cron
	queue   UniqueEnqueuer
	timeout time.Duration
}

// NewScheduler builds a scheduler accepting five-field specs and descriptors
// such as "@every 15m".
func NewScheduler(queue UniqueEnqueuer) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		queue:   queue,
		timeout: 30 * time.Second,
	}
}

// Every queues jobType on spec.
func (s *Scheduler) Every(spec, jobType string, maxAttempts int) error {
	return s.Func(spec, jobType, func(ctx context.Context) error {
		_, err := s.enqueue(ctx, jobType, maxAttempts)
		return err
	})
}

// Func runs fn on spec. Errors are logged.
func (s *Scheduler) Func(spec, name string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("task", name).Msg("scheduled task failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s at %q: %w", name, spec, err)
	}
	log.Info().Str("task", name).Str("spec", spec).Msg("scheduled task registered")
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, jobType string, maxAttempts int) (bool, error) {
	job := models.NewJob(jobType, models.JSONB{}, maxAttempts)
	job.Metadata["source"] = "scheduler"
	created, err := s.queue.EnqueueUnique(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	if created {
		log.Debug().Int64("job_id", job.ID).Str("job_type", jobType).Msg("scheduled job queued")
	}
	return created, nil
}

// Entries reports how many schedules are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start begins running schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		log.Warn().Msg("scheduler stop timed out with tasks still running")
	}
}

// cronLogger routes cron's own logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
