package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// ErrJobNotFound is returned when a job is not found in the database
var ErrJobNotFound = errors.New("job not found")

const (
	jobColumns = `
  id, job_type, payload, status, priority, attempts, max_attempts,
  created_at, updated_at, scheduled_for, last_error, retry_after,
  processed_at, completed_at, worker_id, metadata`

	jobPriorityOrder = `
  CASE priority
    WHEN 'critical' THEN 4
    WHEN 'high' THEN 3
    WHEN 'normal' THEN 2
    WHEN 'low' THEN 1
  END DESC,
  created_at ASC`

	// providerRetryAttempts bounds how often a failed cancel or resume is retried.
	providerRetryAttempts = 5
)

// JobStore provides database operations for job queue management
type JobStore struct {
	db *sql.DB
}

var _ subscription.RetryScheduler = (*JobStore)(nil)

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	if err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledFor,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
		&job.Metadata,
	); err != nil {
		return nil, err
	}
	return job, nil
}

// Enqueue creates a new job in the queue
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at, updated_at`,
		job.JobType, job.Payload, job.Status, job.Priority, job.MaxAttempts, job.ScheduledFor, job.Metadata,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// EnqueueUnique enqueues job unless a pending or processing job of the same
// type already exists. It reports whether a row was inserted.
func (s *JobStore) EnqueueUnique(ctx context.Context, job *models.Job) (bool, error) {
	if err := job.IsValid(); err != nil {
		return false, fmt.Errorf("invalid job: %w", err)
	}
	job.Status = models.JobStatusPending

	err := s.db.QueryRowContext(ctx, `
INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for, metadata)
SELECT $1, $2, $3, $4, $5, $6, $7
WHERE NOT EXISTS (
  SELECT 1 FROM jobs
  WHERE job_type = $1 AND status IN ('pending', 'processing')
)
RETURNING id, created_at, updated_at`,
		job.JobType, job.Payload, job.Status, job.Priority, job.MaxAttempts, job.ScheduledFor, job.Metadata,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue unique job: %w", err)
	}
	return true, nil
}

// ScheduleProviderRetry queues a retry of a failed provider cancel or resume.
func (s *JobStore) ScheduleProviderRetry(ctx context.Context, operation string, subscriptionID int64) error {
	var jobType string
	switch operation {
	case subscription.ProviderOpCancel:
		jobType = models.JobTypeProviderCancelRetry
	case subscription.ProviderOpResume:
		jobType = models.JobTypeProviderResumeRetry
	default:
		return fmt.Errorf("unknown provider operation %q", operation)
	}

	job := models.NewJob(jobType, models.JSONB{
		"subscription_id": subscriptionID,
		"operation":       operation,
	}, providerRetryAttempts)
	job.Priority = models.JobPriorityHigh
	return s.Enqueue(ctx, job)
}

// GetByID retrieves a job by its ID
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT`+jobColumns+`
FROM jobs
WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next available job for processing.
// It returns nil when the queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = 'processing',
    worker_id = $1,
    processed_at = NOW(),
    updated_at = NOW(),
    attempts = attempts + 1
WHERE id = (
  SELECT id FROM jobs
  WHERE status = 'pending'
    AND (scheduled_for IS NULL OR scheduled_for <= NOW())
    AND (retry_after IS NULL OR retry_after <= NOW())
  ORDER BY`+jobPriorityOrder+`
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING`+jobColumns, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'completed',
    completed_at = NOW(),
    updated_at = NOW(),
    worker_id = NULL
WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as failed with an error message
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'failed',
    last_error = $2,
    updated_at = NOW(),
    worker_id = NULL
WHERE id = $1`, id, errorMsg)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts a job back to pending until retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending',
    last_error = $2,
    retry_after = $3,
    updated_at = NOW(),
    worker_id = NULL
WHERE id = $1`, id, errorMsg, retryAfter)
	if err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// CancelJob marks a pending or failed job as cancelled
func (s *JobStore) CancelJob(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'cancelled',
    updated_at = NOW(),
    worker_id = NULL
WHERE id = $1 AND status IN ('pending', 'failed')`, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &subscription.ConflictError{Message: fmt.Sprintf("job %d cannot be cancelled", id)}
	}
	return nil
}

// ReleaseJob releases a processing job back to pending (for graceful shutdown)
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending',
    worker_id = NULL,
    updated_at = NOW()
WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// GetStats returns statistics about the job queue
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, `
SELECT
  COUNT(*) FILTER (WHERE status = 'pending'),
  COUNT(*) FILTER (WHERE status = 'processing'),
  COUNT(*) FILTER (WHERE status = 'completed'),
  COUNT(*) FILTER (WHERE status = 'failed'),
  COUNT(*) FILTER (WHERE status = 'cancelled'),
  COUNT(*)
FROM jobs`).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// ListRecent returns the newest jobs, optionally filtered by status.
func (s *JobStore) ListRecent(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `SELECT`+jobColumns+`
FROM jobs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListPendingJobs returns pending jobs in claim order
func (s *JobStore) ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT`+jobColumns+`
FROM jobs
WHERE status = 'pending'
  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
  AND (retry_after IS NULL OR retry_after <= NOW())
ORDER BY`+jobPriorityOrder+`
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// CleanupOldJobs removes finished jobs older than olderThan
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN ('completed', 'failed', 'cancelled')
  AND updated_at < NOW() - INTERVAL '1 second' * $1`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
