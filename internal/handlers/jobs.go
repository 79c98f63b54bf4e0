package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/store"
	"github.com/PortNumber53/coursehub-billing/internal/worker"
)

// JobStore defines the job queue operations the admin API needs.
type JobStore interface {
	EnqueueUnique(ctx context.Context, job *models.Job) (bool, error)
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListRecent(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
}

// WorkerStats exposes in-process worker counters.
type WorkerStats interface {
	ID() string
	GetStats() worker.Stats
}

// manualJobs are the job types an operator may queue by hand.
var manualJobs = map[string]int{
	models.JobTypeExpirySweep:  3,
	models.JobTypePendingSweep: 3,
	models.JobTypePlanSync:     3,
}

type createJobRequest struct {
	JobType string `json:"job_type"`
}

// CreateJob queues a sweep or plan sync. A job of the same type that is
// already pending or running is reused.
func CreateJob(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		var req createJobRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		maxAttempts, ok := manualJobs[req.JobType]
		if !ok {
			badRequest(w, "unsupported job_type")
			return
		}

		job := models.NewJob(req.JobType, models.JSONB{}, maxAttempts)
		job.Metadata["source"] = "admin_api"
		job.Metadata["requested_by"] = p.UserID

		created, err := jobs.EnqueueUnique(r.Context(), job)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !created {
			writeJSON(w, http.StatusOK, map[string]any{"job_type": req.JobType, "queued": false, "message": "job already queued"})
			return
		}
		log.Info().Int64("job_id", job.ID).Str("job_type", job.JobType).Msg("job queued by admin")
		writeJSON(w, http.StatusCreated, map[string]any{"id": job.ID, "job_type": job.JobType, "queued": true, "status": job.Status})
	}
}

// GetJob returns one job.
func GetJob(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		job, err := jobs.GetByID(r.Context(), id)
		if err != nil {
			writeJobError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob cancels a pending job.
func CancelJob(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := jobs.CancelJob(r.Context(), id); err != nil {
			writeJobError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.JobStatusCancelled})
	}
}

// ListJobs returns recent jobs, filtered by ?status=.
func ListJobs(jobs JobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := models.JobStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			badRequest(w, "unknown job status")
			return
		}
		list, err := jobs.ListRecent(r.Context(), status, queryLimit(r, 100, 1000))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
	}
}

// GetJobStats returns queue counts plus this process's worker counters.
func GetJobStats(jobs JobStore, wk WorkerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := jobs.GetStats(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		body := map[string]any{"queue": stats}
		if wk != nil {
			s := wk.GetStats()
			body["worker"] = map[string]any{
				"id":                wk.ID(),
				"jobs_processed":    s.JobsProcessed,
				"jobs_succeeded":    s.JobsSucceeded,
				"jobs_failed":       s.JobsFailed,
				"jobs_retried":      s.JobsRetried,
				"active_workers":    s.ActiveWorkers,
				"last_processed_at": s.LastProcessedAt,
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "job not found"})
		return
	}
	writeError(w, r, err)
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	Store  JobStore
	Worker WorkerStats
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(jobs JobStore, wk WorkerStats) *JobHandler {
	return &JobHandler{Store: jobs, Worker: wk}
}

// RegisterRoutes registers job handlers on an admin router.
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Post("/jobs", CreateJob(h.Store))
	router.Get("/jobs", ListJobs(h.Store))
	router.Get("/jobs/stats", GetJobStats(h.Store, h.Worker))
	router.Get("/jobs/{id}", GetJob(h.Store))
	router.Post("/jobs/{id}/cancel", CancelJob(h.Store))
}
