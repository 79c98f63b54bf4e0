package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/coursehub-billing/internal/middleware"
	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/store"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
	"github.com/PortNumber53/coursehub-billing/internal/worker"
)

type mockJobStore struct {
	queued     []*models.Job
	duplicate  bool
	lastStatus models.JobStatus
	cancelErr  error
}

func (m *mockJobStore) EnqueueUnique(_ context.Context, job *models.Job) (bool, error) {
	if m.duplicate {
		return false, nil
	}
	job.ID = int64(len(m.queued) + 1)
	m.queued = append(m.queued, job)
	return true, nil
}

func (m *mockJobStore) GetByID(_ context.Context, id int64) (*models.Job, error) {
	if id != 1 {
		return nil, store.ErrJobNotFound
	}
	return &models.Job{ID: 1, JobType: models.JobTypePlanSync, Status: models.JobStatusCompleted}, nil
}

func (m *mockJobStore) CancelJob(context.Context, int64) error { return m.cancelErr }

func (m *mockJobStore) GetStats(context.Context) (*models.JobStats, error) {
	return &models.JobStats{Pending: 2}, nil
}

func (m *mockJobStore) ListRecent(_ context.Context, status models.JobStatus, _ int) ([]*models.Job, error) {
	m.lastStatus = status
	return nil, nil
}

type stubWorker struct{}

func (stubWorker) ID() string { return "worker-test" }

func (stubWorker) GetStats() worker.Stats { return worker.Stats{JobsProcessed: 3} }

func jobRouter(jobs JobStore) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := middleware.WithPrincipal(req.Context(), middleware.Principal{UserID: 1, Role: models.RoleAdmin})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	NewJobHandler(jobs, stubWorker{}).RegisterRoutes(r)
	return r
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCreateJobQueuesKnownTypes(t *testing.T) {
	jobs := &mockJobStore{}
	h := jobRouter(jobs)

	rr := do(h, http.MethodPost, "/jobs", fmt.Sprintf(`{"job_type":%q}`, models.JobTypeExpirySweep))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, jobs.queued, 1)
	assert.Equal(t, "admin_api", jobs.queued[0].Metadata["source"])
	assert.Equal(t, int64(1), jobs.queued[0].Metadata["requested_by"])

	jobs.duplicate = true
	rr = do(h, http.MethodPost, "/jobs", fmt.Sprintf(`{"job_type":%q}`, models.JobTypeExpirySweep))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeBody(t, rr)["queued"])

	rr = do(h, http.MethodPost, "/jobs", fmt.Sprintf(`{"job_type":%q}`, models.JobTypeProviderCancelRetry))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetAndCancelJob(t *testing.T) {
	jobs := &mockJobStore{}
	h := jobRouter(jobs)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/jobs/1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/jobs/2", "").Code)

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/jobs/1/cancel", "").Code)
	jobs.cancelErr = &subscription.ConflictError{Message: "job 1 is not pending"}
	assert.Equal(t, http.StatusConflict, do(h, http.MethodPost, "/jobs/1/cancel", "").Code)
}

func TestListJobsAndStats(t *testing.T) {
	jobs := &mockJobStore{}
	h := jobRouter(jobs)

	rr := do(h, http.MethodGet, "/jobs?status=failed", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.JobStatusFailed, jobs.lastStatus)
	assert.JSONEq(t, `{"jobs":[],"count":0}`, rr.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/jobs?status=bogus", "").Code)

	rr = do(h, http.MethodGet, "/jobs/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "worker-test", body["worker"].(map[string]any)["id"])
}
