package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db, mock
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
	if _, err := NewJobStore(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestMapErr(t *testing.T) {
	if err := mapErr(nil, "anything"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	if err := mapErr(sql.ErrNoRows, "subscription 4"); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var conflict *subscription.ConflictError
	err := mapErr(&pq.Error{Code: pqUniqueViolation, Constraint: "subscriptions_one_current_per_user"}, "create subscription")
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %T", err)
	}

	if err := mapErr(errors.New("boom"), "create subscription"); errors.As(err, &conflict) || errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("unexpected classification for %v", err)
	}
}

func TestGrantEnrollments(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	n, err := s.GrantEnrollments(context.Background(), 7, nil, models.EnrollmentFromSubscription, nil)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op for empty course list, got %d, %v", n, err)
	}

	subID := int64(3)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WithArgs(int64(7), sqlmock.AnyArg(), "subscription", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err = s.GrantEnrollments(context.Background(), 7, []int64{1, 2, 5}, models.EnrollmentFromSubscription, &subID)
	if err != nil {
		t.Fatalf("GrantEnrollments returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateSubscriptionNotFound(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions")).WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateSubscription(context.Background(), &models.Subscription{ID: 99, Status: models.SubscriptionExpired})
	if !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithinTxCommits(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		// Nested calls join the outer transaction.
		return s.WithinTx(ctx, func(ctx context.Context) error {
			return s.UpdateSubscription(ctx, &models.Subscription{ID: 1, Status: models.SubscriptionActive})
		})
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	mock.ExpectBegin()
	mock.ExpectRollback()

	want := errors.New("enrollment failed")
	err := s.WithinTx(context.Background(), func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLockSubscriptionRequiresTx(t *testing.T) {
	db, _ := newMock(t)
	s := &Store{db: db}

	if _, err := s.LockSubscription(context.Background(), 1); err == nil {
		t.Fatal("expected error outside a transaction")
	}
}

func TestGetSubscriptionScansNullableColumns(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "plan_type", "status", "provider", "provider_ref", "correlation_id",
		"start_date", "end_date", "current_period_end", "last_event_at", "created_at", "updated_at",
	}).AddRow(4, 7, "monthly", "pending", "paypal", nil, "corr-4", now, nil, nil, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions")).WithArgs(int64(4)).WillReturnRows(rows)

	sub, err := s.GetSubscription(context.Background(), 4)
	if err != nil {
		t.Fatalf("GetSubscription returned error: %v", err)
	}
	if sub.Status != models.SubscriptionPending || sub.ProviderRef != nil || sub.EndDate != nil {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.CorrelationID != "corr-4" {
		t.Fatalf("unexpected correlation id: %s", sub.CorrelationID)
	}
}

func TestBeginDeliveryReturnsAttempts(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "provider", "event_id", "event_type", "resource_id", "status", "attempts",
		"last_error", "received_at", "processed_at",
	}).AddRow(11, "paypal", "WH-1", "BILLING.SUBSCRIPTION.ACTIVATED", "I-1", "processed", 2, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO webhook_events")).WillReturnRows(rows)

	e, err := s.BeginDelivery(context.Background(), &models.WebhookEvent{
		Provider:   "paypal",
		EventID:    "WH-1",
		EventType:  "BILLING.SUBSCRIPTION.ACTIVATED",
		ResourceID: "I-1",
	}, nil)
	if err != nil {
		t.Fatalf("BeginDelivery returned error: %v", err)
	}
	if e.Attempts != 2 || !e.Done() {
		t.Fatalf("expected a finished redelivery, got %+v", e)
	}
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "job_type", "payload", "status", "priority", "attempts", "max_attempts",
		"created_at", "updated_at", "scheduled_for", "last_error", "retry_after",
		"processed_at", "completed_at", "worker_id", "metadata",
	})
}

func TestEnqueueUnique(t *testing.T) {
	db, mock := newMock(t)
	s := &JobStore{db: db}

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(21, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

	job := models.NewJob(models.JobTypeExpirySweep, models.JSONB{}, 3)
	created, err := s.EnqueueUnique(context.Background(), job)
	if err != nil || !created {
		t.Fatalf("expected job to be queued, got %v, %v", created, err)
	}
	if job.ID != 21 {
		t.Fatalf("expected id 21, got %d", job.ID)
	}

	created, err = s.EnqueueUnique(context.Background(), models.NewJob(models.JobTypeExpirySweep, models.JSONB{}, 3))
	if err != nil || created {
		t.Fatalf("expected duplicate to be skipped, got %v, %v", created, err)
	}
}

func TestScheduleProviderRetry(t *testing.T) {
	db, mock := newMock(t)
	s := &JobStore{db: db}

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs(models.JobTypeProviderCancelRetry, sqlmock.AnyArg(), "pending", "high", 5, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	if err := s.ScheduleProviderRetry(context.Background(), subscription.ProviderOpCancel, 42); err != nil {
		t.Fatalf("ScheduleProviderRetry returned error: %v", err)
	}
	if err := s.ScheduleProviderRetry(context.Background(), "refund", 42); err == nil {
		t.Fatal("expected error for unknown operation")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimNextJob(t *testing.T) {
	db, mock := newMock(t)
	s := &JobStore{db: db}

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).WithArgs("worker-1").WillReturnRows(jobRows())

	job, err := s.ClaimNextJob(context.Background(), "worker-1")
	if err != nil || job != nil {
		t.Fatalf("expected empty queue, got %+v, %v", job, err)
	}

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).WithArgs("worker-1").WillReturnRows(
		jobRows().AddRow(8, models.JobTypeProviderCancelRetry, []byte(`{"subscription_id":42,"operation":"cancel"}`),
			"processing", "high", 1, 5, now, now, nil, nil, nil, now, nil, "worker-1", []byte(`{}`)))

	job, err = s.ClaimNextJob(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if id, err := job.Payload.Int64("subscription_id"); err != nil || id != 42 {
		t.Fatalf("unexpected payload: %v", job.Payload)
	}
	if job.WorkerID == nil || *job.WorkerID != "worker-1" {
		t.Fatalf("unexpected worker id: %v", job.WorkerID)
	}
}

func TestCancelJobConflict(t *testing.T) {
	db, mock := newMock(t)
	s := &JobStore{db: db}

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'cancelled'")).WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))

	var conflict *subscription.ConflictError
	if err := s.CancelJob(context.Background(), 3); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	s := &JobStore{db: db}

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs")).WithArgs(int64(77)).WillReturnRows(jobRows())

	if _, err := s.GetByID(context.Background(), 77); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
