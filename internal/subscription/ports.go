package subscription

import (
	"context"
	"time"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// TxRunner runs fn inside one database transaction carried on ctx. Every
// repository call made with that ctx joins the transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SubscriptionRepository persists subscription rows. Lookups return an error
// wrapping ErrNotFound when nothing matches.
type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	// LockSubscription reads the row with FOR UPDATE inside the current transaction.
	LockSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	FindByProviderRef(ctx context.Context, provider, providerRef string) (*models.Subscription, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.Subscription, error)
	// FindCurrentByUser returns the user's active or past_due subscription.
	FindCurrentByUser(ctx context.Context, userID int64) (*models.Subscription, error)
	ListUserSubscriptions(ctx context.Context, userID int64, statuses ...models.SubscriptionStatus) ([]models.Subscription, error)
	// ListExpirable returns active, past_due or cancelled rows whose end date is at or before now.
	ListExpirable(ctx context.Context, now time.Time) ([]models.Subscription, error)
	// ListStalePending returns pending rows created before cutoff.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
}

// EnrollmentRepository persists enrollment rows.
type EnrollmentRepository interface {
	// GrantEnrollments inserts one enrollment per course, leaving existing
	// rows for the same (user, course) untouched. It returns the number inserted.
	GrantEnrollments(ctx context.Context, userID int64, courseIDs []int64, source models.EnrollmentSource, subscriptionID *int64) (int, error)
	GetEnrollment(ctx context.Context, userID, courseID int64) (*models.Enrollment, error)
	HasEnrollment(ctx context.Context, userID, courseID int64) (bool, error)
	ListSubscriptionEnrollments(ctx context.Context, subscriptionID int64) ([]models.Enrollment, error)
	ReassignEnrollment(ctx context.Context, enrollmentID int64, source models.EnrollmentSource, subscriptionID *int64) error
	DeleteEnrollment(ctx context.Context, enrollmentID int64) error
}

// PurchaseRepository persists standalone course purchases.
type PurchaseRepository interface {
	HasPaidPurchase(ctx context.Context, userID, courseID int64) (bool, error)
	GetPurchase(ctx context.Context, id int64) (*models.Purchase, error)
	LockPurchase(ctx context.Context, id int64) (*models.Purchase, error)
	UpdatePurchase(ctx context.Context, p *models.Purchase) error
}

// PlanCatalog reads and maintains the plan catalog.
type PlanCatalog interface {
	GetPlan(ctx context.Context, planType models.PlanType) (*models.SubscriptionPlan, error)
	ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error)
	// CoveredCourseIDs returns the published courses a plan grants.
	CoveredCourseIDs(ctx context.Context, planType models.PlanType) ([]int64, error)
	UpdatePlan(ctx context.Context, plan *models.SubscriptionPlan) error
}

// UserDirectory resolves platform users.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	// LockUser takes a row lock on the user to serialize subscription creation.
	LockUser(ctx context.Context, id int64) error
}

// SyncRecorder stores the outcome of best-effort provider calls.
type SyncRecorder interface {
	RecordProviderSync(ctx context.Context, outcome *models.ProviderSyncOutcome) error
}

// RetryScheduler queues a deferred provider call after a failed best-effort attempt.
type RetryScheduler interface {
	ScheduleProviderRetry(ctx context.Context, operation string, subscriptionID int64) error
}

// Repository is everything the lifecycle manager persists through.
type Repository interface {
	TxRunner
	SubscriptionRepository
	EnrollmentRepository
	PurchaseRepository
	PlanCatalog
	UserDirectory
	SyncRecorder
}
