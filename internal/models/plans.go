package models

import "time"

// SubscriptionPlan is a catalog entry. The lifecycle engine only reads plans;
// the admin plan sync is the one writer besides migrations.
type SubscriptionPlan struct {
	ID              int64    `json:"id"`
	PlanType        PlanType `json:"plan_type"`
	Name            string   `json:"name"`
	Description     *string  `json:"description,omitempty"`
	PriceCents      int      `json:"price_cents"`
	Currency        string   `json:"currency"`
	BillingInterval string   `json:"billing_interval"`
	IntervalCount   int      `json:"interval_count"`
	// ProviderPlanID links the row to the payment provider's plan catalog.
	ProviderPlanID *string `json:"provider_plan_id,omitempty"`
	Features       JSONB   `json:"features"`
	// CoversAllCourses grants every published course; otherwise plan_courses applies.
	CoversAllCourses bool      `json:"covers_all_courses"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Billing intervals understood by TermEnd.
const (
	IntervalDay   = "day"
	IntervalWeek  = "week"
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// TermEnd returns the first billing boundary strictly after now for a term
// that started at start.
func (p *SubscriptionPlan) TermEnd(start, now time.Time) time.Time {
	count := p.IntervalCount
	if count <= 0 {
		count = 1
	}
	step := func(t time.Time) time.Time {
		switch p.BillingInterval {
		case IntervalDay:
			return t.AddDate(0, 0, count)
		case IntervalWeek:
			return t.AddDate(0, 0, 7*count)
		case IntervalYear:
			return t.AddDate(count, 0, 0)
		default:
			return t.AddDate(0, count, 0)
		}
	}

	end := step(start)
	for !end.After(now) {
		end = step(end)
	}
	return end
}

// Course is the minimal course reference needed for enrollment fan-out.
type Course struct {
	ID          int64  `json:"id"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	IsPublished bool   `json:"is_published"`
}

// EnrollmentSource records what justified an enrollment when it was granted.
type EnrollmentSource string

const (
	EnrollmentFromSubscription EnrollmentSource = "subscription"
	EnrollmentFromPurchase     EnrollmentSource = "purchase"
	EnrollmentFromAdmin        EnrollmentSource = "admin"
)

// Enrollment is the access grant linking a user to a course.
type Enrollment struct {
	ID             int64            `json:"id"`
	UserID         int64            `json:"user_id"`
	CourseID       int64            `json:"course_id"`
	Source         EnrollmentSource `json:"source"`
	SubscriptionID *int64           `json:"subscription_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// PurchaseStatus is the state of a standalone course purchase.
type PurchaseStatus string

const (
	PurchasePending  PurchaseStatus = "pending"
	PurchasePaid     PurchaseStatus = "paid"
	PurchaseRefunded PurchaseStatus = "refunded"
)

// Purchase is a one-off course purchase.
type Purchase struct {
	ID              int64          `json:"id"`
	UserID          int64          `json:"user_id"`
	CourseID        int64          `json:"course_id"`
	Status          PurchaseStatus `json:"status"`
	AmountCents     int            `json:"amount_cents"`
	Currency        string         `json:"currency"`
	Provider        string         `json:"provider"`
	ProviderOrderID *string        `json:"provider_order_id,omitempty"`
	PaidAt          *time.Time     `json:"paid_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
