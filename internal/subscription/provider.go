package subscription

import (
	"context"
	"time"
)

// PaymentProvider is the external billing system. Implementations return
// *RetryableProviderError for transient failures.
type PaymentProvider interface {
	Name() string
	CreateSubscription(ctx context.Context, req CreateProviderSubscription) (*ProviderCheckout, error)
	CancelSubscription(ctx context.Context, providerRef, reason string) error
	ResumeSubscription(ctx context.Context, providerRef, reason string) error
	GetSubscription(ctx context.Context, providerRef string) (*ProviderSubscription, error)
	CaptureOrder(ctx context.Context, orderID string) (*ProviderCapture, error)
	ListPlans(ctx context.Context) ([]ProviderPlan, error)
}

// CreateProviderSubscription starts a provider-side subscription awaiting buyer approval.
type CreateProviderSubscription struct {
	PlanID        string
	CorrelationID string
	ReturnURL     string
	CancelURL     string
}

// ProviderCheckout is the provider's answer to a create call.
type ProviderCheckout struct {
	ID          string
	ApprovalURL string
}

// ProviderSubscription is the provider's view of a subscription.
type ProviderSubscription struct {
	ID              string
	Status          string
	CustomID        string
	Active          bool
	NextBillingTime *time.Time
}

// ProviderCapture is the result of capturing a one-off order.
type ProviderCapture struct {
	OrderID   string
	CaptureID string
	Status    string
	Completed bool
}

// ProviderPlan is an entry in the provider's plan catalog.
type ProviderPlan struct {
	ID            string
	Name          string
	Active        bool
	PriceCents    int
	Currency      string
	Interval      string
	IntervalCount int
}

// Best-effort provider operations recorded in the sync log.
const (
	ProviderOpCancel = "cancel"
	ProviderOpResume = "resume"
)
