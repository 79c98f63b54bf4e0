package models

import (
	"fmt"
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscription row.
type SubscriptionStatus string

const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// SubscriptionStatuses lists every status in lifecycle order.
var SubscriptionStatuses = []SubscriptionStatus{
	SubscriptionPending,
	SubscriptionActive,
	SubscriptionPastDue,
	SubscriptionCancelled,
	SubscriptionExpired,
}

// Valid reports whether s is one of the known statuses.
func (s SubscriptionStatus) Valid() bool {
	for _, known := range SubscriptionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSubscriptionStatus converts a raw string into a SubscriptionStatus.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	s := SubscriptionStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown subscription status %q", raw)
	}
	return s, nil
}

// IsCurrent reports whether the status counts toward the one-current-subscription rule.
func (s SubscriptionStatus) IsCurrent() bool {
	return s == SubscriptionActive || s == SubscriptionPastDue
}

// PlanType identifies an entry in the subscription plan catalog.
type PlanType string

const (
	PlanMonthly PlanType = "monthly"
	PlanAnnual  PlanType = "annual"
)

// Subscription is a user's subscription to a catalog plan.
type Subscription struct {
	ID       int64              `json:"id"`
	UserID   int64              `json:"user_id"`
	PlanType PlanType           `json:"plan_type"`
	Status   SubscriptionStatus `json:"status"`
	Provider string             `json:"provider"`
	// ProviderRef is nil until the provider has created its side of the subscription.
	ProviderRef *string `json:"provider_ref,omitempty"`
	// CorrelationID is sent to the provider at checkout and echoed back in events.
	CorrelationID    string     `json:"correlation_id"`
	StartDate        time.Time  `json:"start_date"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	LastEventAt      *time.Time `json:"last_event_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasProviderRef reports whether the provider reference has been recorded.
func (s *Subscription) HasProviderRef() bool {
	return s.ProviderRef != nil && *s.ProviderRef != ""
}

// ProviderRefValue returns the provider reference or an empty string.
func (s *Subscription) ProviderRefValue() string {
	if s.ProviderRef == nil {
		return ""
	}
	return *s.ProviderRef
}

// TermEnded reports whether the subscription's end date is at or before now.
func (s *Subscription) TermEnded(now time.Time) bool {
	return s.EndDate != nil && !s.EndDate.After(now)
}

// ProviderSyncOutcome records the result of a best-effort provider call made
// after local state was already committed.
type ProviderSyncOutcome struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	Provider       string    `json:"provider"`
	ProviderRef    string    `json:"provider_ref"`
	Operation      string    `json:"operation"`
	Outcome        string    `json:"outcome"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	ProviderSyncSucceeded = "succeeded"
	ProviderSyncFailed    = "failed"
	ProviderSyncSkipped   = "skipped"
)

// WebhookEventStatus is the final or intermediate disposition of an inbound event.
type WebhookEventStatus string

const (
	WebhookEventProcessed WebhookEventStatus = "processed"
	WebhookEventIgnored   WebhookEventStatus = "ignored"
	WebhookEventRetrying  WebhookEventStatus = "retrying"
	WebhookEventDropped   WebhookEventStatus = "dropped"
	WebhookEventFailed    WebhookEventStatus = "failed"
)

// WebhookEvent is the delivery log entry for a provider event.
type WebhookEvent struct {
	ID          int64              `json:"id"`
	Provider    string             `json:"provider"`
	EventID     string             `json:"event_id"`
	EventType   string             `json:"event_type"`
	ResourceID  string             `json:"resource_id"`
	Status      WebhookEventStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	LastError   *string            `json:"last_error,omitempty"`
	ReceivedAt  time.Time          `json:"received_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
}

// Done reports whether the event needs no further processing.
func (e *WebhookEvent) Done() bool {
	switch e.Status {
	case WebhookEventProcessed, WebhookEventIgnored, WebhookEventDropped, WebhookEventFailed:
		return true
	}
	return false
}
