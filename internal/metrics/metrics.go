// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coursehub"

var (
	// SubscriptionTransitions counts applied status changes, including no-ops.
	SubscriptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "subscription_transitions_total",
		Help:      "Subscription status transitions by source and target status.",
	}, []string{"from", "to"})

	// RejectedTransitions counts transitions refused by the state machine.
	RejectedTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "subscription_rejected_transitions_total",
		Help:      "Illegal subscription transitions that were attempted.",
	}, []string{"from", "to"})

	// EnrollmentChanges counts enrollment rows granted, reassigned or revoked.
	EnrollmentChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "enrollment_changes_total",
		Help:      "Enrollment rows granted, reassigned or revoked by the lifecycle engine.",
	}, []string{"change"})

	// ProviderSync counts best-effort provider calls by operation and outcome.
	ProviderSync = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "provider_sync_total",
		Help:      "Best-effort payment provider calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	// AccessDecisions counts entitlement decisions by reason.
	AccessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "access_decisions_total",
		Help:      "Course access decisions by granting reason.",
	}, []string{"reason"})

	// WebhookEvents counts provider webhook deliveries by event type and disposition.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Payment provider webhook deliveries by event type and disposition.",
	}, []string{"event_type", "disposition"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Payment provider webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ExpirySweeps counts subscriptions expired by sweep runs.
	ExpirySweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "expiry_sweep_subscriptions_total",
		Help:      "Subscriptions handled by expiry sweeps by result.",
	}, []string{"result"})

	// HTTPRequests counts API requests by route pattern, method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "status"})

	// HTTPDuration tracks API request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by route and method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	// Jobs counts worker job outcomes by job type.
	Jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Worker job executions by job type and outcome.",
	}, []string{"job_type", "outcome"})

	// JobDuration tracks job handler latency.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Worker job handler duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job_type"})
)
