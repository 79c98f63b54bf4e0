// Package reconcile applies asynchronous payment provider events to local
// subscriptions. Deliveries are at-least-once and unordered; every event is
// logged by provider event id so redeliveries are acknowledged without effect.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/metrics"
	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// DefaultMaxAttempts bounds redeliveries of events whose subscription cannot
// be resolved yet.
const DefaultMaxAttempts = 5

// EventLog persists webhook deliveries. *store.Store implements it.
type EventLog interface {
	BeginDelivery(ctx context.Context, e *models.WebhookEvent, payload json.RawMessage) (*models.WebhookEvent, error)
	FinishDelivery(ctx context.Context, id int64, status models.WebhookEventStatus, lastError *string) error
}

// Lifecycle is the part of the subscription manager events are applied through.
type Lifecycle interface {
	ResolveProviderSubscription(ctx context.Context, provider, providerRef, correlationID string) (*models.Subscription, error)
	ApplyProviderEvent(ctx context.Context, subscriptionID int64, ev subscription.ProviderEvent) (*models.Subscription, error)
}

// Event is a provider notification in provider-neutral form.
type Event struct {
	ID            string
	Type          string
	ProviderRef   string
	CorrelationID string
	OccurredAt    *time.Time
	PeriodEnd     *time.Time
	Payload       json.RawMessage
}

// Disposition labels what happened to a delivery.
type Disposition string

const (
	Processed Disposition = "processed"
	Duplicate Disposition = "duplicate"
	Stale     Disposition = "stale"
	Ignored   Disposition = "ignored"
	Retrying  Disposition = "retrying"
	Dropped   Disposition = "dropped"
	Rejected  Disposition = "rejected"
)

// Outcome is the result of handling one delivery. Ack is false only when the
// provider should redeliver.
type Outcome struct {
	Disposition    Disposition
	Ack            bool
	SubscriptionID int64
	Status         models.SubscriptionStatus
}

// Reconciler maps provider events to subscription status changes.
type Reconciler struct {
	provider    string
	events      EventLog
	lifecycle   Lifecycle
	mapping     map[string]subscription.Status
	maxAttempts int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMaxAttempts sets how many deliveries of an unresolvable event are
// answered with a retry signal before the event is dropped.
func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithMapping replaces the event type to status mapping.
func WithMapping(m map[string]subscription.Status) Option {
	return func(r *Reconciler) {
		r.mapping = m
	}
}

// New builds a reconciler for provider. The default mapping is PayPalEvents.
func New(provider string, events EventLog, lifecycle Lifecycle, opts ...Option) *Reconciler {
	r := &Reconciler{
		provider:    provider,
		events:      events,
		lifecycle:   lifecycle,
		mapping:     PayPalEvents,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Target returns the local status an event type maps to.
func (r *Reconciler) Target(eventType string) (subscription.Status, bool) {
	s, ok := r.mapping[eventType]
	return s, ok
}

// Handle processes one delivery. A non-nil error means the outcome could not
// be determined and the delivery should be retried by the provider.
func (r *Reconciler) Handle(ctx context.Context, ev Event) (Outcome, error) {
	start := time.Now()
	out, err := r.handle(ctx, ev)
	disposition := string(out.Disposition)
	if err != nil {
		disposition = "error"
	}
	metrics.WebhookEvents.WithLabelValues(ev.Type, disposition).Inc()
	metrics.WebhookDuration.WithLabelValues(ev.Type).Observe(time.Since(start).Seconds())
	return out, err
}

func (r *Reconciler) handle(ctx context.Context, ev Event) (Outcome, error) {
	if ev.ID == "" || ev.Type == "" {
		return Outcome{}, errors.New("reconcile: event id and type are required")
	}

	record, err := r.events.BeginDelivery(ctx, &models.WebhookEvent{
		Provider:   r.provider,
		EventID:    ev.ID,
		EventType:  ev.Type,
		ResourceID: ev.ProviderRef,
	}, ev.Payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("log webhook event %s: %w", ev.ID, err)
	}
	logger := log.With().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("provider_ref", ev.ProviderRef).
		Int("attempt", record.Attempts).
		Logger()

	if record.Done() {
		logger.Debug().Str("status", string(record.Status)).Msg("duplicate webhook delivery")
		return Outcome{Disposition: Duplicate, Ack: true}, nil
	}

	target, ok := r.mapping[ev.Type]
	if !ok {
		return r.finish(ctx, record, Outcome{Disposition: Ignored, Ack: true}, nil)
	}

	sub, err := r.lifecycle.ResolveProviderSubscription(ctx, r.provider, ev.ProviderRef, ev.CorrelationID)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		if record.Attempts < r.maxAttempts {
			logger.Warn().Msg("webhook for unknown subscription, asking for redelivery")
			return r.finish(ctx, record, Outcome{Disposition: Retrying}, err)
		}
		logger.Error().Int("max_attempts", r.maxAttempts).Msg("webhook for unknown subscription dropped")
		return r.finish(ctx, record, Outcome{Disposition: Dropped, Ack: true}, err)
	case isRejection(err):
		logger.Error().Err(err).Msg("webhook rejected")
		return r.finish(ctx, record, Outcome{Disposition: Rejected, Ack: true}, err)
	case err != nil:
		return r.fail(ctx, record, err)
	}

	updated, err := r.lifecycle.ApplyProviderEvent(ctx, sub.ID, subscription.ProviderEvent{
		Target:      target,
		Reason:      "provider:" + ev.Type,
		ProviderRef: ev.ProviderRef,
		OccurredAt:  ev.OccurredAt,
		PeriodEnd:   ev.PeriodEnd,
	})
	out := Outcome{SubscriptionID: sub.ID, Status: sub.Status, Ack: true}
	switch {
	case errors.Is(err, subscription.ErrStaleEvent):
		logger.Info().Int64("subscription_id", sub.ID).Msg("stale webhook acknowledged without effect")
		out.Disposition = Stale
		return r.finish(ctx, record, out, nil)
	case isRejection(err):
		logger.Error().Err(err).Int64("subscription_id", sub.ID).Msg("webhook rejected")
		out.Disposition = Rejected
		return r.finish(ctx, record, out, err)
	case err != nil:
		return r.fail(ctx, record, err)
	}

	out.Disposition = Processed
	out.Status = updated.Status
	logger.Info().
		Int64("subscription_id", updated.ID).
		Str("status", string(updated.Status)).
		Msg("webhook applied")
	return r.finish(ctx, record, out, nil)
}

// isRejection reports errors that redelivery cannot fix.
func isRejection(err error) bool {
	var (
		transition *subscription.StateTransitionError
		conflict   *subscription.ConflictError
		expired    *subscription.ExpiredError
	)
	return errors.As(err, &transition) || errors.As(err, &conflict) || errors.As(err, &expired)
}

func (r *Reconciler) finish(ctx context.Context, record *models.WebhookEvent, out Outcome, cause error) (Outcome, error) {
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}
	if err := r.events.FinishDelivery(ctx, record.ID, statusFor(out.Disposition), lastError); err != nil {
		return out, fmt.Errorf("finish webhook event %s: %w", record.EventID, err)
	}
	return out, nil
}

// fail records an unexpected error and leaves the event open for redelivery.
func (r *Reconciler) fail(ctx context.Context, record *models.WebhookEvent, cause error) (Outcome, error) {
	msg := cause.Error()
	if err := r.events.FinishDelivery(context.WithoutCancel(ctx), record.ID, models.WebhookEventRetrying, &msg); err != nil {
		log.Error().Err(err).Str("event_id", record.EventID).Msg("record webhook failure")
	}
	return Outcome{Disposition: Retrying}, fmt.Errorf("apply webhook event %s: %w", record.EventID, cause)
}

func statusFor(d Disposition) models.WebhookEventStatus {
	switch d {
	case Processed, Stale:
		return models.WebhookEventProcessed
	case Ignored:
		return models.WebhookEventIgnored
	case Dropped:
		return models.WebhookEventDropped
	case Rejected:
		return models.WebhookEventFailed
	default:
		return models.WebhookEventRetrying
	}
}
