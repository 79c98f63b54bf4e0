package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/metrics"
	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// ErrNoProvider is returned by operations that need a payment provider when none is configured.
var ErrNoProvider = errors.New("no payment provider configured")

// syncProvider mirrors a committed local change to the provider. The call is
// detached from the request context and bounded by the provider timeout. The
// outcome is always recorded; a failure optionally queues a retry job.
func (m *Manager) syncProvider(ctx context.Context, sub *models.Subscription, operation string, scheduleRetry bool) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.providerTimeout)
	defer cancel()

	var err error
	switch {
	case m.provider == nil:
		err = ErrNoProvider
	case operation == ProviderOpCancel:
		err = m.provider.CancelSubscription(callCtx, sub.ProviderRefValue(), "Cancelled by customer")
	case operation == ProviderOpResume:
		err = m.provider.ResumeSubscription(callCtx, sub.ProviderRefValue(), "Reactivated by customer")
	default:
		err = fmt.Errorf("unknown provider operation %q", operation)
	}

	if err == nil {
		m.recordSync(callCtx, sub, operation, models.ProviderSyncSucceeded, nil)
		return nil
	}

	log.Warn().
		Err(err).
		Int64("subscription_id", sub.ID).
		Str("provider_ref", sub.ProviderRefValue()).
		Str("operation", operation).
		Msg("provider sync failed; local state kept")
	m.recordSync(callCtx, sub, operation, models.ProviderSyncFailed, err)

	if scheduleRetry && m.retries != nil && !errors.Is(err, ErrNoProvider) {
		if qerr := m.retries.ScheduleProviderRetry(callCtx, operation, sub.ID); qerr != nil {
			log.Error().Err(qerr).Int64("subscription_id", sub.ID).Str("operation", operation).Msg("could not queue provider retry")
		}
	}
	return &RetryableProviderError{Op: operation, Err: err}
}

func (m *Manager) recordSync(ctx context.Context, sub *models.Subscription, operation, outcome string, cause error) {
	metrics.ProviderSync.WithLabelValues(operation, outcome).Inc()

	entry := &models.ProviderSyncOutcome{
		SubscriptionID: sub.ID,
		Provider:       sub.Provider,
		ProviderRef:    sub.ProviderRefValue(),
		Operation:      operation,
		Outcome:        outcome,
		CreatedAt:      m.now(),
	}
	if cause != nil {
		msg := cause.Error()
		entry.Error = &msg
	}
	if err := m.repo.RecordProviderSync(ctx, entry); err != nil {
		log.Error().Err(err).Int64("subscription_id", sub.ID).Str("operation", operation).Msg("could not record provider sync outcome")
	}
}
