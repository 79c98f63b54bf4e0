package subscription

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// CheckoutSession is a pending subscription plus the URL where the buyer approves it.
type CheckoutSession struct {
	Subscription *models.Subscription `json:"subscription"`
	ApprovalURL  string               `json:"approval_url"`
}

// StartCheckout creates a pending subscription and its provider counterpart.
// The provider receives the subscription's correlation id so events can be
// matched even before the provider reference is stored. When the provider
// call fails the pending row is expired so it cannot linger.
func (m *Manager) StartCheckout(ctx context.Context, userID int64, planType models.PlanType, returnURL, cancelURL string) (*CheckoutSession, error) {
	if m.provider == nil {
		return nil, ErrNoProvider
	}
	plan, err := m.repo.GetPlan(ctx, planType)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planType, err)
	}
	if plan.ProviderPlanID == nil || *plan.ProviderPlanID == "" {
		return nil, conflict("plan %s is not linked to a provider plan", planType)
	}

	sub, err := m.CreateSubscription(ctx, userID, planType, m.provider.Name(), nil)
	if err != nil {
		return nil, err
	}

	checkout, err := m.provider.CreateSubscription(ctx, CreateProviderSubscription{
		PlanID:        *plan.ProviderPlanID,
		CorrelationID: sub.CorrelationID,
		ReturnURL:     returnURL,
		CancelURL:     cancelURL,
	})
	if err != nil {
		log.Warn().Err(err).Int64("subscription_id", sub.ID).Msg("provider checkout failed")
		if _, xerr := m.lockAndApply(context.WithoutCancel(ctx), sub.ID, change{to: StatusExpired, reason: "checkout_failed"}); xerr != nil {
			log.Error().Err(xerr).Int64("subscription_id", sub.ID).Msg("could not expire failed checkout")
		}
		if IsRetryable(err) {
			return nil, err
		}
		return nil, &RetryableProviderError{Op: "create_subscription", Err: err}
	}

	err = m.repo.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := m.repo.LockSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		if !locked.HasProviderRef() {
			ref := checkout.ID
			locked.ProviderRef = &ref
			locked.UpdatedAt = m.now()
			if err := m.repo.UpdateSubscription(ctx, locked); err != nil {
				return fmt.Errorf("store provider ref: %w", err)
			}
		}
		sub = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("subscription_id", sub.ID).
		Str("provider_ref", sub.ProviderRefValue()).
		Msg("checkout started")
	return &CheckoutSession{Subscription: sub, ApprovalURL: checkout.ApprovalURL}, nil
}

// ConfirmCheckout handles the buyer returning from the provider approval page.
// It asks the provider for the subscription's state and activates locally when
// the provider reports it active. Otherwise the row stays pending and the
// webhook finishes the job.
func (m *Manager) ConfirmCheckout(ctx context.Context, userID int64, providerRef string) (*models.Subscription, error) {
	if m.provider == nil {
		return nil, ErrNoProvider
	}
	sub, err := m.repo.FindByProviderRef(ctx, m.provider.Name(), providerRef)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, forbidden("subscription %d does not belong to user %d", sub.ID, userID)
	}
	if sub.Status == StatusActive {
		return sub, nil
	}

	remote, err := m.provider.GetSubscription(ctx, providerRef)
	if err != nil {
		if IsRetryable(err) {
			return nil, err
		}
		return nil, &RetryableProviderError{Op: "get_subscription", Err: err}
	}
	if !remote.Active {
		log.Info().
			Int64("subscription_id", sub.ID).
			Str("provider_status", remote.Status).
			Msg("checkout returned before provider activation")
		return sub, nil
	}
	return m.lockAndApply(ctx, sub.ID, change{
		to:          StatusActive,
		reason:      "checkout_confirmed",
		providerRef: providerRef,
		termEnd:     remote.NextBillingTime,
	})
}
