package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/metrics"
	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// CompletePurchase captures the provider order behind a pending purchase,
// marks it paid and enrolls the buyer. Completing a paid purchase is a no-op.
func (m *Manager) CompletePurchase(ctx context.Context, purchaseID, userID int64, orderID string) (*models.Purchase, error) {
	p, err := m.repo.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, forbidden("purchase %d does not belong to user %d", purchaseID, userID)
	}
	switch p.Status {
	case models.PurchasePaid:
		return p, nil
	case models.PurchaseRefunded:
		return nil, conflict("purchase %d was refunded", purchaseID)
	}
	if m.provider == nil {
		return nil, ErrNoProvider
	}

	capture, err := m.provider.CaptureOrder(ctx, orderID)
	if err != nil {
		if IsRetryable(err) {
			return nil, err
		}
		return nil, &RetryableProviderError{Op: "capture_order", Err: err}
	}
	if !capture.Completed {
		return nil, conflict("order %s is %s", orderID, capture.Status)
	}

	err = m.repo.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := m.repo.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if locked.Status == models.PurchasePaid {
			p = locked
			return nil
		}
		now := m.now()
		ref := capture.OrderID
		if ref == "" {
			ref = orderID
		}
		locked.Status = models.PurchasePaid
		locked.Provider = m.provider.Name()
		locked.ProviderOrderID = &ref
		locked.PaidAt = &now
		locked.UpdatedAt = now
		if err := m.repo.UpdatePurchase(ctx, locked); err != nil {
			return fmt.Errorf("update purchase %d: %w", purchaseID, err)
		}
		n, err := m.repo.GrantEnrollments(ctx, locked.UserID, []int64{locked.CourseID}, models.EnrollmentFromPurchase, nil)
		if err != nil {
			return fmt.Errorf("grant enrollment: %w", err)
		}
		metrics.EnrollmentChanges.WithLabelValues("granted").Add(float64(n))
		p = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("purchase_id", p.ID).
		Int64("user_id", p.UserID).
		Int64("course_id", p.CourseID).
		Msg("purchase completed")
	return p, nil
}

// RefundPurchase marks a paid purchase refunded. The enrollment it justified is
// handed to a live subscription covering the course, or removed.
func (m *Manager) RefundPurchase(ctx context.Context, purchaseID int64) (*models.Purchase, error) {
	var p *models.Purchase
	err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		p, err = m.repo.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		switch p.Status {
		case models.PurchaseRefunded:
			return nil
		case models.PurchasePaid:
		default:
			return conflict("purchase %d is %s", purchaseID, p.Status)
		}

		p.Status = models.PurchaseRefunded
		p.UpdatedAt = m.now()
		if err := m.repo.UpdatePurchase(ctx, p); err != nil {
			return fmt.Errorf("update purchase %d: %w", purchaseID, err)
		}
		return m.releasePurchaseEnrollment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int64("purchase_id", p.ID).Int64("user_id", p.UserID).Msg("purchase refunded")
	return p, nil
}

func (m *Manager) releasePurchaseEnrollment(ctx context.Context, p *models.Purchase) error {
	e, err := m.repo.GetEnrollment(ctx, p.UserID, p.CourseID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if e.Source != models.EnrollmentFromPurchase {
		return nil
	}

	// another paid purchase of the same course still counts
	paid, err := m.repo.HasPaidPurchase(ctx, p.UserID, p.CourseID)
	if err != nil {
		return err
	}
	if paid {
		return nil
	}

	subs, err := m.justifyingSubscriptions(ctx, &models.Subscription{UserID: p.UserID})
	if err != nil {
		return err
	}
	for _, s := range subs {
		ids, err := m.repo.CoveredCourseIDs(ctx, s.PlanType)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id == p.CourseID {
				subID := s.ID
				metrics.EnrollmentChanges.WithLabelValues("reassigned").Inc()
				return m.repo.ReassignEnrollment(ctx, e.ID, models.EnrollmentFromSubscription, &subID)
			}
		}
	}
	metrics.EnrollmentChanges.WithLabelValues("revoked").Inc()
	return m.repo.DeleteEnrollment(ctx, e.ID)
}
