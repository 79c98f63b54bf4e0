package subscription

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/metrics"
	"github.com/PortNumber53/coursehub-billing/internal/models"
)

func (m *Manager) enrollSubscription(ctx context.Context, sub *models.Subscription) (int, error) {
	courseIDs, err := m.repo.CoveredCourseIDs(ctx, sub.PlanType)
	if err != nil {
		return 0, fmt.Errorf("load courses for plan %s: %w", sub.PlanType, err)
	}
	if len(courseIDs) == 0 {
		return 0, nil
	}
	subID := sub.ID
	n, err := m.repo.GrantEnrollments(ctx, sub.UserID, courseIDs, models.EnrollmentFromSubscription, &subID)
	if err != nil {
		return 0, fmt.Errorf("grant enrollments: %w", err)
	}
	metrics.EnrollmentChanges.WithLabelValues("granted").Add(float64(n))
	return n, nil
}

// revokeSubscriptionEnrollments removes the enrollments sub granted unless
// something else still justifies them: a paid purchase of the course, or
// another live subscription whose plan covers it. Justified rows are re-pointed
// at their new source instead of being deleted.
func (m *Manager) revokeSubscriptionEnrollments(ctx context.Context, sub *models.Subscription) (revoked, reassigned int, err error) {
	enrollments, err := m.repo.ListSubscriptionEnrollments(ctx, sub.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("list enrollments: %w", err)
	}
	if len(enrollments) == 0 {
		return 0, 0, nil
	}

	others, err := m.justifyingSubscriptions(ctx, sub)
	if err != nil {
		return 0, 0, err
	}
	coverage := make(map[models.PlanType]map[int64]struct{})
	covers := func(other models.Subscription, courseID int64) (bool, error) {
		set, ok := coverage[other.PlanType]
		if !ok {
			ids, err := m.repo.CoveredCourseIDs(ctx, other.PlanType)
			if err != nil {
				return false, fmt.Errorf("load courses for plan %s: %w", other.PlanType, err)
			}
			set = make(map[int64]struct{}, len(ids))
			for _, id := range ids {
				set[id] = struct{}{}
			}
			coverage[other.PlanType] = set
		}
		_, ok = set[courseID]
		return ok, nil
	}

	for _, e := range enrollments {
		paid, err := m.repo.HasPaidPurchase(ctx, e.UserID, e.CourseID)
		if err != nil {
			return revoked, reassigned, fmt.Errorf("check purchase: %w", err)
		}
		if paid {
			if err := m.repo.ReassignEnrollment(ctx, e.ID, models.EnrollmentFromPurchase, nil); err != nil {
				return revoked, reassigned, fmt.Errorf("reassign enrollment %d: %w", e.ID, err)
			}
			reassigned++
			continue
		}

		var keeper *models.Subscription
		for i := range others {
			ok, err := covers(others[i], e.CourseID)
			if err != nil {
				return revoked, reassigned, err
			}
			if ok {
				keeper = &others[i]
				break
			}
		}
		if keeper != nil {
			keeperID := keeper.ID
			if err := m.repo.ReassignEnrollment(ctx, e.ID, models.EnrollmentFromSubscription, &keeperID); err != nil {
				return revoked, reassigned, fmt.Errorf("reassign enrollment %d: %w", e.ID, err)
			}
			reassigned++
			continue
		}

		if err := m.repo.DeleteEnrollment(ctx, e.ID); err != nil {
			return revoked, reassigned, fmt.Errorf("delete enrollment %d: %w", e.ID, err)
		}
		revoked++
	}

	metrics.EnrollmentChanges.WithLabelValues("revoked").Add(float64(revoked))
	metrics.EnrollmentChanges.WithLabelValues("reassigned").Add(float64(reassigned))
	log.Debug().
		Int64("subscription_id", sub.ID).
		Int("revoked", revoked).
		Int("reassigned", reassigned).
		Msg("subscription enrollments released")
	return revoked, reassigned, nil
}

// justifyingSubscriptions returns the user's other subscriptions that still
// grant access: current ones, and cancelled ones whose term has not ended.
func (m *Manager) justifyingSubscriptions(ctx context.Context, sub *models.Subscription) ([]models.Subscription, error) {
	candidates, err := m.repo.ListUserSubscriptions(ctx, sub.UserID, StatusActive, StatusPastDue, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("list user subscriptions: %w", err)
	}
	now := m.now()
	out := candidates[:0]
	for _, c := range candidates {
		if c.ID == sub.ID {
			continue
		}
		if c.Status == StatusCancelled && (c.EndDate == nil || c.TermEnded(now)) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
