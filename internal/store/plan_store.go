package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

const planColumns = `
  id, plan_type, name, description, price_cents, currency, billing_interval,
  interval_count, provider_plan_id, features, covers_all_courses, is_active,
  created_at, updated_at`

func scanPlan(row rowScanner) (*models.SubscriptionPlan, error) {
	var (
		p              models.SubscriptionPlan
		description    sql.NullString
		providerPlanID sql.NullString
		featuresJSON   []byte
	)
	if err := row.Scan(
		&p.ID, &p.PlanType, &p.Name, &description, &p.PriceCents, &p.Currency,
		&p.BillingInterval, &p.IntervalCount, &providerPlanID, &featuresJSON,
		&p.CoversAllCourses, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Description = nullStringPtr(description)
	p.ProviderPlanID = nullStringPtr(providerPlanID)
	if len(featuresJSON) > 0 {
		p.Features = make(models.JSONB)
		if err := json.Unmarshal(featuresJSON, &p.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features: %w", err)
		}
	}
	return &p, nil
}

// GetPlan returns the catalog entry for planType.
func (s *Store) GetPlan(ctx context.Context, planType models.PlanType) (*models.SubscriptionPlan, error) {
	row := s.exec(ctx).QueryRowContext(ctx, `SELECT`+planColumns+`
FROM subscription_plans
WHERE plan_type = $1`, planType)
	p, err := scanPlan(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("plan %s", planType))
	}
	return p, nil
}

// ListPlans returns every catalog entry, active or not.
func (s *Store) ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, `SELECT`+planColumns+`
FROM subscription_plans
ORDER BY price_cents ASC, id ASC`)
	if err != nil {
		return nil, mapErr(err, "list plans")
	}
	defer rows.Close()

	var plans []models.SubscriptionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate plans: %w", err)
	}
	return plans, nil
}

// CoveredCourseIDs returns the published courses granted by planType: every
// published course for plans covering all courses, otherwise the plan_courses rows.
func (s *Store) CoveredCourseIDs(ctx context.Context, planType models.PlanType) ([]int64, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, `
SELECT c.id
FROM courses c
JOIN subscription_plans p ON p.plan_type = $1
WHERE c.is_published
  AND (
    p.covers_all_courses
    OR EXISTS (
      SELECT 1 FROM plan_courses pc
      WHERE pc.plan_id = p.id AND pc.course_id = c.id
    )
  )
ORDER BY c.id`, planType)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("courses for plan %s", planType))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan course id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate course ids: %w", err)
	}
	return ids, nil
}

// UpdatePlan writes the provider-synced columns of a plan.
func (s *Store) UpdatePlan(ctx context.Context, p *models.SubscriptionPlan) error {
	_, err := s.exec(ctx).ExecContext(ctx, `
UPDATE subscription_plans
SET name = $2,
    price_cents = $3,
    currency = $4,
    billing_interval = $5,
    interval_count = $6,
    provider_plan_id = $7,
    is_active = $8,
    updated_at = now()
WHERE id = $1`,
		p.ID, p.Name, p.PriceCents, p.Currency, p.BillingInterval,
		p.IntervalCount, p.ProviderPlanID, p.IsActive)
	return mapErr(err, fmt.Sprintf("update plan %s", p.PlanType))
}

// LinkProviderPlan binds a catalog entry to a provider plan id.
func (s *Store) LinkProviderPlan(ctx context.Context, planType models.PlanType, providerPlanID string) error {
	res, err := s.exec(ctx).ExecContext(ctx, `
UPDATE subscription_plans
SET provider_plan_id = $2, updated_at = now()
WHERE plan_type = $1`, planType, providerPlanID)
	if err != nil {
		return mapErr(err, fmt.Sprintf("link plan %s", planType))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapErr(sql.ErrNoRows, fmt.Sprintf("plan %s", planType))
	}
	return nil
}
