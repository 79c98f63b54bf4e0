package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

const subscriptionColumns = `
  id, user_id, plan_type, status, provider, provider_ref, correlation_id,
  start_date, end_date, current_period_end, last_event_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub         models.Subscription
		providerRef sql.NullString
		endDate     sql.NullTime
		periodEnd   sql.NullTime
		lastEventAt sql.NullTime
	)
	if err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.PlanType,
		&sub.Status,
		&sub.Provider,
		&providerRef,
		&sub.CorrelationID,
		&sub.StartDate,
		&endDate,
		&periodEnd,
		&lastEventAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.ProviderRef = nullStringPtr(providerRef)
	sub.EndDate = nullTimePtr(endDate)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.LastEventAt = nullTimePtr(lastEventAt)
	return &sub, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}

func (s *Store) querySubscriptions(ctx context.Context, what, query string, args ...any) ([]models.Subscription, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, what)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", what, err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate %s: %w", what, err)
	}
	return subs, nil
}

// CreateSubscription inserts sub and fills in its id and timestamps.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	err := s.exec(ctx).QueryRowContext(ctx, `
INSERT INTO subscriptions (
  user_id, plan_type, status, provider, provider_ref, correlation_id,
  start_date, end_date, current_period_end, last_event_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at, updated_at`,
		sub.UserID,
		sub.PlanType,
		sub.Status,
		sub.Provider,
		sub.ProviderRef,
		sub.CorrelationID,
		sub.StartDate,
		sub.EndDate,
		sub.CurrentPeriodEnd,
		sub.LastEventAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	return mapErr(err, "insert subscription")
}

// GetSubscription returns the subscription with the given id.
func (s *Store) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	row := s.exec(ctx).QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("subscription %d", id))
	}
	return sub, nil
}

// LockSubscription reads the subscription with FOR UPDATE. It must run inside WithinTx.
func (s *Store) LockSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	if _, ok := txFromContext(ctx); !ok {
		return nil, fmt.Errorf("store: lock subscription %d outside transaction", id)
	}
	row := s.exec(ctx).QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE id = $1
FOR UPDATE`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("subscription %d", id))
	}
	return sub, nil
}

// FindByProviderRef returns the subscription bound to the provider reference.
func (s *Store) FindByProviderRef(ctx context.Context, provider, providerRef string) (*models.Subscription, error) {
	row := s.exec(ctx).QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE provider = $1 AND provider_ref = $2`, provider, providerRef)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("subscription for %s ref %s", provider, providerRef))
	}
	return sub, nil
}

// FindByCorrelationID returns the subscription created with the correlation id.
func (s *Store) FindByCorrelationID(ctx context.Context, correlationID string) (*models.Subscription, error) {
	row := s.exec(ctx).QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE correlation_id::text = $1`, strings.ToLower(correlationID))
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("subscription with correlation %s", correlationID))
	}
	return sub, nil
}

// FindCurrentByUser returns the user's active or past_due subscription.
func (s *Store) FindCurrentByUser(ctx context.Context, userID int64) (*models.Subscription, error) {
	row := s.exec(ctx).QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE user_id = $1 AND status IN ('active', 'past_due')
LIMIT 1`, userID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("current subscription for user %d", userID))
	}
	return sub, nil
}

// ListUserSubscriptions returns the user's subscriptions newest first,
// optionally restricted to the given statuses.
func (s *Store) ListUserSubscriptions(ctx context.Context, userID int64, statuses ...models.SubscriptionStatus) ([]models.Subscription, error) {
	if len(statuses) == 0 {
		return s.querySubscriptions(ctx, "user subscriptions", `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, userID, defaultPageSize)
	}

	raw := make([]string, len(statuses))
	for i, st := range statuses {
		raw[i] = string(st)
	}
	return s.querySubscriptions(ctx, "user subscriptions", `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE user_id = $1 AND status = ANY($2)
ORDER BY created_at DESC, id DESC`, userID, pq.Array(raw))
}

// ListExpirable returns live subscriptions whose end date is at or before now.
func (s *Store) ListExpirable(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	return s.querySubscriptions(ctx, "expirable subscriptions", `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE status IN ('active', 'past_due', 'cancelled')
  AND end_date IS NOT NULL
  AND end_date <= $1
ORDER BY end_date ASC, id ASC`, now)
}

// ListStalePending returns pending subscriptions created before cutoff.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]models.Subscription, error) {
	return s.querySubscriptions(ctx, "stale pending subscriptions", `SELECT`+subscriptionColumns+`
FROM subscriptions
WHERE status = 'pending' AND created_at < $1
ORDER BY created_at ASC`, cutoff)
}

// UpdateSubscription writes the mutable columns of sub. The plan is never changed here.
func (s *Store) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	res, err := s.exec(ctx).ExecContext(ctx, `
UPDATE subscriptions
SET status = $2,
    provider_ref = $3,
    start_date = $4,
    end_date = $5,
    current_period_end = $6,
    last_event_at = $7,
    updated_at = now()
WHERE id = $1`,
		sub.ID,
		sub.Status,
		sub.ProviderRef,
		sub.StartDate,
		sub.EndDate,
		sub.CurrentPeriodEnd,
		sub.LastEventAt,
	)
	if err != nil {
		return mapErr(err, fmt.Sprintf("update subscription %d", sub.ID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapErr(sql.ErrNoRows, fmt.Sprintf("subscription %d", sub.ID))
	}
	return nil
}

// StatusCount is one row of the status breakdown.
type StatusCount struct {
	Status models.SubscriptionStatus `json:"status"`
	Count  int64                     `json:"count"`
}

// CountByStatus returns how many subscriptions sit in each status.
func (s *Store) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.exec(ctx).QueryContext(ctx, `
SELECT status, COUNT(*)
FROM subscriptions
GROUP BY status
ORDER BY status`)
	if err != nil {
		return nil, mapErr(err, "count subscriptions")
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("store: scan subscription count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
