package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// RecordProviderSync appends a best-effort provider call outcome.
func (s *Store) RecordProviderSync(ctx context.Context, o *models.ProviderSyncOutcome) error {
	err := s.exec(ctx).QueryRowContext(ctx, `
INSERT INTO provider_sync_log (subscription_id, provider, provider_ref, operation, outcome, error)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at`,
		o.SubscriptionID, o.Provider, o.ProviderRef, o.Operation, o.Outcome, o.Error,
	).Scan(&o.ID, &o.CreatedAt)
	return mapErr(err, "record provider sync")
}

// ListProviderSync returns the most recent outcomes for a subscription.
func (s *Store) ListProviderSync(ctx context.Context, subscriptionID int64, limit int) ([]models.ProviderSyncOutcome, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	rows, err := s.exec(ctx).QueryContext(ctx, `
SELECT id, subscription_id, provider, provider_ref, operation, outcome, error, created_at
FROM provider_sync_log
WHERE subscription_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, subscriptionID, limit)
	if err != nil {
		return nil, mapErr(err, "list provider sync")
	}
	defer rows.Close()

	var out []models.ProviderSyncOutcome
	for rows.Next() {
		var (
			o       models.ProviderSyncOutcome
			errText sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.SubscriptionID, &o.Provider, &o.ProviderRef, &o.Operation, &o.Outcome, &errText, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan provider sync: %w", err)
		}
		o.Error = nullStringPtr(errText)
		out = append(out, o)
	}
	return out, rows.Err()
}
