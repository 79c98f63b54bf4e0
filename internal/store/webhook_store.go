package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

const webhookColumns = `
  id, provider, event_id, event_type, resource_id, status, attempts,
  last_error, received_at, processed_at`

func scanWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	var (
		e           models.WebhookEvent
		lastError   sql.NullString
		processedAt sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.ResourceID, &e.Status,
		&e.Attempts, &lastError, &e.ReceivedAt, &processedAt,
	); err != nil {
		return nil, err
	}
	e.LastError = nullStringPtr(lastError)
	e.ProcessedAt = nullTimePtr(processedAt)
	return &e, nil
}

// BeginDelivery records a delivery of a provider event and returns the log row
// with its attempt counter incremented. A first delivery starts in retrying
// status until FinishDelivery records the outcome; redeliveries of finished
// events keep their final status so callers can acknowledge them unchanged.
func (s *Store) BeginDelivery(ctx context.Context, e *models.WebhookEvent, payload json.RawMessage) (*models.WebhookEvent, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	row := s.exec(ctx).QueryRowContext(ctx, `
INSERT INTO webhook_events (provider, event_id, event_type, resource_id, status, attempts, payload)
VALUES ($1, $2, $3, $4, 'retrying', 1, $5)
ON CONFLICT (provider, event_id) DO UPDATE
SET attempts = webhook_events.attempts + 1
RETURNING`+webhookColumns,
		e.Provider, e.EventID, e.EventType, e.ResourceID, []byte(payload))
	out, err := scanWebhookEvent(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("webhook event %s", e.EventID))
	}
	return out, nil
}

// FinishDelivery stores the disposition of a delivery.
func (s *Store) FinishDelivery(ctx context.Context, id int64, status models.WebhookEventStatus, lastError *string) error {
	_, err := s.exec(ctx).ExecContext(ctx, `
UPDATE webhook_events
SET status = $2,
    last_error = $3,
    processed_at = CASE WHEN $2 IN ('processed', 'ignored', 'dropped', 'failed') THEN now() ELSE processed_at END
WHERE id = $1`, id, status, lastError)
	return mapErr(err, fmt.Sprintf("finish webhook event %d", id))
}

// ListWebhookEvents returns recent deliveries, optionally filtered by status.
func (s *Store) ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	rows, err := s.exec(ctx).QueryContext(ctx, `SELECT`+webhookColumns+`
FROM webhook_events
WHERE ($1 = '' OR status = $1)
ORDER BY received_at DESC, id DESC
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, mapErr(err, "list webhook events")
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan webhook event: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
