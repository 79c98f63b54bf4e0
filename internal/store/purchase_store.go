package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

const purchaseColumns = `
  id, user_id, course_id, status, amount_cents, currency, provider,
  provider_order_id, paid_at, created_at, updated_at`

func scanPurchase(row rowScanner) (*models.Purchase, error) {
	var (
		p       models.Purchase
		orderID sql.NullString
		paidAt  sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.UserID, &p.CourseID, &p.Status, &p.AmountCents, &p.Currency,
		&p.Provider, &orderID, &paidAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.ProviderOrderID = nullStringPtr(orderID)
	p.PaidAt = nullTimePtr(paidAt)
	return &p, nil
}

// HasPaidPurchase reports whether the user holds a paid purchase of the course.
func (s *Store) HasPaidPurchase(ctx context.Context, userID, courseID int64) (bool, error) {
	var exists bool
	err := s.exec(ctx).QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM purchases
  WHERE user_id = $1 AND course_id = $2 AND status = 'paid'
)`, userID, courseID).Scan(&exists)
	if err != nil {
		return false, mapErr(err, "check purchase")
	}
	return exists, nil
}

// GetPurchase returns the purchase with the given id.
func (s *Store) GetPurchase(ctx context.Context, id int64) (*models.Purchase, error) {
	row := s.exec(ctx).QueryRowContext(ctx, `SELECT`+purchaseColumns+`
FROM purchases
WHERE id = $1`, id)
	p, err := scanPurchase(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("purchase %d", id))
	}
	return p, nil
}

// LockPurchase reads the purchase with FOR UPDATE. It must run inside WithinTx.
func (s *Store) LockPurchase(ctx context.Context, id int64) (*models.Purchase, error) {
	if _, ok := txFromContext(ctx); !ok {
		return nil, fmt.Errorf("store: lock purchase %d outside transaction", id)
	}
	row := s.exec(ctx).QueryRowContext(ctx, `SELECT`+purchaseColumns+`
FROM purchases
WHERE id = $1
FOR UPDATE`, id)
	p, err := scanPurchase(row)
	if err != nil {
		return nil, mapErr(err, fmt.Sprintf("purchase %d", id))
	}
	return p, nil
}

// UpdatePurchase writes the mutable columns of p.
func (s *Store) UpdatePurchase(ctx context.Context, p *models.Purchase) error {
	_, err := s.exec(ctx).ExecContext(ctx, `
UPDATE purchases
SET status = $2,
    provider = $3,
    provider_order_id = $4,
    paid_at = $5,
    updated_at = now()
WHERE id = $1`, p.ID, p.Status, p.Provider, p.ProviderOrderID, p.PaidAt)
	return mapErr(err, fmt.Sprintf("update purchase %d", p.ID))
}
