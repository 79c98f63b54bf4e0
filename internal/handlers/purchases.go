package handlers

import (
	"context"
	"net/http"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// Purchases completes and refunds standalone course purchases.
type Purchases interface {
	CompletePurchase(ctx context.Context, purchaseID, userID int64, orderID string) (*models.Purchase, error)
	RefundPurchase(ctx context.Context, purchaseID int64) (*models.Purchase, error)
}

type completePurchaseRequest struct {
	OrderID string `json:"order_id"`
}

// CompletePurchase captures the PayPal order behind the caller's purchase and
// enrolls them in the course.
func CompletePurchase(purchases Purchases) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req completePurchaseRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.OrderID == "" {
			badRequest(w, "order_id is required")
			return
		}

		purchase, err := purchases.CompletePurchase(r.Context(), id, p.UserID, req.OrderID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, purchase)
	}
}

// RefundPurchase marks a purchase refunded and releases its enrollment. Admin only.
func RefundPurchase(purchases Purchases) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		purchase, err := purchases.RefundPurchase(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, purchase)
	}
}
