package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// Subscriptions is the part of the lifecycle manager the subscriber API uses.
type Subscriptions interface {
	StartCheckout(ctx context.Context, userID int64, planType models.PlanType, returnURL, cancelURL string) (*subscription.CheckoutSession, error)
	ConfirmCheckout(ctx context.Context, userID int64, providerRef string) (*models.Subscription, error)
	CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error)
	ListUserSubscriptions(ctx context.Context, userID int64) ([]models.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID, userID int64) (*models.Subscription, error)
	ReactivateSubscription(ctx context.Context, subscriptionID, userID int64) (*models.Subscription, error)
}

type checkoutRequest struct {
	PlanType  models.PlanType `json:"plan_type"`
	ReturnURL string          `json:"return_url,omitempty"`
	CancelURL string          `json:"cancel_url,omitempty"`
}

// Checkout starts a subscription checkout and returns the provider approval URL.
// Return and cancel URLs default to pages under appBaseURL.
func Checkout(subs Subscriptions, appBaseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		var req checkoutRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.PlanType == "" {
			badRequest(w, "plan_type is required")
			return
		}
		if req.ReturnURL == "" {
			req.ReturnURL = appBaseURL + "/api/subscriptions/paypal/return"
		}
		if req.CancelURL == "" {
			req.CancelURL = appBaseURL + "/billing?checkout=cancelled"
		}

		session, err := subs.StartCheckout(r.Context(), p.UserID, req.PlanType, req.ReturnURL, req.CancelURL)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	}
}

// CheckoutReturn handles the buyer coming back from PayPal. PayPal appends
// the subscription id as ?subscription_id=.
func CheckoutReturn(subs Subscriptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		ref := r.URL.Query().Get("subscription_id")
		if ref == "" {
			badRequest(w, "subscription_id is required")
			return
		}

		sub, err := subs.ConfirmCheckout(r.Context(), p.UserID, ref)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

// CurrentSubscription returns the caller's active or past_due subscription,
// or {"subscription": null} when there is none.
func CurrentSubscription(subs Subscriptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		sub, err := subs.CurrentSubscription(r.Context(), p.UserID)
		if err != nil && !errors.Is(err, subscription.ErrNotFound) {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
	}
}

// ListSubscriptions returns every subscription of the caller, newest first.
func ListSubscriptions(subs Subscriptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		list, err := subs.ListUserSubscriptions(r.Context(), p.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []models.Subscription{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": list})
	}
}

// CancelSubscription cancels the caller's subscription at term end.
func CancelSubscription(subs Subscriptions) http.HandlerFunc {
	return ownedAction(subs.CancelSubscription)
}

// ReactivateSubscription undoes a cancellation before the term ends.
func ReactivateSubscription(subs Subscriptions) http.HandlerFunc {
	return ownedAction(subs.ReactivateSubscription)
}

func ownedAction(fn func(ctx context.Context, subscriptionID, userID int64) (*models.Subscription, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		sub, err := fn(r.Context(), id, p.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}
