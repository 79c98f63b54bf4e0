package handlers

import (
	"context"
	"net/http"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/store"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// SubscriptionAdmin is the part of the lifecycle manager operators drive.
type SubscriptionAdmin interface {
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	ActivateSubscription(ctx context.Context, subscriptionID int64, providerRef string) (*models.Subscription, error)
	ExpireSubscriptions(ctx context.Context) (subscription.ExpirySummary, error)
	SyncPlans(ctx context.Context) (subscription.PlanSyncSummary, error)
	Table() *subscription.Table
}

// BillingReports reads the audit tables operators inspect.
type BillingReports interface {
	ListProviderSync(ctx context.Context, subscriptionID int64, limit int) ([]models.ProviderSyncOutcome, error)
	ListWebhookEvents(ctx context.Context, status models.WebhookEventStatus, limit int) ([]models.WebhookEvent, error)
	CountByStatus(ctx context.Context) ([]store.StatusCount, error)
}

// ExpireSubscriptions runs the expiry sweep synchronously. A partial failure
// still returns the summary alongside the error.
func ExpireSubscriptions(admin SubscriptionAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := admin.ExpireSubscriptions(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"summary": summary,
				"error":   err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

type activateRequest struct {
	ProviderRef string `json:"provider_ref"`
}

// ActivateSubscription force-activates a subscription, e.g. after a payment
// confirmed outside the webhook path.
func ActivateSubscription(admin SubscriptionAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req activateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		sub, err := admin.ActivateSubscription(r.Context(), id, req.ProviderRef)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

// SubscriptionDetail returns a subscription with its provider sync history.
func SubscriptionDetail(admin SubscriptionAdmin, reports BillingReports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		sub, err := admin.GetSubscription(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		syncLog, err := reports.ListProviderSync(r.Context(), id, queryLimit(r, 20, 100))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if syncLog == nil {
			syncLog = []models.ProviderSyncOutcome{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subscription":  sub,
			"provider_sync": syncLog,
		})
	}
}

type transitionRow struct {
	From    models.SubscriptionStatus   `json:"from"`
	Allowed []models.SubscriptionStatus `json:"allowed"`
}

// Transitions prints the configured state machine.
func Transitions(admin SubscriptionAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		table := admin.Table()
		rows := make([]transitionRow, 0, len(models.SubscriptionStatuses))
		for _, from := range models.SubscriptionStatuses {
			rows = append(rows, transitionRow{From: from, Allowed: table.AllowedTransitions(from)})
		}
		writeJSON(w, http.StatusOK, map[string]any{"transitions": rows})
	}
}

// SyncPlans refreshes the plan catalog from PayPal.
func SyncPlans(admin SubscriptionAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := admin.SyncPlans(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// WebhookEvents lists recent webhook deliveries, filtered by ?status=.
func WebhookEvents(reports BillingReports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := models.WebhookEventStatus(r.URL.Query().Get("status"))
		events, err := reports.ListWebhookEvents(r.Context(), status, queryLimit(r, 50, 100))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if events == nil {
			events = []models.WebhookEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// SubscriptionStats returns subscription counts per status.
func SubscriptionStats(reports BillingReports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := reports.CountByStatus(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if counts == nil {
			counts = []store.StatusCount{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"statuses": counts})
	}
}
