package handlers

import (
	"context"
	"net/http"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// PlanLister reads the plan catalog.
type PlanLister interface {
	ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error)
}

// ListPlans returns the purchasable plans. Inactive rows are hidden unless
// ?all=true is passed.
func ListPlans(plans PlanLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := plans.ListPlans(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]models.SubscriptionPlan, 0, len(all))
		for _, p := range all {
			if p.IsActive || r.URL.Query().Get("all") == "true" {
				out = append(out, p)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"plans": out})
	}
}
