package subscription

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// PlanSyncSummary reports what SyncPlans changed.
type PlanSyncSummary struct {
	Updated     int      `json:"updated"`
	Deactivated int      `json:"deactivated"`
	Unchanged   int      `json:"unchanged"`
	Unlinked    int      `json:"unlinked"`
	Unknown     []string `json:"unknown_provider_plans,omitempty"`
}

// SyncPlans refreshes price, interval and availability of linked catalog rows
// from the provider's plan list. Local plans whose provider plan disappeared
// are deactivated; provider plans with no local row are reported only.
func (m *Manager) SyncPlans(ctx context.Context) (PlanSyncSummary, error) {
	if m.provider == nil {
		return PlanSyncSummary{}, ErrNoProvider
	}
	remote, err := m.provider.ListPlans(ctx)
	if err != nil {
		if IsRetryable(err) {
			return PlanSyncSummary{}, err
		}
		return PlanSyncSummary{}, &RetryableProviderError{Op: "list_plans", Err: err}
	}
	byID := make(map[string]ProviderPlan, len(remote))
	for _, p := range remote {
		byID[p.ID] = p
	}

	local, err := m.repo.ListPlans(ctx)
	if err != nil {
		return PlanSyncSummary{}, fmt.Errorf("list plans: %w", err)
	}

	var summary PlanSyncSummary
	linked := make(map[string]struct{}, len(local))
	for i := range local {
		plan := &local[i]
		if plan.ProviderPlanID == nil || *plan.ProviderPlanID == "" {
			summary.Unlinked++
			continue
		}
		linked[*plan.ProviderPlanID] = struct{}{}

		rp, ok := byID[*plan.ProviderPlanID]
		if !ok {
			if !plan.IsActive {
				summary.Unchanged++
				continue
			}
			plan.IsActive = false
			if err := m.repo.UpdatePlan(ctx, plan); err != nil {
				return summary, fmt.Errorf("deactivate plan %s: %w", plan.PlanType, err)
			}
			summary.Deactivated++
			log.Warn().Str("plan_type", string(plan.PlanType)).Str("provider_plan_id", *plan.ProviderPlanID).Msg("provider plan missing; plan deactivated")
			continue
		}

		changed := false
		if rp.Name != "" && rp.Name != plan.Name {
			plan.Name, changed = rp.Name, true
		}
		if rp.PriceCents > 0 && rp.PriceCents != plan.PriceCents {
			plan.PriceCents, changed = rp.PriceCents, true
		}
		if cur := strings.ToUpper(rp.Currency); cur != "" && cur != plan.Currency {
			plan.Currency, changed = cur, true
		}
		if iv := strings.ToLower(rp.Interval); iv != "" && iv != plan.BillingInterval {
			plan.BillingInterval, changed = iv, true
		}
		if rp.IntervalCount > 0 && rp.IntervalCount != plan.IntervalCount {
			plan.IntervalCount, changed = rp.IntervalCount, true
		}
		if rp.Active != plan.IsActive {
			plan.IsActive, changed = rp.Active, true
		}
		if !changed {
			summary.Unchanged++
			continue
		}
		if err := m.repo.UpdatePlan(ctx, plan); err != nil {
			return summary, fmt.Errorf("update plan %s: %w", plan.PlanType, err)
		}
		summary.Updated++
	}

	for _, p := range remote {
		if _, ok := linked[p.ID]; !ok {
			summary.Unknown = append(summary.Unknown, p.ID)
		}
	}

	log.Info().
		Int("updated", summary.Updated).
		Int("deactivated", summary.Deactivated).
		Int("unknown", len(summary.Unknown)).
		Msg("plan sync finished")
	return summary, nil
}
