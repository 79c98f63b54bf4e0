package paypal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type subscriptionResource struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CustomID    string `json:"custom_id"`
	PlanID      string `json:"plan_id"`
	Links       []link `json:"links"`
	BillingInfo *struct {
		NextBillingTime *time.Time `json:"next_billing_time"`
	} `json:"billing_info"`
}

// CreateSubscription starts a subscription that waits for buyer approval. The
// correlation id is sent as custom_id and as the idempotency key.
func (c *Client) CreateSubscription(ctx context.Context, req subscription.CreateProviderSubscription) (*subscription.ProviderCheckout, error) {
	body := map[string]any{
		"plan_id":   req.PlanID,
		"custom_id": req.CorrelationID,
		"application_context": map[string]any{
			"return_url":          req.ReturnURL,
			"cancel_url":          req.CancelURL,
			"user_action":         "SUBSCRIBE_NOW",
			"shipping_preference": "NO_SHIPPING",
		},
	}

	var res subscriptionResource
	if err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions", body, &res, req.CorrelationID); err != nil {
		return nil, providerErr("create_subscription", err)
	}
	if res.ID == "" {
		return nil, errors.New("paypal: create subscription: missing id in response")
	}

	out := &subscription.ProviderCheckout{ID: res.ID}
	for _, l := range res.Links {
		if l.Rel == "approve" {
			out.ApprovalURL = l.Href
			break
		}
	}
	log.Info().Str("provider_ref", res.ID).Str("plan_id", req.PlanID).Msg("paypal subscription created")
	return out, nil
}

// CancelSubscription cancels the provider subscription. Cancelling one that is
// already cancelled is treated as success.
func (c *Client) CancelSubscription(ctx context.Context, providerRef, reason string) error {
	err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+url.PathEscape(providerRef)+"/cancel",
		map[string]string{"reason": reasonOrDefault(reason, "Cancelled by subscriber")}, nil, "")
	if isUnprocessable(err, "SUBSCRIPTION_STATUS_INVALID") {
		return nil
	}
	return providerErr("cancel_subscription", err)
}

// ResumeSubscription reactivates a suspended or cancelled provider subscription.
func (c *Client) ResumeSubscription(ctx context.Context, providerRef, reason string) error {
	err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+url.PathEscape(providerRef)+"/activate",
		map[string]string{"reason": reasonOrDefault(reason, "Reactivated by subscriber")}, nil, "")
	return providerErr("resume_subscription", err)
}

// GetSubscription fetches the provider's view of a subscription.
func (c *Client) GetSubscription(ctx context.Context, providerRef string) (*subscription.ProviderSubscription, error) {
	var res subscriptionResource
	if err := c.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(providerRef), nil, &res, ""); err != nil {
		return nil, providerErr("get_subscription", err)
	}
	out := &subscription.ProviderSubscription{
		ID:       res.ID,
		Status:   res.Status,
		CustomID: res.CustomID,
		Active:   res.Status == "ACTIVE",
	}
	if res.BillingInfo != nil {
		out.NextBillingTime = res.BillingInfo.NextBillingTime
	}
	return out, nil
}

// CaptureOrder captures an approved one-off order.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*subscription.ProviderCapture, error) {
	var res struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{}, &res, "capture-"+orderID); err != nil {
		return nil, providerErr("capture_order", err)
	}

	out := &subscription.ProviderCapture{
		OrderID:   res.ID,
		Status:    res.Status,
		Completed: res.Status == "COMPLETED",
	}
	for _, unit := range res.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			out.CaptureID = capture.ID
			if capture.Status != "COMPLETED" {
				out.Completed = false
			}
		}
	}
	return out, nil
}

type planResource struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	BillingCycles []struct {
		TenureType string `json:"tenure_type"`
		Frequency  struct {
			IntervalUnit  string `json:"interval_unit"`
			IntervalCount int    `json:"interval_count"`
		} `json:"frequency"`
		PricingScheme struct {
			FixedPrice struct {
				Value        string `json:"value"`
				CurrencyCode string `json:"currency_code"`
			} `json:"fixed_price"`
		} `json:"pricing_scheme"`
	} `json:"billing_cycles"`
}

const planPageSize = 20

// ListPlans returns every plan in the catalog with its regular billing cycle.
func (c *Client) ListPlans(ctx context.Context) ([]subscription.ProviderPlan, error) {
	var ids []string
	for page := 1; ; page++ {
		var res struct {
			Plans      []planResource `json:"plans"`
			TotalPages int            `json:"total_pages"`
		}
		path := fmt.Sprintf("/v1/billing/plans?page_size=%d&page=%d&total_required=true", planPageSize, page)
		if err := c.do(ctx, http.MethodGet, path, nil, &res, ""); err != nil {
			return nil, providerErr("list_plans", err)
		}
		for _, p := range res.Plans {
			ids = append(ids, p.ID)
		}
		if page >= res.TotalPages || len(res.Plans) == 0 {
			break
		}
	}

	plans := make([]subscription.ProviderPlan, 0, len(ids))
	for _, id := range ids {
		var res planResource
		if err := c.do(ctx, http.MethodGet, "/v1/billing/plans/"+url.PathEscape(id), nil, &res, ""); err != nil {
			return nil, providerErr("get_plan", err)
		}
		plan, err := toProviderPlan(res)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func toProviderPlan(res planResource) (subscription.ProviderPlan, error) {
	plan := subscription.ProviderPlan{
		ID:     res.ID,
		Name:   res.Name,
		Active: res.Status == "ACTIVE",
	}
	for _, cycle := range res.BillingCycles {
		if cycle.TenureType != "REGULAR" {
			continue
		}
		cents, err := parseCents(cycle.PricingScheme.FixedPrice.Value)
		if err != nil {
			return plan, fmt.Errorf("paypal: plan %s price: %w", res.ID, err)
		}
		plan.PriceCents = cents
		plan.Currency = cycle.PricingScheme.FixedPrice.CurrencyCode
		plan.Interval = strings.ToLower(cycle.Frequency.IntervalUnit)
		plan.IntervalCount = cycle.Frequency.IntervalCount
		break
	}
	return plan, nil
}

// parseCents converts a decimal amount such as "15.00" to minor units.
func parseCents(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", value)
	}
	frac += strings.Repeat("0", 2-len(frac))
	w, err := strconv.Atoi(whole)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", value, err)
	}
	f, err := strconv.Atoi(frac)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", value, err)
	}
	return w*100 + f, nil
}

func reasonOrDefault(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

func isUnprocessable(err error, issue string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity && apiErr.HasIssue(issue)
}
