package reconcile

import (
	"github.com/PortNumber53/coursehub-billing/internal/paypal"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// PayPalEvents maps PayPal webhook event types to local subscription statuses.
// Event types not listed are logged and acknowledged.
var PayPalEvents = map[string]subscription.Status{
	"BILLING.SUBSCRIPTION.ACTIVATED":      subscription.StatusActive,
	"BILLING.SUBSCRIPTION.RE-ACTIVATED":   subscription.StatusActive,
	"PAYMENT.SALE.COMPLETED":              subscription.StatusActive,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": subscription.StatusPastDue,
	"BILLING.SUBSCRIPTION.SUSPENDED":      subscription.StatusPastDue,
	"BILLING.SUBSCRIPTION.CANCELLED":      subscription.StatusCancelled,
	"BILLING.SUBSCRIPTION.EXPIRED":        subscription.StatusExpired,
}

// FromPayPal converts a decoded PayPal notification. Amount and plan fields of
// the resource are never read.
func FromPayPal(ev *paypal.Event, res *paypal.EventResource, raw []byte) Event {
	out := Event{
		ID:            ev.ID,
		Type:          ev.EventType,
		ProviderRef:   res.SubscriptionRef(),
		CorrelationID: res.CustomID,
		PeriodEnd:     res.NextBillingTime(),
		Payload:       raw,
	}
	switch {
	case res.StatusUpdateTime != nil:
		out.OccurredAt = res.StatusUpdateTime
	case !ev.CreateTime.IsZero():
		t := ev.CreateTime
		out.OccurredAt = &t
	}
	return out
}
