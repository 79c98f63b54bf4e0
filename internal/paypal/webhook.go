package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Event is a PayPal webhook notification.
type Event struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	CreateTime   time.Time       `json:"create_time"`
	Resource     json.RawMessage `json:"resource"`
}

// EventResource holds the resource fields the reconciler reads. Subscription
// events carry the subscription id in ID; sale events carry it in
// BillingAgreementID.
type EventResource struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	CustomID           string     `json:"custom_id"`
	BillingAgreementID string     `json:"billing_agreement_id"`
	StatusUpdateTime   *time.Time `json:"status_update_time"`
	BillingInfo        *struct {
		NextBillingTime *time.Time `json:"next_billing_time"`
	} `json:"billing_info"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (*Event, *EventResource, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, nil, fmt.Errorf("paypal: decode event: %w", err)
	}
	if ev.ID == "" || ev.EventType == "" {
		return nil, nil, errors.New("paypal: event id and type are required")
	}
	var res EventResource
	if len(ev.Resource) > 0 {
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return nil, nil, fmt.Errorf("paypal: decode event %s resource: %w", ev.ID, err)
		}
	}
	return &ev, &res, nil
}

// SubscriptionRef returns the provider subscription id the resource refers to.
func (r *EventResource) SubscriptionRef() string {
	if r.BillingAgreementID != "" {
		return r.BillingAgreementID
	}
	return r.ID
}

// NextBillingTime returns the next billing time when the resource reports one.
func (r *EventResource) NextBillingTime() *time.Time {
	if r.BillingInfo == nil {
		return nil
	}
	return r.BillingInfo.NextBillingTime
}

var (
	// ErrSignatureInvalid is returned when PayPal rejects a webhook signature.
	ErrSignatureInvalid = errors.New("paypal: webhook signature verification failed")
	// ErrWebhookNotConfigured is returned when no webhook id is configured to verify against.
	ErrWebhookNotConfigured = fmt.Errorf("%w: no webhook id configured", ErrSignatureInvalid)
)

// VerifyWebhookSignature asks PayPal to verify the transmission headers of a
// webhook delivery against the configured webhook id. Without a webhook id
// every delivery is rejected.
func (c *Client) VerifyWebhookSignature(ctx context.Context, header http.Header, body []byte) error {
	if c.webhookID == "" {
		return ErrWebhookNotConfigured
	}
	req := map[string]any{
		"auth_algo":         header.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          header.Get("PAYPAL-CERT-URL"),
		"transmission_id":   header.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  header.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": header.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        c.webhookID,
		"webhook_event":     json.RawMessage(body),
	}
	var res struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", req, &res, ""); err != nil {
		return providerErr("verify_webhook_signature", err)
	}
	if res.VerificationStatus != "SUCCESS" {
		return ErrSignatureInvalid
	}
	return nil
}
