package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

type recorded struct {
	method    string
	path      string
	requestID string
	auth      string
	body      map[string]any
}

type fakePayPal struct {
	t        *testing.T
	mu       sync.Mutex
	calls    []recorded
	tokens   int
	handlers map[string]http.HandlerFunc
}

func newFakePayPal(t *testing.T) (*fakePayPal, *httptest.Server) {
	f := &fakePayPal{t: t, handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePayPal) on(pattern string, h http.HandlerFunc) {
	f.handlers[pattern] = h
}

func (f *fakePayPal) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/oauth2/token" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.tokens++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
		return
	}

	rec := recorded{
		method:    r.Method,
		path:      r.URL.Path,
		requestID: r.Header.Get("PayPal-Request-Id"),
		auth:      r.Header.Get("Authorization"),
	}
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.body)
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, rec)
	f.mu.Unlock()

	h, ok := f.handlers[r.Method+" "+r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"name":"RESOURCE_NOT_FOUND","message":"not found","debug_id":"dbg"}`)
		return
	}
	h(w, r)
}

func (f *fakePayPal) lastCall() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.calls)
	return f.calls[len(f.calls)-1]
}

func jsonReply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, webhookID string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		ClientID:         "client",
		ClientSecret:     "secret",
		BaseURL:          srv.URL + "/",
		WebhookID:        webhookID,
		Timeout:          2 * time.Second,
		HTTPClient:       srv.Client(),
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{ClientID: "client"})
	require.Error(t, err)
}

func TestCreateSubscription(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.on("POST /v1/billing/subscriptions", jsonReply(http.StatusCreated, `{
		"id": "I-BW452GLLEP1G",
		"status": "APPROVAL_PENDING",
		"links": [
			{"href": "https://www.sandbox.paypal.com/webapps/billing/subscriptions?ba_token=BA-1", "rel": "approve"},
			{"href": "https://api-m.sandbox.paypal.com/v1/billing/subscriptions/I-BW452GLLEP1G", "rel": "self"}
		]
	}`))
	c := newTestClient(t, srv, "")

	out, err := c.CreateSubscription(context.Background(), subscription.CreateProviderSubscription{
		PlanID:        "P-MONTHLY",
		CorrelationID: "5f1d3c1e-8f0c-4c55-9d43-0c7c2a1b7e11",
		ReturnURL:     "https://app.example.com/return",
		CancelURL:     "https://app.example.com/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "I-BW452GLLEP1G", out.ID)
	assert.Contains(t, out.ApprovalURL, "ba_token=BA-1")

	call := f.lastCall()
	assert.Equal(t, "Bearer tok-1", call.auth)
	assert.Equal(t, "5f1d3c1e-8f0c-4c55-9d43-0c7c2a1b7e11", call.requestID)
	assert.Equal(t, "P-MONTHLY", call.body["plan_id"])
	assert.Equal(t, "5f1d3c1e-8f0c-4c55-9d43-0c7c2a1b7e11", call.body["custom_id"])
}

func TestGetSubscription(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.on("GET /v1/billing/subscriptions/I-1", jsonReply(http.StatusOK, `{
		"id": "I-1",
		"status": "ACTIVE",
		"custom_id": "corr-1",
		"billing_info": {"next_billing_time": "2025-02-10T12:00:00Z"}
	}`))
	c := newTestClient(t, srv, "")

	sub, err := c.GetSubscription(context.Background(), "I-1")
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.Equal(t, "corr-1", sub.CustomID)
	require.NotNil(t, sub.NextBillingTime)
	assert.True(t, sub.NextBillingTime.Equal(time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)))
}

func TestCancelSubscriptionTreatsAlreadyCancelledAsSuccess(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.on("POST /v1/billing/subscriptions/I-1/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	f.on("POST /v1/billing/subscriptions/I-2/cancel", jsonReply(http.StatusUnprocessableEntity, `{
		"name": "UNPROCESSABLE_ENTITY",
		"details": [{"issue": "SUBSCRIPTION_STATUS_INVALID"}]
	}`))
	c := newTestClient(t, srv, "")

	require.NoError(t, c.CancelSubscription(context.Background(), "I-1", ""))
	assert.Equal(t, "Cancelled by subscriber", f.lastCall().body["reason"])
	assert.NotEmpty(t, f.lastCall().requestID)

	require.NoError(t, c.CancelSubscription(context.Background(), "I-2", "user request"))
}

func TestClientErrorIsNotRetryable(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.on("POST /v1/billing/subscriptions/I-1/activate", jsonReply(http.StatusBadRequest, `{"name":"INVALID_REQUEST","message":"bad","debug_id":"abc"}`))
	c := newTestClient(t, srv, "")

	err := c.ResumeSubscription(context.Background(), "I-1", "")
	require.Error(t, err)
	assert.False(t, subscription.IsRetryable(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "INVALID_REQUEST", apiErr.Name)
	assert.Equal(t, "abc", apiErr.DebugID)
}

func TestServerErrorsAreRetryableAndTripBreaker(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.on("POST /v1/billing/subscriptions/I-1/cancel", jsonReply(http.StatusServiceUnavailable, `{"name":"SERVICE_UNAVAILABLE"}`))
	c := newTestClient(t, srv, "")

	for i := 0; i < 2; i++ {
		err := c.CancelSubscription(context.Background(), "I-1", "")
		require.Error(t, err)
		assert.True(t, subscription.IsRetryable(err))
	}

	f.mu.Lock()
	before := len(f.calls)
	f.mu.Unlock()

	err := c.CancelSubscription(context.Background(), "I-1", "")
	require.Error(t, err)
	assert.True(t, subscription.IsRetryable(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")

	f.mu.Lock()
	assert.Equal(t, before, len(f.calls))
	f.mu.Unlock()
}

func TestCaptureOrder(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.on("POST /v2/checkout/orders/O-1/capture", jsonReply(http.StatusCreated, `{
		"id": "O-1",
		"status": "COMPLETED",
		"purchase_units": [{"payments": {"captures": [{"id": "CAP-9", "status": "COMPLETED"}]}}]
	}`))
	f.on("POST /v2/checkout/orders/O-2/capture", jsonReply(http.StatusCreated, `{
		"id": "O-2",
		"status": "COMPLETED",
		"purchase_units": [{"payments": {"captures": [{"id": "CAP-10", "status": "PENDING"}]}}]
	}`))
	c := newTestClient(t, srv, "")

	out, err := c.CaptureOrder(context.Background(), "O-1")
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, "CAP-9", out.CaptureID)
	assert.Equal(t, "capture-O-1", f.lastCall().requestID)

	pending, err := c.CaptureOrder(context.Background(), "O-2")
	require.NoError(t, err)
	assert.False(t, pending.Completed)
}

func TestListPlansFollowsPagesAndReadsRegularCycle(t *testing.T) {
	f, srv := newFakePayPal(t)
	f.on("GET /v1/billing/plans", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			jsonReply(http.StatusOK, `{"plans":[{"id":"P-MONTHLY"}],"total_pages":2}`)(w, r)
		default:
			jsonReply(http.StatusOK, `{"plans":[{"id":"P-ANNUAL"}],"total_pages":2}`)(w, r)
		}
	})
	f.on("GET /v1/billing/plans/P-MONTHLY", jsonReply(http.StatusOK, `{
		"id": "P-MONTHLY", "name": "Monthly", "status": "ACTIVE",
		"billing_cycles": [
			{"tenure_type": "TRIAL", "frequency": {"interval_unit": "WEEK", "interval_count": 1},
			 "pricing_scheme": {"fixed_price": {"value": "0", "currency_code": "USD"}}},
			{"tenure_type": "REGULAR", "frequency": {"interval_unit": "MONTH", "interval_count": 1},
			 "pricing_scheme": {"fixed_price": {"value": "15.5", "currency_code": "USD"}}}
		]
	}`))
	f.on("GET /v1/billing/plans/P-ANNUAL", jsonReply(http.StatusOK, `{
		"id": "P-ANNUAL", "name": "Annual", "status": "INACTIVE",
		"billing_cycles": [
			{"tenure_type": "REGULAR", "frequency": {"interval_unit": "YEAR", "interval_count": 1},
			 "pricing_scheme": {"fixed_price": {"value": "150.00", "currency_code": "USD"}}}
		]
	}`))
	c := newTestClient(t, srv, "")

	plans, err := c.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)

	assert.Equal(t, subscription.ProviderPlan{
		ID: "P-MONTHLY", Name: "Monthly", Active: true,
		PriceCents: 1550, Currency: "USD", Interval: "month", IntervalCount: 1,
	}, plans[0])
	assert.False(t, plans[1].Active)
	assert.Equal(t, 15000, plans[1].PriceCents)
	assert.Equal(t, "year", plans[1].Interval)
}

func TestParseCents(t *testing.T) {
	cases := map[string]int{"": 0, "0": 0, "15": 1500, "15.5": 1550, "15.05": 1505, "150.00": 15000}
	for in, want := range cases {
		got, err := parseCents(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseCents("1.005")
	require.Error(t, err)
	_, err = parseCents("abc")
	require.Error(t, err)
}

func TestVerifyWebhookSignature(t *testing.T) {
	f, srv := newFakePayPal(t)
	status := "SUCCESS"
	f.on("POST /v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		jsonReply(http.StatusOK, `{"verification_status":"`+status+`"}`)(w, r)
	})
	c := newTestClient(t, srv, "WH-1")

	header := http.Header{}
	header.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	header.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
	body := []byte(`{"id":"WH-EVT-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED"}`)

	require.NoError(t, c.VerifyWebhookSignature(context.Background(), header, body))
	call := f.lastCall()
	assert.Equal(t, "WH-1", call.body["webhook_id"])
	assert.Equal(t, "tx-1", call.body["transmission_id"])
	event, ok := call.body["webhook_event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "WH-EVT-1", event["id"])

	status = "FAILURE"
	err := c.VerifyWebhookSignature(context.Background(), header, body)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	f.mu.Lock()
	calls := len(f.calls)
	f.mu.Unlock()
	unverified := newTestClient(t, srv, "")
	err = unverified.VerifyWebhookSignature(context.Background(), http.Header{}, body)
	assert.ErrorIs(t, err, ErrWebhookNotConfigured)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.calls, calls, "no verification request without a webhook id")
}

func TestParseEvent(t *testing.T) {
	ev, res, err := ParseEvent([]byte(`{
		"id": "WH-2",
		"event_type": "PAYMENT.SALE.COMPLETED",
		"create_time": "2025-01-10T12:00:00Z",
		"resource": {"id": "SALE-1", "billing_agreement_id": "I-77", "custom_id": "corr"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "PAYMENT.SALE.COMPLETED", ev.EventType)
	assert.Equal(t, "I-77", res.SubscriptionRef())
	assert.Nil(t, res.NextBillingTime())

	_, _, err = ParseEvent([]byte(`{"event_type":"X"}`))
	require.Error(t, err)

	_, _, err = ParseEvent([]byte(strings.Repeat("{", 3)))
	require.Error(t, err)
}
