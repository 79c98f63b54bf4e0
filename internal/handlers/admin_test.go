package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/coursehub-billing/internal/middleware"
	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/store"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

type mockAdmin struct {
	table     *subscription.Table
	activated string
	sub       *models.Subscription
	expiry    subscription.ExpirySummary
	expiryErr error
	plans     subscription.PlanSyncSummary
	err       error
}

func (m *mockAdmin) GetSubscription(context.Context, int64) (*models.Subscription, error) {
	return m.sub, m.err
}

func (m *mockAdmin) ActivateSubscription(_ context.Context, _ int64, providerRef string) (*models.Subscription, error) {
	m.activated = providerRef
	return m.sub, m.err
}

func (m *mockAdmin) ExpireSubscriptions(context.Context) (subscription.ExpirySummary, error) {
	return m.expiry, m.expiryErr
}

func (m *mockAdmin) SyncPlans(context.Context) (subscription.PlanSyncSummary, error) {
	return m.plans, m.err
}

func (m *mockAdmin) Table() *subscription.Table { return m.table }

type mockReports struct {
	status models.WebhookEventStatus
	limit  int
}

func (m *mockReports) ListProviderSync(_ context.Context, subscriptionID int64, limit int) ([]models.ProviderSyncOutcome, error) {
	m.limit = limit
	return []models.ProviderSyncOutcome{{SubscriptionID: subscriptionID, Operation: "cancel", Outcome: models.ProviderSyncFailed}}, nil
}

func (m *mockReports) ListWebhookEvents(_ context.Context, status models.WebhookEventStatus, limit int) ([]models.WebhookEvent, error) {
	m.status, m.limit = status, limit
	return nil, nil
}

func (m *mockReports) CountByStatus(context.Context) ([]store.StatusCount, error) {
	return []store.StatusCount{{Status: subscription.StatusActive, Count: 4}}, nil
}

func operator() *middleware.Principal {
	return &middleware.Principal{UserID: 1, Role: models.RoleAdmin}
}

func TestExpireSubscriptionsReportsPartialFailure(t *testing.T) {
	a := &mockAdmin{expiry: subscription.ExpirySummary{Examined: 3, Expired: 2, Failed: 1}}

	rr := serve("/expire", http.MethodPost, ExpireSubscriptions(a), httptest.NewRequest(http.MethodPost, "/expire", nil), operator())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, decodeBody(t, rr)["expired"])

	a.expiryErr = errors.New("expire subscription 9: deadlock")
	rr = serve("/expire", http.MethodPost, ExpireSubscriptions(a), httptest.NewRequest(http.MethodPost, "/expire", nil), operator())
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeBody(t, rr)
	assert.Contains(t, body["error"], "deadlock")
	assert.EqualValues(t, 1, body["summary"].(map[string]any)["failed"])
}

func TestActivateSubscriptionPassesRef(t *testing.T) {
	a := &mockAdmin{sub: &models.Subscription{ID: 5, Status: subscription.StatusActive}}
	req := httptest.NewRequest(http.MethodPost, "/subs/5/activate", strings.NewReader(`{"provider_ref":"I-5"}`))

	rr := serve("/subs/{id}/activate", http.MethodPost, ActivateSubscription(a), req, operator())

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "I-5", a.activated)
}

func TestActivateExpiredWithoutReactivationConflicts(t *testing.T) {
	a := &mockAdmin{err: &subscription.StateTransitionError{From: subscription.StatusExpired, To: subscription.StatusActive}}

	rr := serve("/subs/{id}/activate", http.MethodPost, ActivateSubscription(a), httptest.NewRequest(http.MethodPost, "/subs/5/activate", nil), operator())

	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestTransitionsPrintsConfiguredTable(t *testing.T) {
	a := &mockAdmin{table: subscription.NewTable(subscription.TableOptions{})}

	rr := serve("/transitions", http.MethodGet, Transitions(a), httptest.NewRequest(http.MethodGet, "/transitions", nil), operator())

	require.Equal(t, http.StatusOK, rr.Code)
	rows := decodeBody(t, rr)["transitions"].([]any)
	require.Len(t, rows, len(models.SubscriptionStatuses))
	last := rows[len(rows)-1].(map[string]any)
	assert.Equal(t, "expired", last["from"])
	assert.Equal(t, []any{"expired"}, last["allowed"])
}

func TestSyncPlansWithoutProvider(t *testing.T) {
	a := &mockAdmin{err: subscription.ErrNoProvider}

	rr := serve("/plans/sync", http.MethodPost, SyncPlans(a), httptest.NewRequest(http.MethodPost, "/plans/sync", nil), operator())

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSubscriptionDetailIncludesSyncLog(t *testing.T) {
	a := &mockAdmin{sub: &models.Subscription{ID: 5}}
	reports := &mockReports{}

	rr := serve("/subs/{id}", http.MethodGet, SubscriptionDetail(a, reports), httptest.NewRequest(http.MethodGet, "/subs/5?limit=10", nil), operator())

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 10, reports.limit)
	assert.Len(t, decodeBody(t, rr)["provider_sync"], 1)

	a.err = fmt.Errorf("subscription 6: %w", subscription.ErrNotFound)
	rr = serve("/subs/{id}", http.MethodGet, SubscriptionDetail(a, reports), httptest.NewRequest(http.MethodGet, "/subs/6", nil), operator())
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookEventsFilterAndLimit(t *testing.T) {
	reports := &mockReports{}

	rr := serve("/webhooks", http.MethodGet, WebhookEvents(reports), httptest.NewRequest(http.MethodGet, "/webhooks?status=failed&limit=5000", nil), operator())

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.WebhookEventFailed, reports.status)
	assert.Equal(t, 50, reports.limit)
	assert.JSONEq(t, `{"events":[]}`, rr.Body.String())
}

func TestSubscriptionStats(t *testing.T) {
	rr := serve("/stats", http.MethodGet, SubscriptionStats(&mockReports{}), httptest.NewRequest(http.MethodGet, "/stats", nil), operator())

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"statuses":[{"status":"active","count":4}]}`, rr.Body.String())
}

type mockPurchases struct {
	lastOrder string
	refunded  int64
	err       error
}

func (m *mockPurchases) CompletePurchase(_ context.Context, purchaseID, userID int64, orderID string) (*models.Purchase, error) {
	m.lastOrder = orderID
	if m.err != nil {
		return nil, m.err
	}
	return &models.Purchase{ID: purchaseID, UserID: userID, Status: models.PurchasePaid}, nil
}

func (m *mockPurchases) RefundPurchase(_ context.Context, purchaseID int64) (*models.Purchase, error) {
	m.refunded = purchaseID
	return &models.Purchase{ID: purchaseID, Status: models.PurchaseRefunded}, m.err
}

func TestCompletePurchase(t *testing.T) {
	p := &mockPurchases{}

	req := httptest.NewRequest(http.MethodPost, "/purchases/4/complete", strings.NewReader(`{"order_id":"O-4"}`))
	rr := serve("/purchases/{id}/complete", http.MethodPost, CompletePurchase(p), req, user(7))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "O-4", p.lastOrder)

	req = httptest.NewRequest(http.MethodPost, "/purchases/4/complete", strings.NewReader(`{}`))
	rr = serve("/purchases/{id}/complete", http.MethodPost, CompletePurchase(p), req, user(7))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	p.err = &subscription.ForbiddenError{Message: "purchase 4 does not belong to user 8"}
	req = httptest.NewRequest(http.MethodPost, "/purchases/4/complete", strings.NewReader(`{"order_id":"O-4"}`))
	rr = serve("/purchases/{id}/complete", http.MethodPost, CompletePurchase(p), req, user(8))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRefundPurchase(t *testing.T) {
	p := &mockPurchases{}

	rr := serve("/purchases/{id}/refund", http.MethodPost, RefundPurchase(p), httptest.NewRequest(http.MethodPost, "/purchases/9/refund", nil), operator())

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(9), p.refunded)
	assert.Equal(t, "refunded", decodeBody(t, rr)["status"])
}

type mockEvaluator struct {
	role models.Role
}

func (m *mockEvaluator) Evaluate(_ context.Context, userID int64, role models.Role, courseID int64) (subscription.AccessDecision, error) {
	m.role = role
	if courseID == 404 {
		return subscription.AccessDecision{Allowed: false, Reason: subscription.AccessDenied}, nil
	}
	return subscription.AccessDecision{Allowed: true, Reason: subscription.AccessEnrollment}, nil
}

func TestCourseAccess(t *testing.T) {
	eval := &mockEvaluator{}

	rr := serve("/courses/{id}/access", http.MethodGet, CourseAccess(eval), httptest.NewRequest(http.MethodGet, "/courses/3/access", nil), operator())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.RoleAdmin, eval.role)
	assert.JSONEq(t, `{"course_id":3,"allowed":true,"reason":"enrollment"}`, rr.Body.String())

	rr = serve("/courses/{id}/access", http.MethodGet, CourseAccess(eval), httptest.NewRequest(http.MethodGet, "/courses/404/access", nil), user(7))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeBody(t, rr)["allowed"])
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func TestHealthAndReady(t *testing.T) {
	rr := httptest.NewRecorder()
	Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	ts, err := time.Parse(time.RFC3339Nano, decodeBody(t, rr)["timestamp"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)

	rr = httptest.NewRecorder()
	Ready(mockPinger{})(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	Ready(mockPinger{err: errors.New("dial tcp: refused")})(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

type stubPlans []models.SubscriptionPlan

func (s stubPlans) ListPlans(context.Context) ([]models.SubscriptionPlan, error) { return s, nil }

func TestListPlansHidesInactive(t *testing.T) {
	plans := stubPlans{
		{PlanType: models.PlanMonthly, IsActive: true},
		{PlanType: models.PlanAnnual, IsActive: false},
	}

	rr := httptest.NewRecorder()
	ListPlans(plans)(rr, httptest.NewRequest(http.MethodGet, "/api/plans", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody(t, rr)["plans"], 1)

	rr = httptest.NewRecorder()
	ListPlans(plans)(rr, httptest.NewRequest(http.MethodGet, "/api/plans?all=true", nil))
	assert.Len(t, decodeBody(t, rr)["plans"], 2)
}
