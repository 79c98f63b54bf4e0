package subscription

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/PortNumber53/coursehub-billing/internal/models"
)

// memStore is an in-memory Repository. WithinTx snapshots every table and
// restores it when fn fails, which is enough to observe rollback behaviour.
type memStore struct {
	users       map[int64]models.User
	plans       map[models.PlanType]models.SubscriptionPlan
	planCourses map[models.PlanType][]int64
	subs        map[int64]models.Subscription
	enrollments map[int64]models.Enrollment
	purchases   map[int64]models.Purchase
	syncLog     []models.ProviderSyncOutcome
	nextID      int64

	failGrant  error
	failUpdate error
	txDepth    int
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[int64]models.User{},
		plans:       map[models.PlanType]models.SubscriptionPlan{},
		planCourses: map[models.PlanType][]int64{},
		subs:        map[int64]models.Subscription{},
		enrollments: map[int64]models.Enrollment{},
		purchases:   map[int64]models.Purchase{},
		nextID:      100,
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

type memSnapshot struct {
	plans       map[models.PlanType]models.SubscriptionPlan
	subs        map[int64]models.Subscription
	enrollments map[int64]models.Enrollment
	purchases   map[int64]models.Purchase
	syncLog     []models.ProviderSyncOutcome
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txDepth > 0 {
		return fn(ctx)
	}
	snap := memSnapshot{
		plans:       cloneMap(s.plans),
		subs:        cloneMap(s.subs),
		enrollments: cloneMap(s.enrollments),
		purchases:   cloneMap(s.purchases),
		syncLog:     append([]models.ProviderSyncOutcome(nil), s.syncLog...),
	}
	s.txDepth++
	err := fn(ctx)
	s.txDepth--
	if err != nil {
		s.plans = snap.plans
		s.subs = snap.subs
		s.enrollments = snap.enrollments
		s.purchases = snap.purchases
		s.syncLog = snap.syncLog
	}
	return err
}

// subscriptions

func (s *memStore) checkCurrentUnique(sub *models.Subscription) error {
	if !sub.Status.IsCurrent() {
		return nil
	}
	for _, other := range s.subs {
		if other.ID != sub.ID && other.UserID == sub.UserID && other.Status.IsCurrent() {
			return &ConflictError{Message: "subscriptions_one_current_per_user"}
		}
	}
	return nil
}

func (s *memStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := s.checkCurrentUnique(sub); err != nil {
		return err
	}
	sub.ID = s.id()
	s.subs[sub.ID] = *sub
	return nil
}

func (s *memStore) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	sub, ok := s.subs[id]
	if !ok {
		return nil, notFound("subscription %d", id)
	}
	return &sub, nil
}

func (s *memStore) LockSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	return s.GetSubscription(ctx, id)
}

func (s *memStore) FindByProviderRef(ctx context.Context, provider, providerRef string) (*models.Subscription, error) {
	for _, sub := range s.subs {
		if sub.Provider == provider && sub.ProviderRefValue() == providerRef {
			return &sub, nil
		}
	}
	return nil, notFound("subscription for %s ref %s", provider, providerRef)
}

func (s *memStore) FindByCorrelationID(ctx context.Context, correlationID string) (*models.Subscription, error) {
	for _, sub := range s.subs {
		if sub.CorrelationID == correlationID {
			return &sub, nil
		}
	}
	return nil, notFound("subscription with correlation %s", correlationID)
}

func (s *memStore) FindCurrentByUser(ctx context.Context, userID int64) (*models.Subscription, error) {
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status.IsCurrent() {
			return &sub, nil
		}
	}
	return nil, notFound("current subscription for user %d", userID)
}

func (s *memStore) sortedSubs(keep func(models.Subscription) bool) []models.Subscription {
	var out []models.Subscription
	for _, sub := range s.subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (s *memStore) ListUserSubscriptions(ctx context.Context, userID int64, statuses ...models.SubscriptionStatus) ([]models.Subscription, error) {
	return s.sortedSubs(func(sub models.Subscription) bool {
		if sub.UserID != userID {
			return false
		}
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if sub.Status == st {
				return true
			}
		}
		return false
	}), nil
}

func (s *memStore) ListExpirable(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	return s.sortedSubs(func(sub models.Subscription) bool {
		switch sub.Status {
		case models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionCancelled:
			return sub.TermEnded(now)
		}
		return false
	}), nil
}

func (s *memStore) ListStalePending(ctx context.Context, cutoff time.Time) ([]models.Subscription, error) {
	return s.sortedSubs(func(sub models.Subscription) bool {
		return sub.Status == models.SubscriptionPending && sub.CreatedAt.Before(cutoff)
	}), nil
}

func (s *memStore) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	if s.failUpdate != nil {
		return s.failUpdate
	}
	if _, ok := s.subs[sub.ID]; !ok {
		return notFound("subscription %d", sub.ID)
	}
	if err := s.checkCurrentUnique(sub); err != nil {
		return err
	}
	s.subs[sub.ID] = *sub
	return nil
}

// enrollments

func (s *memStore) GrantEnrollments(ctx context.Context, userID int64, courseIDs []int64, source models.EnrollmentSource, subscriptionID *int64) (int, error) {
	if s.failGrant != nil {
		return 0, s.failGrant
	}
	n := 0
	for _, courseID := range courseIDs {
		if ok, _ := s.HasEnrollment(ctx, userID, courseID); ok {
			continue
		}
		id := s.id()
		s.enrollments[id] = models.Enrollment{ID: id, UserID: userID, CourseID: courseID, Source: source, SubscriptionID: subscriptionID}
		n++
	}
	return n, nil
}

func (s *memStore) GetEnrollment(ctx context.Context, userID, courseID int64) (*models.Enrollment, error) {
	for _, e := range s.enrollments {
		if e.UserID == userID && e.CourseID == courseID {
			return &e, nil
		}
	}
	return nil, notFound("enrollment")
}

func (s *memStore) HasEnrollment(ctx context.Context, userID, courseID int64) (bool, error) {
	_, err := s.GetEnrollment(ctx, userID, courseID)
	return err == nil, nil
}

func (s *memStore) ListSubscriptionEnrollments(ctx context.Context, subscriptionID int64) ([]models.Enrollment, error) {
	var out []models.Enrollment
	for _, e := range s.enrollments {
		if e.SubscriptionID != nil && *e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ReassignEnrollment(ctx context.Context, enrollmentID int64, source models.EnrollmentSource, subscriptionID *int64) error {
	e, ok := s.enrollments[enrollmentID]
	if !ok {
		return notFound("enrollment %d", enrollmentID)
	}
	e.Source = source
	e.SubscriptionID = subscriptionID
	s.enrollments[enrollmentID] = e
	return nil
}

func (s *memStore) DeleteEnrollment(ctx context.Context, enrollmentID int64) error {
	delete(s.enrollments, enrollmentID)
	return nil
}

func (s *memStore) userCourses(userID int64) []int64 {
	var out []int64
	for _, e := range s.enrollments {
		if e.UserID == userID {
			out = append(out, e.CourseID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// purchases

func (s *memStore) HasPaidPurchase(ctx context.Context, userID, courseID int64) (bool, error) {
	for _, p := range s.purchases {
		if p.UserID == userID && p.CourseID == courseID && p.Status == models.PurchasePaid {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) GetPurchase(ctx context.Context, id int64) (*models.Purchase, error) {
	p, ok := s.purchases[id]
	if !ok {
		return nil, notFound("purchase %d", id)
	}
	return &p, nil
}

func (s *memStore) LockPurchase(ctx context.Context, id int64) (*models.Purchase, error) {
	return s.GetPurchase(ctx, id)
}

func (s *memStore) UpdatePurchase(ctx context.Context, p *models.Purchase) error {
	s.purchases[p.ID] = *p
	return nil
}

// plans

func (s *memStore) GetPlan(ctx context.Context, planType models.PlanType) (*models.SubscriptionPlan, error) {
	p, ok := s.plans[planType]
	if !ok {
		return nil, notFound("plan %s", planType)
	}
	return &p, nil
}

func (s *memStore) ListPlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	var out []models.SubscriptionPlan
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CoveredCourseIDs(ctx context.Context, planType models.PlanType) ([]int64, error) {
	return append([]int64(nil), s.planCourses[planType]...), nil
}

func (s *memStore) UpdatePlan(ctx context.Context, plan *models.SubscriptionPlan) error {
	s.plans[plan.PlanType] = *plan
	return nil
}

// users

func (s *memStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("user %d", id)
	}
	return &u, nil
}

func (s *memStore) LockUser(ctx context.Context, id int64) error {
	_, err := s.GetUser(ctx, id)
	return err
}

func (s *memStore) RecordProviderSync(ctx context.Context, outcome *models.ProviderSyncOutcome) error {
	outcome.ID = s.id()
	s.syncLog = append(s.syncLog, *outcome)
	return nil
}

// fakeProvider is a scriptable PaymentProvider.
type fakeProvider struct {
	createErr  error
	cancelErr  error
	resumeErr  error
	getErr     error
	captureErr error
	listErr    error

	remote    map[string]*ProviderSubscription
	capture   *ProviderCapture
	plans     []ProviderPlan
	created   []CreateProviderSubscription
	cancelled []string
	resumed   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{remote: map[string]*ProviderSubscription{}}
}

func (p *fakeProvider) Name() string { return "paypal" }

func (p *fakeProvider) CreateSubscription(ctx context.Context, req CreateProviderSubscription) (*ProviderCheckout, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, req)
	id := "I-" + req.CorrelationID[:8]
	p.remote[id] = &ProviderSubscription{ID: id, Status: "APPROVAL_PENDING", CustomID: req.CorrelationID}
	return &ProviderCheckout{ID: id, ApprovalURL: "https://paypal.test/approve/" + id}, nil
}

func (p *fakeProvider) CancelSubscription(ctx context.Context, providerRef, reason string) error {
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelled = append(p.cancelled, providerRef)
	return nil
}

func (p *fakeProvider) ResumeSubscription(ctx context.Context, providerRef, reason string) error {
	if p.resumeErr != nil {
		return p.resumeErr
	}
	p.resumed = append(p.resumed, providerRef)
	return nil
}

func (p *fakeProvider) GetSubscription(ctx context.Context, providerRef string) (*ProviderSubscription, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	sub, ok := p.remote[providerRef]
	if !ok {
		return nil, errors.New("RESOURCE_NOT_FOUND")
	}
	return sub, nil
}

func (p *fakeProvider) CaptureOrder(ctx context.Context, orderID string) (*ProviderCapture, error) {
	if p.captureErr != nil {
		return nil, p.captureErr
	}
	if p.capture != nil {
		return p.capture, nil
	}
	return &ProviderCapture{OrderID: orderID, CaptureID: "CAP-" + orderID, Status: "COMPLETED", Completed: true}, nil
}

func (p *fakeProvider) ListPlans(ctx context.Context) ([]ProviderPlan, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.plans, nil
}

type recordedRetry struct {
	operation      string
	subscriptionID int64
}

type fakeRetries struct {
	scheduled []recordedRetry
}

func (r *fakeRetries) ScheduleProviderRetry(ctx context.Context, operation string, subscriptionID int64) error {
	r.scheduled = append(r.scheduled, recordedRetry{operation: operation, subscriptionID: subscriptionID})
	return nil
}

// clock is a settable time source.
type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func ptr[T any](v T) *T { return &v }
