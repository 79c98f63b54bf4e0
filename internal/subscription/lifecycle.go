package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/metrics"
	"github.com/PortNumber53/coursehub-billing/internal/models"
)

const (
	defaultProviderTimeout = 10 * time.Second
	defaultPendingTTL      = 24 * time.Hour
)

// Option configures a Manager.
type Option func(*Manager)

// WithTable replaces the default transition table.
func WithTable(t *Table) Option {
	return func(m *Manager) { m.table = t }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithProviderTimeout bounds every best-effort provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.providerTimeout = d
		}
	}
}

// WithPendingTTL sets how long a checkout may stay pending before the sweep expires it.
func WithPendingTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pendingTTL = d
		}
	}
}

// WithRetryScheduler queues failed provider calls for another attempt.
func WithRetryScheduler(r RetryScheduler) Option {
	return func(m *Manager) { m.retries = r }
}

// Manager owns every subscription status change and the enrollment side
// effects that go with it. Each operation runs its local writes in a single
// transaction; provider calls happen outside of it.
type Manager struct {
	repo            Repository
	provider        PaymentProvider
	retries         RetryScheduler
	table           *Table
	now             func() time.Time
	providerTimeout time.Duration
	pendingTTL      time.Duration
}

// NewManager builds a Manager. provider may be nil for offline tooling; the
// operations that need it then fail.
func NewManager(repo Repository, provider PaymentProvider, opts ...Option) *Manager {
	m := &Manager{
		repo:            repo,
		provider:        provider,
		table:           defaultTable,
		now:             time.Now,
		providerTimeout: defaultProviderTimeout,
		pendingTTL:      defaultPendingTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Table returns the transition table the manager enforces.
func (m *Manager) Table() *Table {
	return m.table
}

// ProviderName is the provider recorded on new subscriptions.
func (m *Manager) ProviderName() string {
	if m.provider == nil {
		return "manual"
	}
	return m.provider.Name()
}

// GetSubscription loads a subscription by id.
func (m *Manager) GetSubscription(ctx context.Context, id int64) (*models.Subscription, error) {
	return m.repo.GetSubscription(ctx, id)
}

// CurrentSubscription returns the user's active or past_due subscription.
func (m *Manager) CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	return m.repo.FindCurrentByUser(ctx, userID)
}

// ListUserSubscriptions returns the user's subscriptions, newest first.
func (m *Manager) ListUserSubscriptions(ctx context.Context, userID int64) ([]models.Subscription, error) {
	return m.repo.ListUserSubscriptions(ctx, userID)
}

// CreateSubscription records a new subscription for userID. Without a provider
// reference it starts pending; with one the caller has confirmed payment and
// the subscription is activated in the same transaction. Abandoned pending
// checkouts of the same user are expired first.
func (m *Manager) CreateSubscription(ctx context.Context, userID int64, planType models.PlanType, provider string, providerRef *string) (*models.Subscription, error) {
	var created *models.Subscription
	err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := m.repo.GetUser(ctx, userID); err != nil {
			return fmt.Errorf("load user %d: %w", userID, err)
		}
		plan, err := m.repo.GetPlan(ctx, planType)
		if err != nil {
			return fmt.Errorf("load plan %s: %w", planType, err)
		}
		if !plan.IsActive {
			return conflict("plan %s is not available", planType)
		}
		if err := m.repo.LockUser(ctx, userID); err != nil {
			return fmt.Errorf("lock user %d: %w", userID, err)
		}

		cur, err := m.repo.FindCurrentByUser(ctx, userID)
		switch {
		case err == nil:
			return conflict("user %d already has %s subscription %d", userID, cur.Status, cur.ID)
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("find current subscription: %w", err)
		}

		if err := m.expireAbandonedCheckouts(ctx, userID); err != nil {
			return err
		}

		now := m.now()
		sub := &models.Subscription{
			UserID:        userID,
			PlanType:      planType,
			Status:        StatusPending,
			Provider:      provider,
			CorrelationID: uuid.NewString(),
			StartDate:     now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.repo.CreateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		log.Info().
			Int64("subscription_id", sub.ID).
			Int64("user_id", userID).
			Str("plan_type", string(planType)).
			Msg("subscription created")

		if providerRef != nil && *providerRef != "" {
			if _, err := m.applyTransition(ctx, sub, change{to: StatusActive, reason: "created_confirmed", providerRef: *providerRef}); err != nil {
				return err
			}
		}
		created = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ActivateSubscription moves a subscription to active and enrolls the user in
// every course the plan covers. providerRef is recorded when the row has none.
// Activating an active subscription re-runs enrollment without duplicating rows.
func (m *Manager) ActivateSubscription(ctx context.Context, subscriptionID int64, providerRef string) (*models.Subscription, error) {
	return m.lockAndApply(ctx, subscriptionID, change{to: StatusActive, reason: "activated", providerRef: providerRef})
}

// CancelSubscription cancels the owner's subscription at the end of the paid
// term. Access is kept until the expiry sweep runs. The provider is told
// afterwards on a best-effort basis; its failure never fails the cancellation.
func (m *Manager) CancelSubscription(ctx context.Context, subscriptionID, userID int64) (*models.Subscription, error) {
	var (
		sub     *models.Subscription
		applied transitionResult
	)
	err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = m.repo.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return forbidden("subscription %d does not belong to user %d", subscriptionID, userID)
		}
		applied, err = m.applyTransition(ctx, sub, change{to: StatusCancelled, reason: "user_cancelled"})
		return err
	})
	if err != nil {
		return nil, err
	}

	if applied.changed && sub.HasProviderRef() {
		m.syncProvider(ctx, sub, ProviderOpCancel, true)
	}
	return sub, nil
}

// ReactivateSubscription undoes a cancellation while the paid term is still running.
func (m *Manager) ReactivateSubscription(ctx context.Context, subscriptionID, userID int64) (*models.Subscription, error) {
	var (
		sub     *models.Subscription
		applied transitionResult
	)
	err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = m.repo.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return forbidden("subscription %d does not belong to user %d", subscriptionID, userID)
		}

		now := m.now()
		switch sub.Status {
		case StatusActive:
			return nil
		case StatusCancelled:
		case StatusExpired:
			return &ExpiredError{SubscriptionID: sub.ID, EndDate: endDateOr(sub, sub.UpdatedAt)}
		default:
			return conflict("subscription %d is %s and cannot be reactivated", sub.ID, sub.Status)
		}
		if sub.EndDate == nil || sub.TermEnded(now) {
			return &ExpiredError{SubscriptionID: sub.ID, EndDate: endDateOr(sub, now)}
		}

		applied, err = m.applyTransition(ctx, sub, change{to: StatusActive, reason: "user_reactivated"})
		return err
	})
	if err != nil {
		return nil, err
	}

	if applied.changed && sub.HasProviderRef() {
		m.syncProvider(ctx, sub, ProviderOpResume, true)
	}
	return sub, nil
}

// ExpirySummary reports what an expiry sweep did.
type ExpirySummary struct {
	Examined            int `json:"examined"`
	Expired             int `json:"expired"`
	Skipped             int `json:"skipped"`
	Failed              int `json:"failed"`
	EnrollmentsRevoked  int `json:"enrollments_revoked"`
	EnrollmentsRetained int `json:"enrollments_retained"`
}

// ExpireSubscriptions expires every subscription whose end date has passed and
// revokes the enrollments nothing else justifies. Each subscription is handled
// in its own transaction so one failure does not block the rest; failures are
// joined into the returned error.
func (m *Manager) ExpireSubscriptions(ctx context.Context) (ExpirySummary, error) {
	now := m.now()
	due, err := m.repo.ListExpirable(ctx, now)
	if err != nil {
		return ExpirySummary{}, fmt.Errorf("list expirable subscriptions: %w", err)
	}

	var (
		summary ExpirySummary
		errs    []error
	)
	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary.Examined++

		var (
			res     transitionResult
			skipped bool
		)
		err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
			sub, err := m.repo.LockSubscription(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if sub.Status == StatusExpired || sub.Status == StatusPending || !sub.TermEnded(now) {
				skipped = true
				return nil
			}
			res, err = m.applyTransition(ctx, sub, change{to: StatusExpired, reason: "term_ended"})
			return err
		})

		switch {
		case err != nil:
			summary.Failed++
			errs = append(errs, fmt.Errorf("expire subscription %d: %w", candidate.ID, err))
			metrics.ExpirySweeps.WithLabelValues("failed").Inc()
			log.Error().Err(err).Int64("subscription_id", candidate.ID).Msg("expiry failed")
		case skipped:
			summary.Skipped++
			metrics.ExpirySweeps.WithLabelValues("skipped").Inc()
		default:
			summary.Expired++
			summary.EnrollmentsRevoked += res.revoked
			summary.EnrollmentsRetained += res.reassigned
			metrics.ExpirySweeps.WithLabelValues("expired").Inc()
		}
	}

	log.Info().
		Int("examined", summary.Examined).
		Int("expired", summary.Expired).
		Int("failed", summary.Failed).
		Int("revoked", summary.EnrollmentsRevoked).
		Msg("expiry sweep finished")
	return summary, errors.Join(errs...)
}

// ExpireStaleCheckouts expires pending subscriptions older than the pending TTL.
func (m *Manager) ExpireStaleCheckouts(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.pendingTTL)
	stale, err := m.repo.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale checkouts: %w", err)
	}

	expired := 0
	var errs []error
	for _, candidate := range stale {
		err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
			sub, err := m.repo.LockSubscription(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if sub.Status != StatusPending {
				return nil
			}
			if _, err := m.applyTransition(ctx, sub, change{to: StatusExpired, reason: "checkout_abandoned"}); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire checkout %d: %w", candidate.ID, err))
		}
	}
	return expired, errors.Join(errs...)
}

// EnrollUserInAllCourses grants every course covered by the user's current
// subscription. Courses the user is already enrolled in are left alone.
func (m *Manager) EnrollUserInAllCourses(ctx context.Context, userID, subscriptionID int64) (int, error) {
	granted := 0
	err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := m.repo.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return forbidden("subscription %d does not belong to user %d", subscriptionID, userID)
		}
		if !sub.Status.IsCurrent() {
			return conflict("subscription %d is %s", sub.ID, sub.Status)
		}
		granted, err = m.enrollSubscription(ctx, sub)
		return err
	})
	return granted, err
}

// ProviderEvent is a status change reported by the payment provider.
type ProviderEvent struct {
	Target      Status
	Reason      string
	ProviderRef string
	OccurredAt  *time.Time
	// PeriodEnd is the provider's next billing time, when known.
	PeriodEnd *time.Time
}

// ApplyProviderEvent applies a provider-reported status to a subscription. It
// returns ErrStaleEvent when the event predates the last one applied. A
// reported cancellation whose paid term is already over, or that arrives while
// past due, expires the subscription instead.
func (m *Manager) ApplyProviderEvent(ctx context.Context, subscriptionID int64, ev ProviderEvent) (*models.Subscription, error) {
	var sub *models.Subscription
	err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = m.repo.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if ev.OccurredAt != nil && sub.LastEventAt != nil && ev.OccurredAt.Before(*sub.LastEventAt) {
			return ErrStaleEvent
		}

		c := change{
			to:          ev.Target,
			reason:      ev.Reason,
			providerRef: ev.ProviderRef,
			eventAt:     ev.OccurredAt,
			termEnd:     ev.PeriodEnd,
		}
		if c.to == StatusCancelled {
			c, err = m.resolveUpstreamCancel(ctx, sub, c)
			if err != nil {
				return err
			}
		}
		_, err = m.applyTransition(ctx, sub, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (m *Manager) resolveUpstreamCancel(ctx context.Context, sub *models.Subscription, c change) (change, error) {
	if sub.Status == StatusExpired || !m.table.CanTransition(sub.Status, StatusCancelled) {
		c.to = StatusExpired
		c.termEnd = nil
		return c, nil
	}
	if sub.Status == StatusPending {
		return c, nil
	}
	end := c.termEnd
	if sub.Status == StatusCancelled && sub.EndDate != nil {
		end = sub.EndDate
	}
	if end == nil || !end.After(m.now()) {
		computed, err := m.termEnd(ctx, sub)
		if err != nil {
			return c, err
		}
		end = &computed
	}
	if !end.After(m.now()) {
		c.to = StatusExpired
		c.termEnd = nil
		return c, nil
	}
	c.termEnd = end
	return c, nil
}

// ResolveProviderSubscription finds the subscription a provider event refers
// to, by provider reference first and by the checkout correlation id second.
func (m *Manager) ResolveProviderSubscription(ctx context.Context, provider, providerRef, correlationID string) (*models.Subscription, error) {
	if providerRef != "" {
		sub, err := m.repo.FindByProviderRef(ctx, provider, providerRef)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if correlationID == "" {
		return nil, notFound("subscription for provider ref %q", providerRef)
	}
	sub, err := m.repo.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if sub.HasProviderRef() && providerRef != "" && sub.ProviderRefValue() != providerRef {
		return nil, conflict("subscription %d is bound to provider ref %s, event carries %s", sub.ID, sub.ProviderRefValue(), providerRef)
	}
	return sub, nil
}

// RetryProviderSync repeats a best-effort provider call that failed earlier.
// It is a no-op when the subscription has since moved to a state that makes
// the call pointless.
func (m *Manager) RetryProviderSync(ctx context.Context, subscriptionID int64, operation string) error {
	sub, err := m.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !sub.HasProviderRef() {
		return nil
	}

	stillWanted := false
	switch operation {
	case ProviderOpCancel:
		stillWanted = sub.Status == StatusCancelled || sub.Status == StatusExpired
	case ProviderOpResume:
		stillWanted = sub.Status == StatusActive
	default:
		return fmt.Errorf("unknown provider operation %q", operation)
	}
	if !stillWanted {
		m.recordSync(ctx, sub, operation, models.ProviderSyncSkipped, nil)
		return nil
	}
	return m.syncProvider(ctx, sub, operation, false)
}

type change struct {
	to          Status
	reason      string
	providerRef string
	eventAt     *time.Time
	// termEnd is the end date for cancelled and the current period end for active.
	termEnd *time.Time
}

type transitionResult struct {
	changed    bool
	granted    int
	revoked    int
	reassigned int
}

func (m *Manager) lockAndApply(ctx context.Context, subscriptionID int64, c change) (*models.Subscription, error) {
	var sub *models.Subscription
	err := m.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = m.repo.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		_, err = m.applyTransition(ctx, sub, c)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// applyTransition is the single path through which a status is written. The
// caller must hold the row lock inside a transaction.
func (m *Manager) applyTransition(ctx context.Context, sub *models.Subscription, c change) (transitionResult, error) {
	from := sub.Status
	if err := m.table.AssertTransition(from, c.to); err != nil {
		metrics.RejectedTransitions.WithLabelValues(string(from), string(c.to)).Inc()
		log.Warn().
			Int64("subscription_id", sub.ID).
			Str("from", string(from)).
			Str("to", string(c.to)).
			Str("reason", c.reason).
			Msg("rejected subscription transition")
		return transitionResult{}, err
	}

	now := m.now()
	if c.to.IsCurrent() && !from.IsCurrent() {
		cur, err := m.repo.FindCurrentByUser(ctx, sub.UserID)
		switch {
		case err == nil && cur.ID != sub.ID:
			return transitionResult{}, conflict("user %d already has %s subscription %d", sub.UserID, cur.Status, cur.ID)
		case err != nil && !errors.Is(err, ErrNotFound):
			return transitionResult{}, fmt.Errorf("find current subscription: %w", err)
		}
	}

	if c.providerRef != "" && !sub.HasProviderRef() {
		ref := c.providerRef
		sub.ProviderRef = &ref
	}
	if c.eventAt != nil {
		at := *c.eventAt
		sub.LastEventAt = &at
	}

	switch c.to {
	case StatusActive:
		if !sub.HasProviderRef() {
			return transitionResult{}, conflict("subscription %d has no provider reference", sub.ID)
		}
		if from == StatusPending || from == StatusExpired {
			sub.StartDate = now
		}
		sub.EndDate = nil
		switch {
		case c.termEnd != nil && c.termEnd.After(now):
			end := *c.termEnd
			sub.CurrentPeriodEnd = &end
		case sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.After(now):
			plan, err := m.repo.GetPlan(ctx, sub.PlanType)
			if err != nil {
				return transitionResult{}, fmt.Errorf("load plan %s: %w", sub.PlanType, err)
			}
			end := plan.TermEnd(sub.StartDate, now)
			sub.CurrentPeriodEnd = &end
		}
	case StatusCancelled:
		end := c.termEnd
		if end == nil {
			computed, err := m.termEnd(ctx, sub)
			if err != nil {
				return transitionResult{}, err
			}
			end = &computed
		}
		// a repeated cancel may shorten the term but never extend it
		if from == StatusCancelled && sub.EndDate != nil && end.After(*sub.EndDate) {
			end = sub.EndDate
		}
		sub.EndDate = end
	case StatusExpired:
		if sub.EndDate == nil || sub.EndDate.After(now) {
			sub.EndDate = &now
		}
	}

	sub.Status = c.to
	sub.UpdatedAt = now
	if err := m.repo.UpdateSubscription(ctx, sub); err != nil {
		return transitionResult{}, fmt.Errorf("update subscription %d: %w", sub.ID, err)
	}

	res := transitionResult{changed: from != c.to}
	switch {
	case c.to == StatusActive:
		n, err := m.enrollSubscription(ctx, sub)
		if err != nil {
			return transitionResult{}, err
		}
		res.granted = n
	case c.to == StatusExpired && from != StatusExpired:
		revoked, reassigned, err := m.revokeSubscriptionEnrollments(ctx, sub)
		if err != nil {
			return transitionResult{}, err
		}
		res.revoked, res.reassigned = revoked, reassigned
	}

	metrics.SubscriptionTransitions.WithLabelValues(string(from), string(c.to)).Inc()
	log.Info().
		Int64("subscription_id", sub.ID).
		Int64("user_id", sub.UserID).
		Str("from", string(from)).
		Str("to", string(c.to)).
		Str("reason", c.reason).
		Int("enrollments_granted", res.granted).
		Int("enrollments_revoked", res.revoked).
		Msg("subscription transition")
	return res, nil
}

// termEnd resolves the end of the paid term: a future end date, then a future
// period end, then the plan interval counted from the start date. Pending
// subscriptions never paid, so their term ends now. A cancelled subscription
// keeps the end date fixed when it was cancelled, even once it has passed.
func (m *Manager) termEnd(ctx context.Context, sub *models.Subscription) (time.Time, error) {
	now := m.now()
	if sub.Status == StatusPending {
		return now, nil
	}
	if sub.Status == StatusCancelled && sub.EndDate != nil {
		return *sub.EndDate, nil
	}
	if sub.EndDate != nil && sub.EndDate.After(now) {
		return *sub.EndDate, nil
	}
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
		return *sub.CurrentPeriodEnd, nil
	}
	plan, err := m.repo.GetPlan(ctx, sub.PlanType)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return now, nil
		}
		return time.Time{}, fmt.Errorf("load plan %s: %w", sub.PlanType, err)
	}
	return plan.TermEnd(sub.StartDate, now), nil
}

func (m *Manager) expireAbandonedCheckouts(ctx context.Context, userID int64) error {
	pending, err := m.repo.ListUserSubscriptions(ctx, userID, StatusPending)
	if err != nil {
		return fmt.Errorf("list pending subscriptions: %w", err)
	}
	for i := range pending {
		sub := &pending[i]
		if _, err := m.applyTransition(ctx, sub, change{to: StatusExpired, reason: "checkout_superseded"}); err != nil {
			return err
		}
	}
	return nil
}

func endDateOr(sub *models.Subscription, fallback time.Time) time.Time {
	if sub.EndDate != nil {
		return *sub.EndDate
	}
	return fallback
}
