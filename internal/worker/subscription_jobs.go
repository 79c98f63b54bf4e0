package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// Lifecycle is the slice of the subscription manager the background jobs drive.
type Lifecycle interface {
	ExpireSubscriptions(ctx context.Context) (subscription.ExpirySummary, error)
	ExpireStaleCheckouts(ctx context.Context) (int, error)
	RetryProviderSync(ctx context.Context, subscriptionID int64, operation string) error
	SyncPlans(ctx context.Context) (subscription.PlanSyncSummary, error)
}

// RegisterSubscriptionJobs registers the sweep, provider retry and plan sync handlers.
func RegisterSubscriptionJobs(w *Worker, lc Lifecycle) {
	w.RegisterHandler(models.JobTypeExpirySweep, expirySweepHandler(lc))
	w.RegisterHandler(models.JobTypePendingSweep, pendingSweepHandler(lc))
	w.RegisterHandler(models.JobTypeProviderCancelRetry, providerRetryHandler(lc, subscription.ProviderOpCancel))
	w.RegisterHandler(models.JobTypeProviderResumeRetry, providerRetryHandler(lc, subscription.ProviderOpResume))
	w.RegisterHandler(models.JobTypePlanSync, planSyncHandler(lc))
}

func expirySweepHandler(lc Lifecycle) Handler {
	return func(ctx context.Context, job *models.Job) error {
		summary, err := lc.ExpireSubscriptions(ctx)
		log.Info().
			Int64("job_id", job.ID).
			Int("examined", summary.Examined).
			Int("expired", summary.Expired).
			Int("skipped", summary.Skipped).
			Int("failed", summary.Failed).
			Msg("expiry sweep job done")
		return err
	}
}

func pendingSweepHandler(lc Lifecycle) Handler {
	return func(ctx context.Context, job *models.Job) error {
		n, err := lc.ExpireStaleCheckouts(ctx)
		if n > 0 {
			log.Info().Int64("job_id", job.ID).Int("expired", n).Msg("abandoned checkouts expired")
		}
		return err
	}
}

func providerRetryHandler(lc Lifecycle, operation string) Handler {
	return func(ctx context.Context, job *models.Job) error {
		subscriptionID, err := job.Payload.Int64("subscription_id")
		if err != nil {
			return Permanent(err)
		}
		if op := job.Payload.String("operation"); op != "" && op != operation {
			return Permanent(fmt.Errorf("job %d carries operation %q, handler expects %q", job.ID, op, operation))
		}

		err = lc.RetryProviderSync(ctx, subscriptionID, operation)
		if errors.Is(err, subscription.ErrNotFound) {
			return Permanent(err)
		}
		return err
	}
}

func planSyncHandler(lc Lifecycle) Handler {
	return func(ctx context.Context, job *models.Job) error {
		summary, err := lc.SyncPlans(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Int64("job_id", job.ID).
			Int("updated", summary.Updated).
			Int("deactivated", summary.Deactivated).
			Strs("unknown", summary.Unknown).
			Msg("plan sync job done")
		return nil
	}
}
