package main

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/coursehub-billing/internal/config"
	"github.com/PortNumber53/coursehub-billing/internal/httpserver"
	"github.com/PortNumber53/coursehub-billing/internal/logging"
	"github.com/PortNumber53/coursehub-billing/internal/middleware"
	"github.com/PortNumber53/coursehub-billing/internal/migrations"
	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/paypal"
	"github.com/PortNumber53/coursehub-billing/internal/reconcile"
	"github.com/PortNumber53/coursehub-billing/internal/store"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
	"github.com/PortNumber53/coursehub-billing/internal/worker"
)

const (
	scheduledJobAttempts = 3
	jobRetention         = 7 * 24 * time.Hour
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. Missing files are ignored.
	for _, f := range []string{"../.env", "../.dev.vars", ".env"} {
		_ = godotenv.Load(f)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.RequireServer(); err != nil {
		log.Fatal().Err(err).Msg("invalid server configuration")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	jobs, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	var (
		provider subscription.PaymentProvider
		payments *paypal.Client
	)
	if cfg.PayPalEnabled() {
		payments, err = paypal.NewClient(paypal.Config{
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			BaseURL:      cfg.PayPalBaseURL,
			WebhookID:    cfg.PayPalWebhookID,
			Timeout:      cfg.ProviderTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create paypal client")
		}
		provider = payments
		if !cfg.PayPalWebhooksEnabled() {
			log.Warn().Msg("PAYPAL_WEBHOOK_ID not set; webhook endpoint disabled")
		}
	} else {
		log.Warn().Msg("PayPal not configured; checkout and provider sync are disabled")
	}

	manager := subscription.NewManager(st, provider,
		subscription.WithTable(subscription.NewTable(subscription.TableOptions{
			AllowExpiredReactivation: cfg.AllowExpiredReactivation,
		})),
		subscription.WithProviderTimeout(cfg.ProviderTimeout),
		subscription.WithPendingTTL(cfg.PendingCheckoutTTL),
		subscription.WithRetryScheduler(jobs),
	)
	evaluator := subscription.NewEvaluator(st, st, st)

	auth, err := middleware.NewAuthenticator(cfg.JWTSecret, "")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create authenticator")
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.WorkerConcurrency
	jobWorker := worker.New(workerCfg, jobs, nil)
	jobWorker.SetInstrumentation(worker.MetricsInstrumentation())
	worker.RegisterSubscriptionJobs(jobWorker, manager)

	scheduler := worker.NewScheduler(jobs)
	mustSchedule(scheduler.Every(cfg.ExpirySweepSchedule, models.JobTypeExpirySweep, scheduledJobAttempts))
	mustSchedule(scheduler.Every("@hourly", models.JobTypePendingSweep, scheduledJobAttempts))
	if cfg.PayPalEnabled() {
		mustSchedule(scheduler.Every("@every 6h", models.JobTypePlanSync, scheduledJobAttempts))
	}
	mustSchedule(scheduler.Func("@daily", "job_cleanup", func(ctx context.Context) error {
		removed, err := jobs.CleanupOldJobs(ctx, jobRetention)
		if err == nil && removed > 0 {
			log.Info().Int64("removed", removed).Msg("old jobs cleaned up")
		}
		return err
	}))

	deps := httpserver.Deps{
		Auth:          auth,
		DB:            st,
		Subscriptions: manager,
		Admin:         manager,
		Purchases:     manager,
		Access:        evaluator,
		Enrollments:   st,
		Plans:         st,
		Reports:       st,
		Jobs:          jobs,
		Worker:        jobWorker,
	}
	if payments != nil && cfg.PayPalWebhooksEnabled() {
		deps.Webhooks = reconcile.New(paypal.ProviderName, st, manager, reconcile.WithMaxAttempts(cfg.WebhookMaxAttempts))
		deps.Verifier = payments
	}
	srv := httpserver.New(cfg, deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start()
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), workerCfg.ShutdownTimeout)
		defer cancel()

		scheduler.Stop(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
	log.Info().Msg("server stopped")
}

func mustSchedule(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("invalid schedule")
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	err := migrations.Up(db)
	if err == nil || !errors.Is(err, migrations.ErrDirty) {
		return err
	}
	log.Warn().Str("db", name).Msg("dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Error().Err(fixErr).Str("db", name).Msg("failed to fix dirty database")
		return err
	}
	return migrations.Up(db)
}

func logDBTarget(name, dsn string) {
	// Only hostname and database name; the DSN carries credentials.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("database configured (dsn not parseable)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database configured")
}
