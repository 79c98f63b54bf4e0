package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coursehub-billing/internal/config"
	"github.com/PortNumber53/coursehub-billing/internal/handlers"
	"github.com/PortNumber53/coursehub-billing/internal/middleware"
	"github.com/PortNumber53/coursehub-billing/internal/worker"
)

// Deps are the collaborators the HTTP layer routes to. Webhooks, Verifier,
// Jobs and Worker are optional. The webhook route needs both Webhooks and Verifier.
type Deps struct {
	Auth          *middleware.Authenticator
	DB            handlers.Pinger
	Subscriptions handlers.Subscriptions
	Admin         handlers.SubscriptionAdmin
	Purchases     handlers.Purchases
	Access        handlers.AccessEvaluator
	Enrollments   handlers.EnrollmentLister
	Plans         handlers.PlanLister
	Reports       handlers.BillingReports
	Webhooks      handlers.EventHandler
	Verifier      handlers.SignatureVerifier
	Jobs          handlers.JobStore
	Worker        *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and collaborators.
func New(cfg config.Config, d Deps) *Server {
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestTracker())
	router.Use(chimw.Recoverer)

	router.Get("/healthz", handlers.Health)
	if d.DB != nil {
		router.Get("/readyz", handlers.Ready(d.DB))
	}
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/api/plans", handlers.ListPlans(d.Plans))

	if d.Webhooks != nil && d.Verifier != nil {
		router.Post("/api/webhooks/paypal", handlers.PayPalWebhook(d.Verifier, d.Webhooks))
	}

	router.Group(func(r chi.Router) {
		r.Use(d.Auth.Middleware())

		r.Post("/api/subscriptions/checkout", handlers.Checkout(d.Subscriptions, cfg.AppBaseURL))
		r.Get("/api/subscriptions/paypal/return", handlers.CheckoutReturn(d.Subscriptions))
		r.Get("/api/subscriptions/current", handlers.CurrentSubscription(d.Subscriptions))
		r.Get("/api/subscriptions", handlers.ListSubscriptions(d.Subscriptions))
		r.Post("/api/subscriptions/{id}/cancel", handlers.CancelSubscription(d.Subscriptions))
		r.Post("/api/subscriptions/{id}/reactivate", handlers.ReactivateSubscription(d.Subscriptions))

		r.Get("/api/courses/{id}/access", handlers.CourseAccess(d.Access))
		r.Get("/api/enrollments", handlers.ListEnrollments(d.Enrollments))
		r.Post("/api/purchases/{id}/complete", handlers.CompletePurchase(d.Purchases))

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Post("/subscriptions/expire", handlers.ExpireSubscriptions(d.Admin))
			r.Get("/subscriptions/transitions", handlers.Transitions(d.Admin))
			r.Get("/subscriptions/stats", handlers.SubscriptionStats(d.Reports))
			r.Get("/subscriptions/{id}", handlers.SubscriptionDetail(d.Admin, d.Reports))
			r.Post("/subscriptions/{id}/activate", handlers.ActivateSubscription(d.Admin))
			r.Post("/plans/sync", handlers.SyncPlans(d.Admin))
			r.Post("/purchases/{id}/refund", handlers.RefundPurchase(d.Purchases))
			r.Get("/webhooks", handlers.WebhookEvents(d.Reports))

			if d.Jobs != nil {
				var stats handlers.WorkerStats
				if d.Worker != nil {
					stats = d.Worker
				}
				handlers.NewJobHandler(d.Jobs, stats).RegisterRoutes(r)
			}
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: d.Worker}
}

// Start starts the worker and serves HTTP traffic until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		log.Info().Str("worker_id", s.worker.ID()).Msg("starting job worker")
		s.worker.Start(ctx)
	}
	log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		log.Info().Msg("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Error().Err(werr).Msg("worker shutdown")
			err = errors.Join(err, werr)
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
