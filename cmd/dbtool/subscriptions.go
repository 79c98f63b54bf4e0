package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/paypal"
	"github.com/PortNumber53/coursehub-billing/internal/store"
	"github.com/PortNumber53/coursehub-billing/internal/subscription"
)

// newManager builds the lifecycle manager the same way the server does, minus
// the retry queue: provider failures from the CLI are only logged.
func newManager() (*subscription.Manager, *store.Store, error) {
	st, err := store.New(db)
	if err != nil {
		return nil, nil, err
	}
	var provider subscription.PaymentProvider
	if cfg.PayPalEnabled() {
		client, err := paypal.NewClient(paypal.Config{
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			BaseURL:      cfg.PayPalBaseURL,
			WebhookID:    cfg.PayPalWebhookID,
			Timeout:      cfg.ProviderTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		provider = client
	}
	m := subscription.NewManager(st, provider,
		subscription.WithTable(configuredTable()),
		subscription.WithProviderTimeout(cfg.ProviderTimeout),
		subscription.WithPendingTTL(cfg.PendingCheckoutTTL),
	)
	return m, st, nil
}

func configuredTable() *subscription.Table {
	return subscription.NewTable(subscription.TableOptions{AllowExpiredReactivation: cfg.AllowExpiredReactivation})
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire subscriptions whose term has ended and stale pending checkouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		m, _, err := newManager()
		if err != nil {
			return err
		}

		summary, sweepErr := m.ExpireSubscriptions(ctx)
		stale, staleErr := m.ExpireStaleCheckouts(ctx)
		if err := printJSON(cmd, map[string]any{"subscriptions": summary, "stale_checkouts": stale}); err != nil {
			return err
		}
		return errors.Join(sweepErr, staleErr)
	},
}

var syncPlansCmd = &cobra.Command{
	Use:   "sync-plans",
	Short: "Refresh linked plans from PayPal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		m, _, err := newManager()
		if err != nil {
			return err
		}
		summary, err := m.SyncPlans(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, summary)
	},
}

var linkPlanCmd = &cobra.Command{
	Use:   "link-plan <plan_type> <paypal_plan_id>",
	Short: "Link a catalog plan to a PayPal plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		st, err := store.New(db)
		if err != nil {
			return err
		}
		if err := st.LinkProviderPlan(ctx, models.PlanType(args[0]), args[1]); err != nil {
			return err
		}
		log.Info().Str("plan_type", args[0]).Str("provider_plan_id", args[1]).Msg("plan linked")
		return nil
	},
}

var transitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "Print the configured subscription state machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		table := configuredTable()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FROM\tALLOWED")
		for _, from := range models.SubscriptionStatuses {
			fmt.Fprintf(w, "%s\t%v\n", from, table.AllowedTransitions(from))
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count subscriptions per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		st, err := store.New(db)
		if err != nil {
			return err
		}
		counts, err := st.CountByStatus(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, counts)
	},
}

func init() {
	rootCmd.AddCommand(expireCmd, syncPlansCmd, linkPlanCmd, transitionsCmd, statsCmd)
}
