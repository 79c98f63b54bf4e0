package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/coursehub-billing/internal/middleware"
	"github.com/PortNumber53/coursehub-billing/internal/models"
	"github.com/PortNumber53/coursehub-billing/internal/store"
)

var (
	userNameFlag  string
	userAdminFlag bool
	tokenTTLFlag  time.Duration
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage platform users",
}

var userUpsertCmd = &cobra.Command{
	Use:   "upsert <email>",
	Short: "Create or update a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		st, err := store.New(db)
		if err != nil {
			return err
		}
		u := &models.User{Email: args[0], Role: models.RoleUser}
		if userNameFlag != "" {
			u.Name = &userNameFlag
		}
		if userAdminFlag {
			u.Role = models.RoleAdmin
		}
		if err := st.UpsertUser(ctx, u); err != nil {
			return err
		}
		return printJSON(cmd, u)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user_id>",
	Short: "Issue a bearer token for a user (development)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id: %s", args[0])
		}
		st, err := store.New(db)
		if err != nil {
			return err
		}
		u, err := st.GetUser(ctx, id)
		if err != nil {
			return err
		}
		auth, err := middleware.NewAuthenticator(cfg.JWTSecret, "")
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(u.ID, u.Role, tokenTTLFlag)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	userUpsertCmd.Flags().StringVar(&userNameFlag, "name", "", "display name")
	userUpsertCmd.Flags().BoolVar(&userAdminFlag, "admin", false, "grant the admin role")
	tokenCmd.Flags().DurationVar(&tokenTTLFlag, "ttl", 24*time.Hour, "token lifetime")

	userCmd.AddCommand(userUpsertCmd)
	rootCmd.AddCommand(userCmd, tokenCmd)
}
