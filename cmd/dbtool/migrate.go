package main

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/coursehub-billing/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Info().Msg("applying migrations")
		if err := migrations.Up(db); err != nil {
			return err
		}
		log.Info().Msg("migrations applied successfully")
		return nil
	},
}

var migrateFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Clear the dirty flag left by a failed migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.FixDirtyDatabase(db); err != nil {
			return err
		}
		log.Info().Msg("database fixed successfully")
		return nil
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Record a schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		return migrations.ForceVersion(db, uint(v))
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := migrations.CurrentStatus(db)
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	},
}

func init() {
	migrateCmd.AddCommand(migrateFixCmd, migrateForceCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
