package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/relaychat/internal/store"
)

func buildMigrateCmd() *cobra.Command {
	var driver, dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the SQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if driver == "" {
				driver = cfg.Store.Driver
			}
			if dsn == "" {
				dsn = cfg.Store.DSN
			}
			if driver == store.DriverMemory {
				fmt.Fprintln(cmd.OutOrStdout(), "memory store has no schema; nothing to do")
				return nil
			}

			db, err := store.OpenSQL(cmd.Context(), driver, dsn)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", driver)
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "sqlite or postgres (defaults to the configured store driver)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Data source name (defaults to the configured store dsn)")
	return cmd
}
