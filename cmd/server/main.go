// Package main provides the CLI entry point for the relaychat server.
//
// # Basic Usage
//
// Start the server:
//
//	relaychat serve --config relaychat.yaml --seed fixtures.yaml
//
// Issue a token for a user:
//
//	relaychat token --user alice --ttl 24h
//
// Apply the SQL schema:
//
//	relaychat migrate --driver sqlite --dsn file:relaychat.db
//
// Environment variables such as SERVER_PORT, JWT_SECRET, STORE_DRIVER,
// STORE_DSN and REDIS_ADDR override the configuration file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relaychat",
		Short:        "relaychat - realtime messaging fan-out and presence server",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relaychat %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
