// Package main is the command line front end of the live data client.
//
//	livedata watch OG~AAPL OG~MSFT --config configs/config.yaml
//	livedata snapshot OG~AAPL --timeout 5s
//
// LIVEDATA_URL and LIVEDATA_USER override the transport URL and user from the config file.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("❌ Command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "livedata",
		Short:        "Live market data subscription client",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml",
		"Path to YAML configuration file")

	rootCmd.AddCommand(
		buildWatchCmd(&configPath),
		buildSnapshotCmd(&configPath),
	)
	return rootCmd
}
