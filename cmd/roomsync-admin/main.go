package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"roomsync/internal/config"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "roomsync-admin",
		Short: "Maintenance tools for a local roomsync database",
		Long: `roomsync-admin prepares and serves the data of the local backend:
it seeds users and a group room, and serves uploaded files over HTTP.`,
		SilenceUsage: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringP("config", "c", "", "YAML config file (default is $ROOMSYNC_CONFIG)")

	root.AddCommand(newSeedCmd(), newServeFilesCmd())
	return root
}

// loadConfig applies the --config flag before reading the usual sources.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := os.Setenv("ROOMSYNC_CONFIG", path); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
