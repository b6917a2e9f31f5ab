package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cobra-ai/credits/internal/app"
	"github.com/cobra-ai/credits/internal/config"
	"github.com/cobra-ai/credits/internal/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "creditctl",
	Short: "Operate the credit ledger",
	Long: `creditctl runs ledger maintenance jobs, inspects balances and
registered credit types, and mints access tokens for local testing.
It reads the same environment (.env) as the API and the worker.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := "warn"
		if verbose {
			level = "debug"
		}
		return logger.Init(logger.Config{Level: level, Environment: "development"})
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withApp builds the ledger wiring for a single command run
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, config.Load())
	if err != nil {
		return fmt.Errorf("initialise ledger: %w", err)
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		log.Debug().Err(err).Str("command", cmd.CommandPath()).Msg("Command failed")
		return err
	}
	return nil
}
