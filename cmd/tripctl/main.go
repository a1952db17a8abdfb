// Command tripctl runs operator actions against the checkout database:
// sweeps, the overdue transfer report, marking transfers paid and
// cancelling orders.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iliyamo/trip-checkout/internal/app"
	"github.com/iliyamo/trip-checkout/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "tripctl",
		Short:         "Operator tool for the trip checkout service",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(overdueCmd())
	rootCmd.AddCommand(markPaidCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(createOperatorCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.Load()
	log := config.NewLogger(cfg.Env, cfg.LogLevel)
	log.SetOutput(cmd.ErrOrStderr())

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}
