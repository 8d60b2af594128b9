package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-booking-platform/cmd/mainconfig"
	appconfig "github.com/wolfman30/clinic-booking-platform/internal/config"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("bookingctl")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var app *operator
	rootCmd := &cobra.Command{
		Use:          "bookingctl",
		Short:        "Operator tooling for the clinic booking core",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			stack, err := mainconfig.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			app = newOperator(stack.Engine, stack.Outbox, logger)
			app.closer = stack.Close
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app != nil && app.closer != nil {
				app.closer()
			}
		},
	}
	resolve := func() *operator { return app }
	rootCmd.AddCommand(reconcileCmd(resolve))
	rootCmd.AddCommand(refundsCmd(resolve))
	rootCmd.AddCommand(appointmentsCmd(resolve))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
