package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/ariefcatur/go-stock-orders/internal/bootstrap"
	"github.com/ariefcatur/go-stock-orders/internal/config"
	"github.com/ariefcatur/go-stock-orders/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "stockctl",
		Short:         "Operator tool for the stock order service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(orderCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config, wires the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.Init(cfg.ServiceName+"-stockctl", cfg.Log.Level, "")
	app, cleanup, err := bootstrap.Init(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(cmd.Context(), app)
}
