package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/ariefcatur/go-stock-orders/internal/bootstrap"
	"github.com/ariefcatur/go-stock-orders/internal/config"
	"github.com/ariefcatur/go-stock-orders/internal/httpx"
	"github.com/ariefcatur/go-stock-orders/internal/logging"
	"github.com/ariefcatur/go-stock-orders/internal/postgres"
	"github.com/ariefcatur/go-stock-orders/internal/sweeper"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Base().Error("config", "err", err)
		os.Exit(1)
	}
	log := logging.Init(cfg.ServiceName, cfg.Log.Level, cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, log, bootstrap.Init, postgres.Migrate)
	stop()
	if err != nil {
		log.Error("exit", "err", err)
		os.Exit(1)
	}
}

type initFunc func(ctx context.Context, cfg config.Config, log *slog.Logger) (*bootstrap.App, func(), error)

type migrateFunc func(ctx context.Context, pool *pgxpool.Pool) error

// run owns everything that needs cleanup; main only exits after it returns.
func run(ctx context.Context, cfg config.Config, log *slog.Logger, initApp initFunc, migrate migrateFunc) error {
	app, cleanup, err := initApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer cleanup()

	if err := migrate(ctx, app.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if cfg.AdminSecret == "" {
		log.Warn("admin_secret is empty; /admin triggers are open to anyone who can reach the API")
	}
	if cfg.Payment.WebhookSecret == "" {
		log.Warn("payment.webhook_secret is empty; the payment webhook will answer 500")
	}

	admin := &httpx.AdminHandler{Secret: cfg.AdminSecret, Expiry: app.Expiry, Orders: app.Orders}
	if app.Reconcile != nil {
		admin.Reconcile = app.Reconcile
	}
	proxies, _ := cfg.Proxies() // sudah divalidasi di config.Load
	router := httpx.NewRouter(logging.New("http"), httpx.Handlers{
		Orders:         &httpx.OrdersHandler{Orders: app.Orders},
		Webhooks:       &httpx.WebhookHandler{Payments: app.Orders, Secret: cfg.Payment.WebhookSecret, Location: cfg.Reconcile.Location()},
		Admin:          admin,
		TrustedProxies: proxies,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return sweeper.Every(gctx, "expiry", cfg.Expiry.Interval, log, app.Expiry.Job)
	})
	if app.Reconcile != nil {
		g.Go(func() error {
			return sweeper.Every(gctx, "reconcile", cfg.Reconcile.Interval, log, app.Reconcile.Job)
		})
	}

	return g.Wait()
}
