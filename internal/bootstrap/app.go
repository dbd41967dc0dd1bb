// Package bootstrap wires config into the stores, service and sweepers shared by
// cmd/api and cmd/stockctl.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/config"
	"github.com/ariefcatur/go-stock-orders/internal/gateway"
	kafkax "github.com/ariefcatur/go-stock-orders/internal/kafka"
	"github.com/ariefcatur/go-stock-orders/internal/matcher"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/postgres"
	"github.com/ariefcatur/go-stock-orders/internal/ratelimit"
	"github.com/ariefcatur/go-stock-orders/internal/redisx"
	"github.com/ariefcatur/go-stock-orders/internal/service"
	"github.com/ariefcatur/go-stock-orders/internal/sweeper"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Cfg       config.Config
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Store     *orders.Store
	Orders    *service.Orders
	Expiry    *sweeper.Expiry
	Reconcile *sweeper.Reconcile // nil when disabled
	Log       *slog.Logger
}

// Init connects Postgres (fatal), Redis and Kafka (both degrade) and builds the
// service graph. cleanup flushes the producer and closes the rest.
func Init(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, func(), error) {
	// DB
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := postgres.Connect(pctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}

	// Redis: rate limit + cache fail open kalau down
	rdb := redisx.New(cfg.RedisAddr)
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rdb.Ping(rctx).Err(); err != nil {
		log.Warn("redis unreachable at startup, continuing without cache", "addr", cfg.RedisAddr, "err", err)
	}
	cancel()

	// Kafka producer
	var (
		events kafkax.Publisher = kafkax.Nop{}
		prod   *kafkax.Producer
	)
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		prod = kafkax.NewProducer(brokers, 1024, log.With("component", "kafka"))
		// loop hidup sampai cleanup, supaya request yang masih jalan tetap bisa publish
		prod.Start(context.WithoutCancel(ctx))
		events = prod
	} else {
		log.Warn("kafka_brokers is empty; lifecycle events are not published")
	}

	store := &orders.Store{
		DB:             db,
		ReservationTTL: cfg.Order.ReservationTTL,
		DeliveryTTL:    cfg.Order.DeliveryTTL,
		TokenCost:      cfg.Order.TokenCost,
	}
	m := matcher.New(orders.CodePrefix)

	svc := &service.Orders{
		Store:     store,
		Limiter:   ratelimit.New(rdb, "orders", cfg.RateLimit.Requests, cfg.RateLimit.Window),
		Cache:     redisx.NewCache(rdb),
		Events:    events,
		Matcher:   m,
		Producer:  cfg.ServiceName,
		Provider:  cfg.Payment.Provider,
		Tolerance: cfg.Payment.AmountTolerance,
		ReplayTTL: cfg.Order.ReplayTTL,
		Payment: service.PaymentInfo{
			BankName:      cfg.Payment.BankName,
			AccountNumber: cfg.Payment.AccountNumber,
			AccountName:   cfg.Payment.AccountName,
		},
		Log: log.With("component", "orders"),
	}

	app := &App{
		Cfg:    cfg,
		DB:     db,
		Redis:  rdb,
		Store:  store,
		Orders: svc,
		Expiry: &sweeper.Expiry{Orders: svc, Log: log.With("component", "expiry-sweeper")},
		Log:    log,
	}

	if cfg.Reconcile.Enabled {
		if cfg.Reconcile.GatewayURL == "" {
			log.Warn("reconcile enabled but reconcile.gateway_url is empty; every run will fail until it is set")
		}
		app.Reconcile = &sweeper.Reconcile{
			Orders:     store,
			Fulfiller:  svc,
			Gateway:    gateway.New(cfg.Reconcile.GatewayURL, cfg.Reconcile.APIToken, cfg.Reconcile.Timeout, cfg.Reconcile.Location()),
			Matcher:    m,
			Provider:   cfg.Payment.Provider,
			Tolerance:  cfg.Payment.AmountTolerance,
			Lookback:   cfg.Reconcile.Lookback,
			Grace:      cfg.Reconcile.Grace,
			ClockSkew:  cfg.Reconcile.ClockSkew,
			FetchLimit: cfg.Reconcile.FetchLimit,
			Timeout:    cfg.Reconcile.Timeout,
			Log:        log.With("component", "reconcile-sweeper"),
		}
	}

	cleanup := func() {
		if prod != nil {
			prod.Close() // tutup inbox -> flush & close writer
			prod.WaitClosed()
		}
		_ = rdb.Close()
		db.Close()
	}
	return app, cleanup, nil
}
