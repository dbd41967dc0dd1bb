package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-stock-orders/internal/config"
	kafkax "github.com/ariefcatur/go-stock-orders/internal/kafka"
	"github.com/ariefcatur/go-stock-orders/internal/logging"
	"github.com/ariefcatur/go-stock-orders/internal/notify"
	"github.com/ariefcatur/go-stock-orders/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logging.Base().Error("config", "err", err)
		os.Exit(1)
	}
	logging.Init(cfg.ServiceName+"-notifier", cfg.Log.Level, cfg.Log.File)
	log := logging.New("notifier")

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		log.Error("kafka_brokers is empty; nothing to consume")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notify.Service{
		Dedup: redisx.NewCache(rdb),
		URL:   cfg.Notify.URL,
		HTTP:  &http.Client{Timeout: cfg.Notify.Timeout},
		Name:  cfg.Notify.Group,
		Log:   log,
	}
	if svc.URL == "" {
		log.Warn("notify.url is empty; notifications are only logged")
	}

	cons := kafkax.NewConsumer(brokers, cfg.Notify.Group, notify.Topics, cfg.Notify.Workers, log)
	log.Info("notifier consumer started", "group", cfg.Notify.Group, "topics", notify.Topics, "workers", cfg.Notify.Workers)
	if err := cons.Start(ctx, svc.Handle); err != nil {
		log.Error("consumer exit", "err", err)
		os.Exit(1)
	}
	log.Info("notifier stopped")
}
