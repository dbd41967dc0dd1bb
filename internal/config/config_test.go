package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Order.ReservationTTL != 30*time.Minute {
		t.Errorf("expected reservation ttl 30m, got %v", cfg.Order.ReservationTTL)
	}
	if cfg.Payment.AmountTolerance != 0.95 {
		t.Errorf("expected tolerance 0.95, got %v", cfg.Payment.AmountTolerance)
	}
	if cfg.Reconcile.Grace != 2*time.Minute || cfg.Reconcile.Lookback != 24*time.Hour {
		t.Errorf("unexpected reconcile window: grace=%v lookback=%v", cfg.Reconcile.Grace, cfg.Reconcile.Lookback)
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RECONCILE__LOOKBACK", "12h")
	t.Setenv("PAYMENT__AMOUNT_TOLERANCE", "0.9")
	t.Setenv("RATE_LIMIT__REQUESTS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("expected :9999, got %s", cfg.HTTPAddr)
	}
	if got := cfg.Brokers(); len(got) != 2 || got[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", got)
	}
	if cfg.Reconcile.Lookback != 12*time.Hour {
		t.Errorf("expected lookback 12h, got %v", cfg.Reconcile.Lookback)
	}
	if cfg.Payment.AmountTolerance != 0.9 {
		t.Errorf("expected tolerance 0.9, got %v", cfg.Payment.AmountTolerance)
	}
	if cfg.RateLimit.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", cfg.RateLimit.Requests)
	}
}

func TestValidate_RejectsBadTolerance(t *testing.T) {
	t.Setenv("PAYMENT__AMOUNT_TOLERANCE", "1.5")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "amount_tolerance") {
		t.Fatalf("expected tolerance error, got %v", err)
	}
}

func TestValidate_GraceMustBeShorterThanLookback(t *testing.T) {
	t.Setenv("RECONCILE__GRACE", "48h")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for grace >= lookback")
	}
}

func TestProxies(t *testing.T) {
	cfg := Config{TrustedProxies: "10.0.0.0/8, 192.168.1.7"}
	got, err := cfg.Proxies()
	if err != nil {
		t.Fatalf("proxies: %v", err)
	}
	if len(got) != 2 || got[0].String() != "10.0.0.0/8" || got[1].String() != "192.168.1.7/32" {
		t.Errorf("unexpected prefixes: %v", got)
	}
	if got, _ := (Config{}).Proxies(); len(got) != 0 {
		t.Errorf("expected no proxies by default, got %v", got)
	}
	if _, err := (Config{TrustedProxies: "10.0.0.0/33"}).Proxies(); err == nil {
		t.Error("expected error for bad prefix")
	}
}

func TestValidate_ReplayTTLBounded(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Order.ReplayTTL != 15*time.Minute {
		t.Errorf("expected replay ttl 15m, got %v", cfg.Order.ReplayTTL)
	}

	t.Setenv("ORDER__REPLAY_TTL", "24h")
	_, err = Load()
	if err == nil || !strings.Contains(err.Error(), "replay_ttl") {
		t.Fatalf("expected replay_ttl error, got %v", err)
	}
}

func TestValidate_RejectsBadProxy(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8,nope")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "trusted_proxies") {
		t.Fatalf("expected trusted_proxies error, got %v", err)
	}
}
