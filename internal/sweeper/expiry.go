package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/metrics"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
)

type ExpiredSweeper interface {
	SweepExpired(ctx context.Context) (orders.SweepResult, error)
}

// Expiry reclaims lapsed reservations.
type Expiry struct {
	Orders ExpiredSweeper
	Log    *slog.Logger
}

type ExpiryResult struct {
	UnitsReleased int64    `json:"units_released"`
	OrdersExpired int      `json:"orders_expired"`
	Orders        []string `json:"orders,omitempty"`
}

func (e *Expiry) Run(ctx context.Context) (ExpiryResult, error) {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	start := time.Now()
	res, err := e.Orders.SweepExpired(ctx)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("expiry", "error").Inc()
		return ExpiryResult{}, err
	}
	metrics.SweepRuns.WithLabelValues("expiry", "ok").Inc()

	out := ExpiryResult{UnitsReleased: res.UnitsReleased, OrdersExpired: len(res.Expired)}
	for _, o := range res.Expired {
		out.Orders = append(out.Orders, o.Code)
	}
	if out.UnitsReleased > 0 || out.OrdersExpired > 0 {
		log.Info("expiry sweep", "units_released", out.UnitsReleased, "orders_expired", out.OrdersExpired, "took", time.Since(start))
	} else {
		log.Debug("expiry sweep: nothing lapsed")
	}
	return out, nil
}

// Job adapts Run for Every.
func (e *Expiry) Job(ctx context.Context) error {
	_, err := e.Run(ctx)
	return err
}
