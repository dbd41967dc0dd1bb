package service

import (
	"context"

	"github.com/ariefcatur/go-stock-orders/internal/metrics"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
)

// Cancel is the manual pending -> cancelled transition.
func (s *Orders) Cancel(ctx context.Context, code, actor string) (*orders.Order, error) {
	o, err := s.Store.CancelOrder(ctx, code, actor)
	if err != nil {
		return nil, err
	}
	s.forgetStatus(ctx, o.Code)
	s.publish(ctx, orders.TopicOrderCancelled, orders.EventOrderCancelled, o.ID, orders.OrderClosedPayload{
		OrderID:   o.ID,
		OrderCode: o.Code,
		Email:     o.Customer.Email,
		Reason:    "CANCELLED",
	})
	s.logger(ctx).Info("order cancelled", "order_code", o.Code, "actor", actor)
	return o, nil
}

// SweepExpired runs one expiry pass and announces every order it closed.
func (s *Orders) SweepExpired(ctx context.Context) (orders.SweepResult, error) {
	res, err := s.Store.SweepExpired(ctx)
	if err != nil {
		return res, err
	}
	metrics.UnitsReleased.Add(float64(res.UnitsReleased))
	metrics.OrdersExpired.Add(float64(len(res.Expired)))
	s.closeReclaimed(ctx, res.Expired)
	return res, nil
}
