package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/redisx"
)

type StatusView struct {
	OrderCode     string        `json:"order_code"`
	Status        orders.Status `json:"status"`
	AmountTotal   int64         `json:"amount_total"`
	ReservedUntil time.Time     `json:"reserved_until"`
	InvoiceNumber string        `json:"invoice_number,omitempty"`
	FulfilledAt   *time.Time    `json:"fulfilled_at,omitempty"`
	Items         []ReceiptLine `json:"items"`
}

// Status serves from the Redis cache when it can. Every transition forgets the entry,
// and the TTL bounds anything missed.
func (s *Orders) Status(ctx context.Context, code string) (*StatusView, error) {
	key := redisx.StatusKey(code)
	if s.Cache != nil {
		if b, ok, err := s.Cache.Recall(ctx, key); err == nil && ok {
			var v StatusView
			if json.Unmarshal(b, &v) == nil {
				return &v, nil
			}
		}
	}

	o, err := s.Store.GetOrderByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	lines, err := s.Store.Lines(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	v := &StatusView{
		OrderCode:     o.Code,
		Status:        o.Status,
		AmountTotal:   o.AmountTotal,
		ReservedUntil: o.ReservedUntil,
		InvoiceNumber: o.InvoiceNumber,
		FulfilledAt:   o.FulfilledAt,
		Items:         receiptLines(lines),
	}
	if s.Cache != nil {
		if b, err := json.Marshal(v); err == nil {
			_ = s.Cache.Remember(ctx, key, b, statusTTL(v.Status))
		}
	}
	return v, nil
}

// statusTTL keeps pending views short-lived: a fulfillment that forgets the key
// between our read and our write would otherwise leave a stale view behind.
func statusTTL(st orders.Status) time.Duration {
	if st.Terminal() {
		return redisx.TTLStatusCache
	}
	return redisx.TTLPendingStatus
}

func (s *Orders) Delivery(ctx context.Context, code, token string) ([]orders.DeliveryItem, error) {
	return s.Store.Delivery(ctx, code, token)
}

func (s *Orders) forgetStatus(ctx context.Context, code string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Forget(ctx, redisx.StatusKey(code)); err != nil {
		s.logger(ctx).Warn("status cache invalidation failed", "err", err, "order_code", code)
	}
}
