package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/metrics"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/redisx"
)

type ReceiptLine struct {
	ProductCode string `json:"product_code"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Subtotal    int64  `json:"subtotal"`
}

type PaymentInstructions struct {
	Amount        int64  `json:"amount"`
	Memo          string `json:"memo"`
	BankName      string `json:"bank_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
}

// Receipt is the create-order response. It is also what gets replayed for a repeated
// request key.
type Receipt struct {
	OrderCode         string              `json:"order_code"`
	Status            orders.Status       `json:"status"`
	AmountTotal       int64               `json:"amount_total"`
	ReservedUntil     time.Time           `json:"reserved_until"`
	DeliveryToken     string              `json:"delivery_token,omitempty"`
	DeliveryExpiresAt time.Time           `json:"delivery_expires_at"`
	Items             []ReceiptLine       `json:"items"`
	Payment           PaymentInstructions `json:"payment"`
	Idempotent        bool                `json:"idempotent"`
}

// Create runs the rate limit, then reserves. A request key seen before returns the
// first receipt (from Redis while it lasts, else rebuilt from Postgres without the
// delivery token).
func (s *Orders) Create(ctx context.Context, in orders.CreateOrderInput) (*Receipt, error) {
	log := s.logger(ctx)

	if s.Limiter != nil {
		d, err := s.Limiter.Allow(ctx, in.SourceAddr)
		switch {
		case err != nil:
			// Redis mati: lebih baik tetap jualan daripada menolak semua
			log.Warn("rate limiter unavailable, allowing request", "err", err)
		case !d.Allowed:
			metrics.RateLimited.Inc()
			return nil, &RateLimitError{RetryAfter: d.RetryAfter}
		}
	}

	key := strings.TrimSpace(in.RequestKey)
	if key != "" {
		if rc, ok := s.recallReceipt(ctx, key); ok {
			return rc, nil
		}
	}

	res, err := s.Store.CreateOrder(ctx, in)
	if err != nil {
		metrics.ReservationRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}
	s.closeReclaimed(ctx, res.Reclaimed)

	rc := s.receipt(res)
	if res.Existing {
		rc.Idempotent = true
		return rc, nil
	}
	metrics.OrdersReserved.Inc()

	if key != "" && s.Cache != nil {
		if b, err := json.Marshal(rc); err == nil {
			if err := s.Cache.Remember(ctx, redisx.ReplayKey(key), b, s.replayTTL()); err != nil {
				log.Warn("replay cache write failed", "err", err, "order_code", rc.OrderCode)
			}
		}
	}

	items := make([]orders.ItemQty, 0, len(res.Lines))
	for _, l := range res.Lines {
		items = append(items, orders.ItemQty{ProductCode: l.ProductCode, Qty: l.Quantity})
	}
	s.publish(ctx, orders.TopicOrderReserved, orders.EventOrderReserved, res.Order.ID, orders.OrderReservedPayload{
		OrderID:       res.Order.ID,
		OrderCode:     res.Order.Code,
		Email:         res.Order.Customer.Email,
		Items:         items,
		AmountTotal:   res.Order.AmountTotal,
		ReservedUntil: res.Order.ReservedUntil,
	})

	log.Info("order reserved",
		"order_code", res.Order.Code,
		"amount_total", res.Order.AmountTotal,
		"lines", len(res.Lines),
		"reserved_until", res.Order.ReservedUntil,
	)
	return rc, nil
}

func (s *Orders) recallReceipt(ctx context.Context, key string) (*Receipt, bool) {
	if s.Cache == nil {
		return nil, false
	}
	b, ok, err := s.Cache.Recall(ctx, redisx.ReplayKey(key))
	if err != nil {
		s.logger(ctx).Warn("replay cache read failed", "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var rc Receipt
	if err := json.Unmarshal(b, &rc); err != nil {
		return nil, false
	}
	rc.Idempotent = true
	return &rc, true
}

func (s *Orders) receipt(res *orders.Reservation) *Receipt {
	o := res.Order
	rc := &Receipt{
		OrderCode:         o.Code,
		Status:            o.Status,
		AmountTotal:       o.AmountTotal,
		ReservedUntil:     o.ReservedUntil,
		DeliveryToken:     res.DeliveryToken,
		DeliveryExpiresAt: o.DeliveryExpiresAt,
		Items:             receiptLines(res.Lines),
		Payment: PaymentInstructions{
			Amount:        o.AmountTotal,
			Memo:          o.Code,
			BankName:      s.Payment.BankName,
			AccountNumber: s.Payment.AccountNumber,
			AccountName:   s.Payment.AccountName,
		},
	}
	return rc
}

func receiptLines(lines []orders.OrderLine) []ReceiptLine {
	out := make([]ReceiptLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, ReceiptLine{
			ProductCode: l.ProductCode,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Subtotal:    l.Subtotal,
		})
	}
	return out
}

func (s *Orders) replayTTL() time.Duration {
	if s.ReplayTTL > 0 {
		return min(s.ReplayTTL, redisx.MaxReplayTTL)
	}
	return redisx.TTLIdempotency
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, orders.ErrValidation):
		return "validation"
	case errors.Is(err, orders.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, orders.ErrPriceMismatch):
		return "price_mismatch"
	case errors.Is(err, orders.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, orders.ErrReserveFailed):
		return "reserve_failed"
	default:
		return "error"
	}
}
