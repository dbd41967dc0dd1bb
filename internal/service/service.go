package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/kafka"
	"github.com/ariefcatur/go-stock-orders/internal/logging"
	"github.com/ariefcatur/go-stock-orders/internal/matcher"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/ratelimit"
)

// Store is the transactional side; *orders.Store implements it.
type Store interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (*orders.Reservation, error)
	GetOrderByCode(ctx context.Context, code string) (*orders.Order, error)
	Lines(ctx context.Context, orderID string) ([]orders.OrderLine, error)
	Delivery(ctx context.Context, code, token string) ([]orders.DeliveryItem, error)
	CancelOrder(ctx context.Context, code, actor string) (*orders.Order, error)
	Fulfill(ctx context.Context, orderID string, ev orders.PaymentEvent, tolerance float64) (orders.FulfillResult, error)
	SweepExpired(ctx context.Context) (orders.SweepResult, error)
}

type Limiter interface {
	Allow(ctx context.Context, addr string) (ratelimit.Decision, error)
}

// Cache is the Redis side: replayed responses and the status view. Losing it only
// costs latency.
type Cache interface {
	Remember(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Recall(ctx context.Context, key string) ([]byte, bool, error)
	Forget(ctx context.Context, key string) error
}

var ErrRateLimited = errors.New("rate limited")

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// PaymentInfo is the beneficiary printed on payment instructions.
type PaymentInfo struct {
	BankName      string
	AccountNumber string
	AccountName   string
}

// Orders glues the store to the rate limiter, caches, event stream and metrics.
// Everything except Store is optional.
type Orders struct {
	Store     Store
	Limiter   Limiter
	Cache     Cache
	Events    kafka.Publisher
	Matcher   matcher.Matcher
	Producer  string
	Provider  string
	Tolerance float64
	ReplayTTL time.Duration
	Payment   PaymentInfo
	Log       *slog.Logger
}

// logger prefers the request-scoped logger so request ids follow the call.
func (s *Orders) logger(ctx context.Context) *slog.Logger {
	if l, ok := logging.Lookup(ctx); ok {
		return l
	}
	if s.Log != nil {
		return s.Log
	}
	return logging.Base()
}

func (s *Orders) matcher() matcher.Matcher {
	if s.Matcher != nil {
		return s.Matcher
	}
	return matcher.New(orders.CodePrefix)
}
