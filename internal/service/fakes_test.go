package service

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/ratelimit"
)

type fakeStore struct {
	createOrder    func(ctx context.Context, in orders.CreateOrderInput) (*orders.Reservation, error)
	getOrderByCode func(ctx context.Context, code string) (*orders.Order, error)
	lines          func(ctx context.Context, orderID string) ([]orders.OrderLine, error)
	delivery       func(ctx context.Context, code, token string) ([]orders.DeliveryItem, error)
	cancelOrder    func(ctx context.Context, code, actor string) (*orders.Order, error)
	fulfill        func(ctx context.Context, orderID string, ev orders.PaymentEvent, tolerance float64) (orders.FulfillResult, error)
	sweepExpired   func(ctx context.Context) (orders.SweepResult, error)

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeStore) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeStore) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeStore) CreateOrder(ctx context.Context, in orders.CreateOrderInput) (*orders.Reservation, error) {
	f.hit("CreateOrder")
	return f.createOrder(ctx, in)
}

func (f *fakeStore) GetOrderByCode(ctx context.Context, code string) (*orders.Order, error) {
	f.hit("GetOrderByCode")
	if f.getOrderByCode == nil {
		return nil, orders.ErrOrderNotFound
	}
	return f.getOrderByCode(ctx, code)
}

func (f *fakeStore) Lines(ctx context.Context, orderID string) ([]orders.OrderLine, error) {
	f.hit("Lines")
	if f.lines == nil {
		return nil, nil
	}
	return f.lines(ctx, orderID)
}

func (f *fakeStore) Delivery(ctx context.Context, code, token string) ([]orders.DeliveryItem, error) {
	f.hit("Delivery")
	return f.delivery(ctx, code, token)
}

func (f *fakeStore) CancelOrder(ctx context.Context, code, actor string) (*orders.Order, error) {
	f.hit("CancelOrder")
	return f.cancelOrder(ctx, code, actor)
}

func (f *fakeStore) Fulfill(ctx context.Context, orderID string, ev orders.PaymentEvent, tolerance float64) (orders.FulfillResult, error) {
	f.hit("Fulfill")
	return f.fulfill(ctx, orderID, ev, tolerance)
}

func (f *fakeStore) SweepExpired(ctx context.Context) (orders.SweepResult, error) {
	f.hit("SweepExpired")
	return f.sweepExpired(ctx)
}

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (l *fakeLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return l.decision, l.err
}

type memCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	forgets []string
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Remember(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), value...)
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Recall(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *memCache) Forget(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	c.forgets = append(c.forgets, key)
	return nil
}

type published struct {
	topic string
	key   string
	value []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, key, value []byte, _ ...kafka.Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, key: string(key), value: value})
	return nil
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.topic)
	}
	return out
}
