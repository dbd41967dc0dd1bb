package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-stock-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
)

type memDedup struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (d *memDedup) MarkOnce(_ context.Context, key string, _ time.Duration) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = map[string]bool{}
	}
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}

func message(t *testing.T, eventType string, payload any) kafkago.Message {
	t.Helper()
	env, err := orders.NewEnvelope(eventType, "order-api", "order-1", "", payload)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return kafkago.Message{Topic: orders.TopicOrderFulfilled, Value: b}
}

func TestHandle_PostsOncePerEvent(t *testing.T) {
	var (
		hits atomic.Int32
		mu   sync.Mutex
		got  Notification
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("missing Idempotency-Key")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := &Service{Dedup: &memDedup{}, URL: srv.URL, Name: "notifier"}
	m := message(t, orders.EventOrderFulfilled, orders.OrderFulfilledPayload{
		OrderID: "order-1", OrderCode: "ORD7KQ2M9XA", Email: "budi@example.com", InvoiceNumber: "INV-20260501-000001", Units: 2,
	})

	for i := 0; i < 2; i++ {
		if err := s.Handle(context.Background(), m); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("posted %d times, want 1", hits.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if got.OrderCode != "ORD7KQ2M9XA" || got.InvoiceNumber != "INV-20260501-000001" || got.Units != 2 || got.Event != orders.EventOrderFulfilled {
		t.Errorf("notification = %+v", got)
	}
}

func TestHandle_FailedDeliveryCanRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := &Service{Dedup: &memDedup{}, URL: srv.URL, Name: "notifier"}
	m := message(t, orders.EventOrderExpired, orders.OrderClosedPayload{OrderID: "order-1", OrderCode: "ORD7KQ2M9XA", Reason: "EXPIRED"})

	if err := s.Handle(context.Background(), m); err == nil {
		t.Fatal("expected error on 502")
	}
	if err := s.Handle(context.Background(), m); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d", hits.Load())
	}
}

func TestHandle_SkipsOtherEventsAndGarbage(t *testing.T) {
	s := &Service{Dedup: &memDedup{}, URL: "http://127.0.0.1:1/never", Name: "notifier"}
	ctx := context.Background()

	reserved := message(t, orders.EventOrderReserved, orders.OrderReservedPayload{OrderCode: "ORD7KQ2M9XA"})
	if err := s.Handle(ctx, reserved); err != nil {
		t.Errorf("reserved: %v", err)
	}
	if err := s.Handle(ctx, kafkago.Message{Value: []byte("{nope")}); err != nil {
		t.Errorf("garbage: %v", err)
	}
}

func TestHandle_LogOnlyWithoutURL(t *testing.T) {
	s := &Service{Dedup: &memDedup{err: errors.New("redis down")}, Name: "notifier"}
	m := message(t, orders.EventOrderCancelled, orders.OrderClosedPayload{OrderCode: "ORD7KQ2M9XA", Reason: "CANCELLED"})
	if err := s.Handle(context.Background(), m); err != nil {
		t.Fatalf("handle: %v", err)
	}
}
