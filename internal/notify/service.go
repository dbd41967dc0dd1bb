// Package notify turns order lifecycle events into buyer notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	kafkax "github.com/ariefcatur/go-stock-orders/internal/kafka"
	"github.com/ariefcatur/go-stock-orders/internal/metrics"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/redisx"
	kafkago "github.com/segmentio/kafka-go"
)

// Topics the notifier subscribes to.
var Topics = []string{orders.TopicOrderFulfilled, orders.TopicOrderExpired, orders.TopicOrderCancelled}

type Deduper interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Notification is what gets posted to the notification URL.
type Notification struct {
	EventID       string    `json:"event_id"`
	Event         string    `json:"event"`
	OrderCode     string    `json:"order_code"`
	Email         string    `json:"email,omitempty"`
	InvoiceNumber string    `json:"invoice_number,omitempty"`
	Units         int       `json:"units,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Service struct {
	Dedup Deduper
	// URL receives each notification as JSON; empty means log only.
	URL  string
	HTTP *http.Client
	Name string
	Log  *slog.Logger
}

// Handle dipasang sebagai handler consumer. nil = boleh commit.
func (s *Service) Handle(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// pesan rusak tidak akan pernah sukses; catat lalu lewati
		s.log().Error("undecodable event", "topic", m.Topic, "offset", m.Offset, "err", err)
		return nil
	}
	if env.EventType == "" {
		env.EventType = kafkax.HeaderValue(m, kafkax.HeaderEventType)
	}

	n, ok, err := notification(env)
	if err != nil {
		s.log().Error("undecodable payload", "event_id", env.EventID, "event_type", env.EventType, "err", err)
		return nil
	}
	if !ok {
		return nil
	}

	// dedup via Redis (event_id)
	key := redisx.DedupKey(s.Name, env.EventID)
	if s.Dedup != nil {
		first, err := s.Dedup.MarkOnce(ctx, key, redisx.TTLDedup)
		switch {
		case err != nil:
			s.log().Warn("dedup unavailable, delivering anyway", "event_id", env.EventID, "err", err)
		case !first:
			metrics.Notifications.WithLabelValues(env.EventType, "duplicate").Inc()
			return nil
		}
	}

	if err := s.deliver(ctx, n); err != nil {
		metrics.Notifications.WithLabelValues(env.EventType, "error").Inc()
		if s.Dedup != nil {
			_ = s.Dedup.Forget(ctx, key)
		}
		return fmt.Errorf("notify %s %s: %w", env.EventType, n.OrderCode, err)
	}
	metrics.Notifications.WithLabelValues(env.EventType, "sent").Inc()
	return nil
}

// notification maps an envelope; ok=false for event types nobody is told about.
func notification(env orders.Envelope) (Notification, bool, error) {
	n := Notification{EventID: env.EventID, Event: env.EventType, OccurredAt: env.OccurredAt}
	switch env.EventType {
	case orders.EventOrderFulfilled:
		p, err := kafkax.UnwrapPayload[orders.OrderFulfilledPayload](env.Payload)
		if err != nil {
			return n, false, err
		}
		n.OrderCode, n.Email, n.InvoiceNumber, n.Units = p.OrderCode, p.Email, p.InvoiceNumber, p.Units
	case orders.EventOrderExpired, orders.EventOrderCancelled:
		p, err := kafkax.UnwrapPayload[orders.OrderClosedPayload](env.Payload)
		if err != nil {
			return n, false, err
		}
		n.OrderCode, n.Email, n.Reason = p.OrderCode, p.Email, p.Reason
	default:
		return n, false, nil
	}
	return n, true, nil
}

func (s *Service) deliver(ctx context.Context, n Notification) error {
	if s.URL == "" {
		s.log().Info("notification", "event", n.Event, "order_code", n.OrderCode, "email", n.Email, "invoice_number", n.InvoiceNumber)
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.EventID)

	hc := s.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
