package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ariefcatur/go-stock-orders/internal/kafka"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
)

// publish hands an event to Kafka after the transaction committed. Postgres stays the
// source of truth; a lost event only delays a notification.
func (s *Orders) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	if s.Events == nil {
		return
	}
	log := s.logger(ctx)
	env, err := orders.NewEnvelope(eventType, s.Producer, orderID, middleware.GetReqID(ctx), payload)
	if err != nil {
		log.Error("build event", "err", err, "event_type", eventType)
		return
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error("marshal event", "err", err, "event_type", eventType)
		return
	}

	// request boleh sudah selesai; event tetap jalan
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.Events.Publish(pctx, topic, orders.PartitionKey(orderID), b, kafka.EventHeaders(eventType, env.EventVersion)...); err != nil {
		log.Warn("publish event failed", "err", err, "topic", topic, "order_id", orderID)
	}
}

// closeReclaimed does the after-commit work for orders an expiry pass closed.
func (s *Orders) closeReclaimed(ctx context.Context, expired []orders.ExpiredOrder) {
	for _, e := range expired {
		s.forgetStatus(ctx, e.Code)
		s.publish(ctx, orders.TopicOrderExpired, orders.EventOrderExpired, e.ID, orders.OrderClosedPayload{
			OrderID:   e.ID,
			OrderCode: e.Code,
			Email:     e.Email,
			Reason:    "EXPIRED",
		})
	}
}
