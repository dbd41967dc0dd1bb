package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderReserved    = "OrderReserved"
	EventOrderFulfilled   = "OrderFulfilled"
	EventOrderExpired     = "OrderExpired"
	EventOrderCancelled   = "OrderCancelled"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a v1 envelope correlated to orderID.
func NewEnvelope(eventType, producer, orderID, traceID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

// ---- Payload tipe per event ----

type ItemQty struct {
	ProductCode string `json:"product_code"`
	Qty         int    `json:"qty"`
}

type OrderReservedPayload struct {
	OrderID       string    `json:"order_id"`
	OrderCode     string    `json:"order_code"`
	Email         string    `json:"email"`
	Items         []ItemQty `json:"items"`
	AmountTotal   int64     `json:"amount_total"`
	ReservedUntil time.Time `json:"reserved_until"`
}

type OrderFulfilledPayload struct {
	OrderID       string `json:"order_id"`
	OrderCode     string `json:"order_code"`
	Email         string `json:"email"`
	InvoiceNumber string `json:"invoice_number"`
	Units         int    `json:"units"`
	PaymentSource string `json:"payment_source"` // webhook | reconcile
}

type OrderClosedPayload struct {
	OrderID   string `json:"order_id"`
	OrderCode string `json:"order_code"`
	Email     string `json:"email,omitempty"`
	Reason    string `json:"reason"` // EXPIRED | CANCELLED
}
