package orders

import "time"

type Product struct {
	ID        int64
	Code      string
	Name      string
	Price     int64 // minor units
	Active    bool
	CreatedAt time.Time
}

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Order struct {
	ID                string
	Code              string
	Customer          Customer
	Status            Status
	AmountTotal       int64
	ReservedUntil     time.Time
	DeliveryExpiresAt time.Time
	InvoiceNumber     string
	RequestKey        string
	SourceAddr        string
	FulfilledAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type OrderLine struct {
	ID          int64
	OrderID     string
	ProductID   int64
	ProductCode string
	Quantity    int
	UnitPrice   int64
	Subtotal    int64
}

type Payment struct {
	ID            string
	OrderID       string
	Provider      string
	ExternalTxnID string
	Status        PaymentStatus
	Amount        int64
	Reference     string
	Memo          string
	Source        string
	ObservedAt    time.Time
	CreatedAt     time.Time
}

type AuditEvent struct {
	ID         int64
	EntityType string
	EntityID   string
	Action     string
	Actor      string
	Payload    []byte
	CreatedAt  time.Time
}

// DeliveryItem is one purchased credential as handed to the buyer.
type DeliveryItem struct {
	ProductCode string `json:"product_code"`
	UnitID      int64  `json:"unit_id"`
	Secret      string `json:"secret"`
}

type LineInput struct {
	ProductCode string `json:"product_code"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

type CreateOrderInput struct {
	Customer   Customer
	Lines      []LineInput
	RequestKey string
	SourceAddr string
}

// Reservation is what CreateOrder hands back. DeliveryToken is only set on the call
// that actually created the order; replays of a request key get it empty.
type Reservation struct {
	Order         Order
	Lines         []OrderLine
	DeliveryToken string
	Existing      bool
	// Reclaimed lists orders the lazy expiry pass closed along the way.
	Reclaimed []ExpiredOrder
}

// PaymentEvent is one observed bank transaction matched to an order.
type PaymentEvent struct {
	Provider   string
	ExternalID string
	Amount     int64
	Reference  string
	Memo       string
	ObservedAt time.Time
	Source     string // webhook | reconcile
}

type Outcome string

const (
	OutcomeFulfilled          Outcome = "fulfilled"
	OutcomeAlreadyResolved    Outcome = "already_resolved"
	OutcomeInsufficientAmount Outcome = "insufficient_amount"
	OutcomeDuplicatePayment   Outcome = "duplicate_payment"
	OutcomeReservationLost    Outcome = "reservation_lost"
)

type FulfillResult struct {
	Outcome       Outcome
	OrderID       string
	OrderCode     string
	Status        Status
	InvoiceNumber string
	Units         int
}

type ExpiredOrder struct {
	ID    string
	Code  string
	Email string
}

type SweepResult struct {
	UnitsReleased int64
	Expired       []ExpiredOrder
}
