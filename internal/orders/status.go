package orders

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusFulfilled      Status = "fulfilled"
	StatusExpired        Status = "expired"
	StatusCancelled      Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPendingPayment: {StatusFulfilled: true, StatusExpired: true, StatusCancelled: true},
	StatusFulfilled:      {},
	StatusExpired:        {},
	StatusCancelled:      {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

type UnitStatus string

const (
	UnitAvailable UnitStatus = "available"
	UnitReserved  UnitStatus = "reserved"
	UnitSold      UnitStatus = "sold"
)

type PaymentStatus string

const (
	PaymentConfirmed PaymentStatus = "confirmed"
)
