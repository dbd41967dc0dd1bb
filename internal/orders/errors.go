package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrProductNotFound   = errors.New("product not found")
	ErrPriceMismatch     = errors.New("unit price does not match product price")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrReserveFailed     = errors.New("reservation race lost")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDeliveryForbidden = errors.New("delivery token invalid or expired")
	ErrNotFulfilled      = errors.New("order not fulfilled")
)

// StockError carries the product and shortfall behind ErrInsufficientStock and
// ErrReserveFailed.
type StockError struct {
	Err         error
	ProductCode string
	Requested   int
	Available   int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("%v: product=%s requested=%d available=%d", e.Err, e.ProductCode, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return e.Err }

func (e *StockError) Shortfall() int {
	if e.Requested <= e.Available {
		return 0
	}
	return e.Requested - e.Available
}

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
