package orders

import (
	"net/mail"
	"strings"
)

const (
	maxLines       = 20
	maxLineQty     = 100
	maxRequestKey  = 128
	maxContactSize = 200
)

// Normalize trims the input and rejects anything CreateOrder must not see. It never
// touches storage.
func (in *CreateOrderInput) Normalize() error {
	in.Customer.Name = strings.TrimSpace(in.Customer.Name)
	in.Customer.Email = strings.TrimSpace(in.Customer.Email)
	in.Customer.Phone = strings.TrimSpace(in.Customer.Phone)
	in.RequestKey = strings.TrimSpace(in.RequestKey)

	if in.Customer.Name == "" || in.Customer.Email == "" {
		return validationErr("customer name and email are required")
	}
	if len(in.Customer.Name) > maxContactSize || len(in.Customer.Email) > maxContactSize || len(in.Customer.Phone) > maxContactSize {
		return validationErr("customer fields too long")
	}
	if _, err := mail.ParseAddress(in.Customer.Email); err != nil {
		return validationErr("invalid email %q", in.Customer.Email)
	}
	if len(in.RequestKey) > maxRequestKey {
		return validationErr("request key too long")
	}
	if len(in.Lines) == 0 {
		return validationErr("at least one line item is required")
	}
	if len(in.Lines) > maxLines {
		return validationErr("too many line items (max %d)", maxLines)
	}

	seen := make(map[string]bool, len(in.Lines))
	for i := range in.Lines {
		l := &in.Lines[i]
		l.ProductCode = strings.ToUpper(strings.TrimSpace(l.ProductCode))
		if l.ProductCode == "" {
			return validationErr("line %d: product_code required", i)
		}
		if l.Quantity <= 0 || l.Quantity > maxLineQty {
			return validationErr("line %d: quantity must be between 1 and %d", i, maxLineQty)
		}
		if l.UnitPrice < 0 {
			return validationErr("line %d: negative unit_price", i)
		}
		if seen[l.ProductCode] {
			return validationErr("product %s listed twice", l.ProductCode)
		}
		seen[l.ProductCode] = true
	}
	return nil
}
