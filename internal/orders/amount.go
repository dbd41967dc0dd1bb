package orders

import "github.com/shopspring/decimal"

// AmountSufficient reports whether paid covers total after allowing for bank fee
// deductions: paid >= total * tolerance.
func AmountSufficient(paid, total int64, tolerance float64) bool {
	if total <= 0 {
		return paid >= 0
	}
	need := decimal.NewFromInt(total).Mul(decimal.NewFromFloat(tolerance))
	return decimal.NewFromInt(paid).GreaterThanOrEqual(need)
}
