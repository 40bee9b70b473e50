package commission

import "github.com/shopspring/decimal"

// Clamp bounds amount to [min, max] where set, and never returns less than
// zero.
func Clamp(amount decimal.Decimal, min, max decimal.NullDecimal) decimal.Decimal {
	if min.Valid && amount.LessThan(min.Decimal) {
		amount = min.Decimal
	}
	if max.Valid && amount.GreaterThan(max.Decimal) {
		amount = max.Decimal
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}
