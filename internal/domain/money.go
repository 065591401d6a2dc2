package domain

import "github.com/shopspring/decimal"

const DateLayout = "2006-01-02"

// Quantize rounds an amount to cents.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// JobTotal is max(0, unitPrice*quantity - deposit) rounded to cents.
// Quantity below one counts as one.
func JobTotal(unitPrice decimal.Decimal, quantity int, deposit decimal.Decimal) decimal.Decimal {
	if quantity < 1 {
		quantity = 1
	}
	total := unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Sub(deposit)
	if total.IsNegative() {
		return decimal.Zero.Round(2)
	}
	return Quantize(total)
}
