package billing

import "github.com/shopspring/decimal"

// Round2 rounds a monetary amount to 2 decimal places, half away from
// zero. Stored amounts are always the result of Round2 so equality checks
// against a zero balance are exact.
func Round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// LateFeeAmount computes the one-time overdue surcharge:
// total * percent / 100, rounded half-up to 2 decimal places.
func LateFeeAmount(total, percent float64) float64 {
	fee := decimal.NewFromFloat(total).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Round(2)
	f, _ := fee.Float64()
	return f
}
