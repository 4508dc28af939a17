// Package numeric provides decimal helpers shared across the engine.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string into a decimal value.
// On failure, it returns (zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// TruncateToStep rounds value toward zero onto the step grid.
// A non-positive step returns the value unchanged.
func TruncateToStep(value decimal.Decimal, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	steps := value.Div(step).Truncate(0)
	return steps.Mul(step)
}

// WeightedAverage returns (qty1*px1 + qty2*px2) / (qty1+qty2).
// A zero combined quantity returns zero.
func WeightedAverage(qty1, px1, qty2, px2 decimal.Decimal) decimal.Decimal {
	total := qty1.Add(qty2)
	if total.Sign() == 0 {
		return decimal.Zero
	}
	notional := qty1.Mul(px1).Add(qty2.Mul(px2))
	return notional.Div(total)
}
