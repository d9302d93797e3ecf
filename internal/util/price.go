// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 100.42 becomes 100.40 and 100.43 becomes 100.45.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// FloorToTick rounds x down to the nearest tick increment.
func FloorToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Floor().Mul(tick)
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return x
	}
	return x.Div(tick).Ceil().Mul(tick)
}

// ApplyPct applies a signed percentage move to a price: ApplyPct(100, -2.5) = 97.5.
func ApplyPct(price decimal.Decimal, pct float64) decimal.Decimal {
	return price.Mul(decimal.NewFromFloat(1 + pct/100))
}
