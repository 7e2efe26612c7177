// Package money holds the exact decimal helpers used for every price,
// quantity and cash amount. Binary floats only appear at the I/O boundary.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	Zero    = decimal.Zero
	One     = decimal.NewFromInt(1)
	Hundred = decimal.NewFromInt(100)
	tenK    = decimal.NewFromInt(10000)
)

// Parse reads a decimal string. Empty strings are zero.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromFloat converts a float coming from an external feed.
func FromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// QuantizeDown floors v to a multiple of step. A non-positive step returns v.
func QuantizeDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// QuantizeUp ceils v to a multiple of step.
func QuantizeUp(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// QuantizeNearest rounds v half-up to the closest multiple of step.
func QuantizeNearest(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}

// SafeDiv returns a/b and false when b is zero.
func SafeDiv(a, b decimal.Decimal) (decimal.Decimal, bool) {
	if b.IsZero() {
		return decimal.Zero, false
	}
	return a.Div(b), true
}

// DivOrZero returns a/b, or zero when b is zero.
func DivOrZero(a, b decimal.Decimal) decimal.Decimal {
	q, _ := SafeDiv(a, b)
	return q
}

// Pct returns v * pct / 100.
func Pct(v, pct decimal.Decimal) decimal.Decimal {
	return v.Mul(pct).Div(Hundred)
}

// Bps returns v * bps / 10000.
func Bps(v, bps decimal.Decimal) decimal.Decimal {
	return v.Mul(bps).Div(tenK)
}

// BpsFactor returns 1 + sign*bps/10000.
func BpsFactor(bps decimal.Decimal, sign int64) decimal.Decimal {
	return One.Add(bps.Div(tenK).Mul(decimal.NewFromInt(sign)))
}

func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return Min(Max(v, lo), hi)
}

// Sum adds all values.
func Sum(vs ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range vs {
		total = total.Add(v)
	}
	return total
}
