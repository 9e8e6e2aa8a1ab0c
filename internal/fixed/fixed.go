// Package fixed provides integer fixed-point numeric types for prices and
// quantities. Price carries 4 decimal places, Qty carries 6. Keeping the scale
// in the type makes a forgotten multiply/divide a compile error instead of a
// silent magnitude bug, and keeps aggregation free of float drift.
package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// PriceScale is the number of integer units per 1.0 of price.
	PriceScale = 10_000
	// QtyScale is the number of integer units per 1.0 of quantity.
	QtyScale = 1_000_000
)

// Price is a fixed-point price in 1/10000 units.
type Price int64

// Qty is a fixed-point quantity in 1/1000000 units.
type Qty int64

// PriceFromString parses a decimal string (as exchanges send prices) exactly.
func PriceFromString(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return Price(d.Shift(4).IntPart()), nil
}

// QtyFromString parses a decimal string exactly.
func QtyFromString(s string) (Qty, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse qty %q: %w", s, err)
	}
	return Qty(d.Shift(6).IntPart()), nil
}

// PriceFromFloat converts a float64 price, rounding to the nearest unit.
func PriceFromFloat(f float64) Price {
	return Price(decimal.NewFromFloat(f).Shift(4).Round(0).IntPart())
}

// QtyFromFloat converts a float64 quantity, rounding to the nearest unit.
func QtyFromFloat(f float64) Qty {
	return Qty(decimal.NewFromFloat(f).Shift(6).Round(0).IntPart())
}

// Float64 returns the price as a float64 for display-only use.
func (p Price) Float64() float64 { return float64(p) / PriceScale }

// Float64 returns the quantity as a float64 for display-only use.
func (q Qty) Float64() float64 { return float64(q) / QtyScale }

// String renders the exact decimal value, e.g. Price(123450) → "12.345".
func (p Price) String() string { return decimal.New(int64(p), -4).String() }

// String renders the exact decimal value.
func (q Qty) String() string { return decimal.New(int64(q), -6).String() }

// Bucket rounds the price down to a multiple of step. A step of 0 leaves the
// price untouched (every distinct price is its own level).
func (p Price) Bucket(step Price) Price {
	if step <= 0 {
		return p
	}
	return p - p%step
}

// Notional returns price*qty in Qty units (quote-asset volume).
func Notional(p Price, q Qty) Qty {
	return Qty(int64(p) * int64(q) / PriceScale)
}
