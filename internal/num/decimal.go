// Package num holds the fixed-precision arithmetic helpers shared by the
// book, risk and settlement code. All money math goes through
// shopspring/decimal; no float ever touches a book field.
package num

import (
	"github.com/shopspring/decimal"
)

// Scales declared per field. Multiplication grows scale naturally; division
// must name the scale it rounds to.
const (
	// PriceScale is the canonical scale prices are quoted at.
	PriceScale int32 = 8
	// QtyScale is the canonical scale quantities are expressed at.
	QtyScale int32 = 8
)

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
)

// FromString parses a decimal, returning an error on malformed input.
func FromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// MustParse parses a decimal literal and panics on malformed input. Only for
// constants and tests.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Notional is price * quantity, computed exactly. The result carries the sum
// of the operand scales.
func Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}

// DivBank divides a by b and rounds half-even at the given scale. The only
// sanctioned division in book math.
func DivBank(a, b decimal.Decimal, scale int32) decimal.Decimal {
	// Truncate at the scale, then settle the dropped remainder exactly: more
	// than half a unit rounds away from zero, exactly half rounds to even.
	q, r := a.QuoRem(b, scale)
	twice := r.Abs().Mul(decimal.NewFromInt(2))
	cmp := twice.Cmp(b.Abs().Shift(-scale))
	odd := !q.Shift(scale).Mod(decimal.NewFromInt(2)).IsZero()
	if cmp > 0 || (cmp == 0 && odd) {
		q = q.Add(decimal.New(int64(a.Sign()*b.Sign()), -scale))
	}
	return q
}

// Key returns the canonicalized representation used for map keys and
// hashing: trailing zeros stripped so 2000.00 and 2000.000 collide.
func Key(d decimal.Decimal) string {
	return d.String()
}

// IsPositive reports d > 0.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}
