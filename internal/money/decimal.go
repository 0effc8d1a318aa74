// Package money implements fixed-point decimal arithmetic for amounts and
// exchange rates. Values are integer units at a declared scale; every
// rounding operation is HALF_UP. Floats never touch monetary values.
package money

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/openfinance/core/internal/oferr"
)

// Decimal is an immutable fixed-point number: units × 10^-scale.
type Decimal struct {
	units *big.Int
	scale int
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Parse reads a decimal string and normalizes it to the given scale with
// HALF_UP rounding. Accepts an optional leading minus and a single dot.
func Parse(s string, scale int) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Decimal{}, oferr.New(oferr.KindValidation, "decimal_invalid", "empty decimal")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if hasDot && fracPart == "" {
		return Decimal{}, oferr.Newf(oferr.KindValidation, "decimal_invalid", "malformed decimal %q", s)
	}
	for _, part := range []string{intPart, fracPart} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return Decimal{}, oferr.Newf(oferr.KindValidation, "decimal_invalid", "malformed decimal %q", s)
			}
		}
	}

	digits := intPart + fracPart
	units, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Decimal{}, oferr.Newf(oferr.KindValidation, "decimal_invalid", "malformed decimal %q", s)
	}
	if neg {
		units.Neg(units)
	}
	d := Decimal{units: units, scale: len(fracPart)}
	return d.Rescale(scale), nil
}

// MustParse is Parse for literals in tests and seeds.
func MustParse(s string, scale int) Decimal {
	d, err := Parse(s, scale)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns 0 at the given scale.
func Zero(scale int) Decimal {
	return Decimal{units: big.NewInt(0), scale: scale}
}

// Rescale converts to a new scale, rounding HALF_UP when precision drops.
func (d Decimal) Rescale(scale int) Decimal {
	if d.units == nil {
		return Zero(scale)
	}
	if scale == d.scale {
		return d
	}
	if scale > d.scale {
		return Decimal{units: new(big.Int).Mul(d.units, pow10(scale-d.scale)), scale: scale}
	}
	div := pow10(d.scale - scale)
	q, r := new(big.Int).QuoRem(d.units, div, new(big.Int))
	r.Abs(r)
	r.Mul(r, big.NewInt(2))
	if r.Cmp(div) >= 0 {
		if d.units.Sign() < 0 {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return Decimal{units: q, scale: scale}
}

// Mul multiplies two decimals and rounds the product HALF_UP to scale.
func (d Decimal) Mul(o Decimal, scale int) Decimal {
	if d.units == nil || o.units == nil {
		return Zero(scale)
	}
	prod := Decimal{units: new(big.Int).Mul(d.units, o.units), scale: d.scale + o.scale}
	return prod.Rescale(scale)
}

// Add returns d + o at d's scale.
func (d Decimal) Add(o Decimal) Decimal {
	o = o.Rescale(d.Scale())
	if d.units == nil {
		return o
	}
	return Decimal{units: new(big.Int).Add(d.units, o.units), scale: d.scale}
}

// Sign reports -1, 0 or +1.
func (d Decimal) Sign() int {
	if d.units == nil {
		return 0
	}
	return d.units.Sign()
}

// IsPositive reports whether d > 0.
func (d Decimal) IsPositive() bool { return d.Sign() > 0 }

// Scale returns the number of fractional digits.
func (d Decimal) Scale() int { return d.scale }

// String renders the canonical form, always with exactly scale fractional
// digits ("90.00", "0.900000").
func (d Decimal) String() string {
	if d.units == nil {
		return Zero(d.scale).String()
	}
	abs := new(big.Int).Abs(d.units)
	sign := ""
	if d.units.Sign() < 0 {
		sign = "-"
	}
	if d.scale == 0 {
		return sign + abs.String()
	}
	q, r := new(big.Int).QuoRem(abs, pow10(d.scale), new(big.Int))
	return fmt.Sprintf("%s%s.%0*s", sign, q.String(), d.scale, r.String())
}

// Equal reports value equality regardless of scale.
func (d Decimal) Equal(o Decimal) bool {
	target := d.scale
	if o.scale > target {
		target = o.scale
	}
	a := d.Rescale(target)
	b := o.Rescale(target)
	if a.units == nil || b.units == nil {
		return a.Sign() == b.Sign()
	}
	return a.units.Cmp(b.units) == 0
}
