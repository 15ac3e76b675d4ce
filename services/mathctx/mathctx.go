// Package mathctx carries the scale and rounding applied to every decimal multiply and divide.
package mathctx

import "github.com/shopspring/decimal"

// Rounding selects how results are cut back to the context scale.
type Rounding int

const (
	HalfUp Rounding = iota
	HalfEven
	Down
)

// guardDigits are carried through a division before the final rounding step.
const guardDigits = 8

var hundred = decimal.NewFromInt(100)

// Context is the math context threaded through indicators, fees, interest and ROI.
type Context struct {
	Scale    int32
	Rounding Rounding
}

// Default is the context used when a run definition does not name one.
var Default = Context{Scale: 10, Rounding: HalfUp}

// ParseRounding maps a configuration name onto a Rounding.
func ParseRounding(name string) (Rounding, bool) {
	switch name {
	case "", "half_up":
		return HalfUp, true
	case "half_even":
		return HalfEven, true
	case "down":
		return Down, true
	}
	return HalfUp, false
}

// Round cuts d back to the context scale.
func (c Context) Round(d decimal.Decimal) decimal.Decimal {
	switch c.Rounding {
	case HalfEven:
		return d.RoundBank(c.Scale)
	case Down:
		return d.RoundDown(c.Scale)
	default:
		return d.Round(c.Scale)
	}
}

// Mul returns a*b rounded to the context.
func (c Context) Mul(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.Mul(b))
}

// Div returns a/b rounded to the context. b must not be zero.
func (c Context) Div(a, b decimal.Decimal) decimal.Decimal {
	return c.Round(a.DivRound(b, c.Scale+guardDigits))
}

// Quotient returns a/b truncated toward zero at places decimals. Unlike Div
// it never carries a quotient up across a unit boundary. b must not be zero.
func (Context) Quotient(a, b decimal.Decimal, places int32) decimal.Decimal {
	q, _ := a.QuoRem(b, places)
	return q
}

// Mean is the arithmetic mean of values; zero for an empty slice.
func (c Context) Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return c.Div(decimal.Sum(values[0], values[1:]...), decimal.NewFromInt(int64(len(values))))
}

// Percent expresses part/whole as a percentage. whole must not be zero.
func (c Context) Percent(part, whole decimal.Decimal) decimal.Decimal {
	return c.Round(part.Mul(hundred).DivRound(whole, c.Scale+guardDigits))
}
