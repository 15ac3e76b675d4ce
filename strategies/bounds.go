//! Position Bounds
//!
//! Sizes entry orders from the available funds within a minimum and a maximum fraction.

package strategies

import (
	"github.com/shopspring/decimal"

	"equity-backtest/services/mathctx"
)

// PositionBounds sizes entries: MaximumFraction of the available funds, but
// at least Minimum and never more than the funds.
type PositionBounds struct {
	Minimum         decimal.Decimal `yaml:"minimum" json:"minimum"`
	MaximumFraction decimal.Decimal `yaml:"maximum_fraction" json:"maximum_fraction"`
}

// Size returns the trade value for funds, or false when funds are below Minimum.
func (b PositionBounds) Size(mc mathctx.Context, funds decimal.Decimal) (decimal.Decimal, bool) {
	if funds.LessThan(b.Minimum) || !funds.IsPositive() {
		return decimal.Zero, false
	}
	value := decimal.Max(b.Minimum, mc.Mul(funds, b.MaximumFraction))
	return decimal.Min(value, funds), true
}
