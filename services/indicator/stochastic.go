package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

// flatRangeDivisor replaces highestHigh-lowestLow when the window has no range.
var flatRangeDivisor = decimal.RequireFromString("0.01")

// StochasticK is the stochastic oscillator %K over a trailing window.
type StochasticK struct {
	Lookback int `json:"lookback" yaml:"lookback"`
	Values   int `json:"values" yaml:"values"`
}

func (s StochasticK) Name() string     { return fmt.Sprintf("StochasticK(%d)", s.Lookback) }
func (s StochasticK) TradingDays() int { return s.Lookback + s.Values }

// Calculate emits %K within [0, 100] for every bar with a full window.
func (s StochasticK) Calculate(mc mathctx.Context, bars []model.PriceBar) (Line, error) {
	if err := validate(bars, s.Lookback, s.Values); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	out := make(Line, 0, len(bars)-s.Lookback+1)
	for i := s.Lookback - 1; i < len(bars); i++ {
		window := bars[i-s.Lookback+1 : i+1]
		highest, lowest := window[0].High, window[0].Low
		for _, b := range window[1:] {
			highest = decimal.Max(highest, b.High)
			lowest = decimal.Min(lowest, b.Low)
		}
		divisor := highest.Sub(lowest)
		if divisor.IsZero() {
			divisor = flatRangeDivisor
		}
		k := mc.Percent(bars[i].Close.Sub(lowest), divisor)
		k = decimal.Min(hundred, decimal.Max(decimal.Zero, k))
		out = append(out, Point{Date: bars[i].Date, Value: k})
	}
	return out, nil
}
