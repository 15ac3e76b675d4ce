package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

var hundred = decimal.NewFromInt(100)

// RSI is the relative strength index with Wilder smoothing.
type RSI struct {
	Lookback int `json:"lookback" yaml:"lookback"`
	Values   int `json:"values" yaml:"values"`
}

func (r RSI) Name() string     { return fmt.Sprintf("RSI(%d)", r.Lookback) }
func (r RSI) TradingDays() int { return r.Lookback + r.Values }

// Calculate emits values from the bar after the first Lookback price changes.
// A series without gains or losses reads 0.
func (r RSI) Calculate(mc mathctx.Context, bars []model.PriceBar) (Line, error) {
	if err := validate(bars, r.Lookback, r.Values); err != nil {
		return nil, fmt.Errorf("%s: %w", r.Name(), err)
	}

	period := decimal.NewFromInt(int64(r.Lookback))
	previousWeight := decimal.NewFromInt(int64(r.Lookback - 1))

	var gainSum, lossSum decimal.Decimal
	for i := 1; i <= r.Lookback; i++ {
		gain, loss := change(bars[i-1].Close, bars[i].Close)
		gainSum = gainSum.Add(gain)
		lossSum = lossSum.Add(loss)
	}
	avgGain := mc.Div(gainSum, period)
	avgLoss := mc.Div(lossSum, period)

	out := make(Line, 0, len(bars)-r.Lookback)
	out = append(out, Point{Date: bars[r.Lookback].Date, Value: strength(mc, avgGain, avgLoss)})
	for i := r.Lookback + 1; i < len(bars); i++ {
		gain, loss := change(bars[i-1].Close, bars[i].Close)
		avgGain = mc.Div(mc.Mul(avgGain, previousWeight).Add(gain), period)
		avgLoss = mc.Div(mc.Mul(avgLoss, previousWeight).Add(loss), period)
		out = append(out, Point{Date: bars[i].Date, Value: strength(mc, avgGain, avgLoss)})
	}
	return out, nil
}

func change(yesterday, today decimal.Decimal) (gain, loss decimal.Decimal) {
	delta := today.Sub(yesterday)
	if delta.IsPositive() {
		return delta, decimal.Zero
	}
	return decimal.Zero, delta.Neg()
}

func strength(mc mathctx.Context, avgGain, avgLoss decimal.Decimal) decimal.Decimal {
	switch {
	case avgLoss.IsZero() && avgGain.IsZero():
		return decimal.Zero
	case avgLoss.IsZero():
		return hundred
	}
	rs := mc.Div(avgGain, avgLoss)
	return hundred.Sub(mc.Div(hundred, decimal.NewFromInt(1).Add(rs)))
}
