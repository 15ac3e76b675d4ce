package indicator

import (
	"fmt"

	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

// MACD is the difference of a fast and a slow EMA with its own signal line.
type MACD struct {
	Fast   int `json:"fast" yaml:"fast"`
	Slow   int `json:"slow" yaml:"slow"`
	Signal int `json:"signal" yaml:"signal"`
	Values int `json:"values" yaml:"values"`
}

// MACDLines pairs the MACD line with its signal line.
type MACDLines struct {
	MACD   Line
	Signal Line
}

func (m MACD) Name() string { return fmt.Sprintf("MACD(%d,%d,%d)", m.Fast, m.Slow, m.Signal) }

func (m MACD) TradingDays() int { return m.Slow + m.Signal + m.Values }

// Calculate returns the MACD line and the signal line; both end on the last bar.
func (m MACD) Calculate(mc mathctx.Context, bars []model.PriceBar) (MACDLines, error) {
	if m.Fast <= 1 || m.Signal <= 1 {
		return MACDLines{}, fmt.Errorf("%s: %w: fast and signal periods must be greater than 1", m.Name(), ErrInvalidArgument)
	}
	if m.Fast >= m.Slow {
		return MACDLines{}, fmt.Errorf("%s: %w: fast period must be shorter than slow", m.Name(), ErrInvalidArgument)
	}
	if err := validate(bars, m.Slow+m.Signal, m.Values); err != nil {
		return MACDLines{}, fmt.Errorf("%s: %w", m.Name(), err)
	}

	closes := closeLine(bars)
	fast, slow := Align(smooth(mc, closes, m.Fast), smooth(mc, closes, m.Slow))

	macd := make(Line, len(fast))
	for i := range fast {
		macd[i] = Point{Date: fast[i].Date, Value: fast[i].Value.Sub(slow[i].Value)}
	}
	return MACDLines{MACD: macd, Signal: smooth(mc, macd, m.Signal)}, nil
}
