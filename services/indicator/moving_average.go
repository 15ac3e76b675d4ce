package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

// SMA is the simple moving average of closes.
type SMA struct {
	Lookback int `json:"lookback" yaml:"lookback"`
	Values   int `json:"values" yaml:"values"`
}

func (s SMA) Name() string     { return fmt.Sprintf("SMA(%d)", s.Lookback) }
func (s SMA) TradingDays() int { return s.Lookback + s.Values }

// Calculate emits one mean per date once Lookback closes are available.
func (s SMA) Calculate(mc mathctx.Context, bars []model.PriceBar) (Line, error) {
	if err := validate(bars, s.Lookback, s.Values); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	closes := model.Closes(bars)
	out := make(Line, 0, len(bars)-s.Lookback+1)
	for i := s.Lookback - 1; i < len(closes); i++ {
		out = append(out, Point{
			Date:  bars[i].Date,
			Value: mc.Mean(closes[i-s.Lookback+1 : i+1]),
		})
	}
	return out, nil
}

// EMA is the exponential moving average of closes, seeded with the first close.
type EMA struct {
	Lookback int `json:"lookback" yaml:"lookback"`
	Values   int `json:"values" yaml:"values"`
}

func (e EMA) Name() string     { return fmt.Sprintf("EMA(%d)", e.Lookback) }
func (e EMA) TradingDays() int { return e.Lookback + e.Values }

func (e EMA) Calculate(mc mathctx.Context, bars []model.PriceBar) (Line, error) {
	if err := validate(bars, e.Lookback, e.Values); err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name(), err)
	}
	return smooth(mc, closeLine(bars), e.Lookback), nil
}

// smooth applies alpha = 2/(lookback+1) over line, seeded by its first value,
// and drops the first lookback-1 points as warm-up.
func smooth(mc mathctx.Context, line Line, lookback int) Line {
	if len(line) < lookback {
		return nil
	}
	alpha := mc.Div(decimal.NewFromInt(2), decimal.NewFromInt(int64(lookback+1)))
	out := make(Line, 0, len(line)-lookback+1)
	ema := line[0].Value
	for i, p := range line {
		if i > 0 {
			ema = ema.Add(mc.Mul(alpha, p.Value.Sub(ema)))
		}
		if i >= lookback-1 {
			out = append(out, Point{Date: p.Date, Value: ema})
		}
	}
	return out
}
