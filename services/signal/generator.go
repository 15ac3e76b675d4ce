package signal

import (
	"fmt"

	"github.com/shopspring/decimal"

	"equity-backtest/services/indicator"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

// Generator is one configured signal source: an indicator plus the rule applied to it.
type Generator interface {
	Name() string
	// TradingDays is the number of trailing bars Generate needs.
	TradingDays() int
	Generate(mc mathctx.Context, bars []model.PriceBar, inRange DatePredicate) ([]DatedSignal, error)
}

type MACDBullishGenerator struct {
	MACD indicator.MACD
}

func (g MACDBullishGenerator) Name() string     { return g.MACD.Name() + " bullish" }
func (g MACDBullishGenerator) TradingDays() int { return g.MACD.TradingDays() }

func (g MACDBullishGenerator) Generate(mc mathctx.Context, bars []model.PriceBar, inRange DatePredicate) ([]DatedSignal, error) {
	lines, err := g.MACD.Calculate(mc, bars)
	if err != nil {
		return nil, err
	}
	return MACDBullish(lines.MACD, lines.Signal, inRange), nil
}

type MACDUptrendGenerator struct {
	MACD indicator.MACD
}

func (g MACDUptrendGenerator) Name() string     { return g.MACD.Name() + " uptrend" }
func (g MACDUptrendGenerator) TradingDays() int { return g.MACD.TradingDays() }

func (g MACDUptrendGenerator) Generate(mc mathctx.Context, bars []model.PriceBar, inRange DatePredicate) ([]DatedSignal, error) {
	lines, err := g.MACD.Calculate(mc, bars)
	if err != nil {
		return nil, err
	}
	return MACDUptrend(lines.MACD, inRange), nil
}

type RSIBullishGenerator struct {
	RSI      indicator.RSI
	Oversold decimal.Decimal
}

func (g RSIBullishGenerator) Name() string {
	return fmt.Sprintf("%s bullish above %s", g.RSI.Name(), g.Oversold)
}
func (g RSIBullishGenerator) TradingDays() int { return g.RSI.TradingDays() }

func (g RSIBullishGenerator) Generate(mc mathctx.Context, bars []model.PriceBar, inRange DatePredicate) ([]DatedSignal, error) {
	line, err := g.RSI.Calculate(mc, bars)
	if err != nil {
		return nil, err
	}
	return RSIBullish(line, g.Oversold, inRange), nil
}

type RSIBearishGenerator struct {
	RSI        indicator.RSI
	Overbought decimal.Decimal
}

func (g RSIBearishGenerator) Name() string {
	return fmt.Sprintf("%s bearish below %s", g.RSI.Name(), g.Overbought)
}
func (g RSIBearishGenerator) TradingDays() int { return g.RSI.TradingDays() }

func (g RSIBearishGenerator) Generate(mc mathctx.Context, bars []model.PriceBar, inRange DatePredicate) ([]DatedSignal, error) {
	line, err := g.RSI.Calculate(mc, bars)
	if err != nil {
		return nil, err
	}
	return RSIBearish(line, g.Overbought, inRange), nil
}

type SMAGradientGenerator struct {
	SMA    indicator.SMA
	Target Gradient
}

func (g SMAGradientGenerator) Name() string     { return g.SMA.Name() + " " + g.Target.String() }
func (g SMAGradientGenerator) TradingDays() int { return g.SMA.TradingDays() }

func (g SMAGradientGenerator) Generate(mc mathctx.Context, bars []model.PriceBar, inRange DatePredicate) ([]DatedSignal, error) {
	line, err := g.SMA.Calculate(mc, bars)
	if err != nil {
		return nil, err
	}
	return GradientSignals(line, g.Target, inRange), nil
}

type EMAGradientGenerator struct {
	EMA    indicator.EMA
	Target Gradient
}

func (g EMAGradientGenerator) Name() string     { return g.EMA.Name() + " " + g.Target.String() }
func (g EMAGradientGenerator) TradingDays() int { return g.EMA.TradingDays() }

func (g EMAGradientGenerator) Generate(mc mathctx.Context, bars []model.PriceBar, inRange DatePredicate) ([]DatedSignal, error) {
	line, err := g.EMA.Calculate(mc, bars)
	if err != nil {
		return nil, err
	}
	return GradientSignals(line, g.Target, inRange), nil
}

// StochasticBullishGenerator fires when %K climbs out of the oversold zone.
type StochasticBullishGenerator struct {
	Stochastic indicator.StochasticK
	Oversold   decimal.Decimal
}

func (g StochasticBullishGenerator) Name() string {
	return fmt.Sprintf("%s bullish above %s", g.Stochastic.Name(), g.Oversold)
}
func (g StochasticBullishGenerator) TradingDays() int { return g.Stochastic.TradingDays() }

func (g StochasticBullishGenerator) Generate(mc mathctx.Context, bars []model.PriceBar, inRange DatePredicate) ([]DatedSignal, error) {
	line, err := g.Stochastic.Calculate(mc, bars)
	if err != nil {
		return nil, err
	}
	return CrossAbove(line, g.Oversold, inRange), nil
}
