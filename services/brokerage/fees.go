package brokerage

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"equity-backtest/services/mathctx"
)

var daysPerYear = decimal.NewFromInt(365)

// TradeFee computes the fee charged on the gross value of a trade.
type TradeFee interface {
	Compute(mc mathctx.Context, tradeValue decimal.Decimal) decimal.Decimal
}

// Fixed charges the same amount on every trade.
type Fixed struct {
	Amount decimal.Decimal `yaml:"amount" json:"amount"`
}

func (f Fixed) Compute(_ mathctx.Context, _ decimal.Decimal) decimal.Decimal { return f.Amount }

// Percentage charges Rate (a fraction) of the trade value, never less than Minimum.
type Percentage struct {
	Rate    decimal.Decimal `yaml:"rate" json:"rate"`
	Minimum decimal.Decimal `yaml:"minimum" json:"minimum"`
}

func (p Percentage) Compute(mc mathctx.Context, tradeValue decimal.Decimal) decimal.Decimal {
	return decimal.Max(mc.Mul(tradeValue, p.Rate), p.Minimum)
}

// Tier applies to trade values up to and including UpTo.
type Tier struct {
	UpTo  decimal.Decimal `yaml:"up_to" json:"up_to"`
	Fixed decimal.Decimal `yaml:"fixed" json:"fixed"`
	Rate  decimal.Decimal `yaml:"rate" json:"rate"`
}

// Laddered picks the first tier whose UpTo covers the trade value; larger
// trades pay AboveRate. Tiers must be in ascending UpTo order.
type Laddered struct {
	Tiers     []Tier          `yaml:"tiers" json:"tiers"`
	AboveRate decimal.Decimal `yaml:"above_rate" json:"above_rate"`
}

func (l Laddered) Compute(mc mathctx.Context, tradeValue decimal.Decimal) decimal.Decimal {
	for _, t := range l.Tiers {
		if tradeValue.LessThanOrEqual(t.UpTo) {
			return t.Fixed.Add(mc.Mul(tradeValue, t.Rate))
		}
	}
	return mc.Mul(tradeValue, l.AboveRate)
}

// ManagementFee deducts equity units over time, independent of trading.
type ManagementFee interface {
	// Due returns the units owed for (since, date] on the given holdings and
	// the date the fee is now settled to.
	Due(mc mathctx.Context, since, date time.Time, holdings decimal.Decimal) (decimal.Decimal, time.Time)
}

type NoManagementFee struct{}

func (NoManagementFee) Due(_ mathctx.Context, since, _ time.Time, _ decimal.Decimal) (decimal.Decimal, time.Time) {
	return decimal.Zero, since
}

// PeriodicManagementFee charges AnnualRate pro rata at every activation of a
// cron schedule, for the calendar days since the previous charge.
type PeriodicManagementFee struct {
	AnnualRate decimal.Decimal
	Spec       string
	schedule   cron.Schedule
}

func NewPeriodicManagementFee(spec string, annualRate decimal.Decimal) (PeriodicManagementFee, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return PeriodicManagementFee{}, err
	}
	return PeriodicManagementFee{AnnualRate: annualRate, Spec: spec, schedule: s}, nil
}

func (p PeriodicManagementFee) Due(mc mathctx.Context, since, date time.Time, holdings decimal.Decimal) (decimal.Decimal, time.Time) {
	total := decimal.Zero
	for t := p.schedule.Next(since); !t.After(date); t = p.schedule.Next(t) {
		days := decimal.NewFromInt(int64(t.Sub(since).Hours() / 24))
		due := mc.Div(mc.Mul(mc.Mul(holdings.Sub(total), p.AnnualRate), days), daysPerYear)
		total = total.Add(due)
		since = t
	}
	return total, since
}
