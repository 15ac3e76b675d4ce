// Package brokerage holds the equity balance of one simulation and prices trades.
package brokerage

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

// ErrInsufficientEquity means a sell asked for more units than are held.
var ErrInsufficientEquity = errors.New("insufficient equity")

type Config struct {
	Ticker        string
	Fee           TradeFee
	ManagementFee ManagementFee
	// EquityScale is the number of decimal places a volume may carry; 0 means whole units.
	EquityScale int32
	Math        mathctx.Context
}

// Trade is a priced buy or sell. Value is Volume x Price; Fee is charged on top
// for buys and deducted from the proceeds for sells.
type Trade struct {
	Volume decimal.Decimal
	Price  decimal.Decimal
	Value  decimal.Decimal
	Fee    decimal.Decimal
}

// Cost is what a buy debits from cash.
func (t Trade) Cost() decimal.Decimal { return t.Value.Add(t.Fee) }

// Proceeds is what a sell credits to cash.
func (t Trade) Proceeds() decimal.Decimal { return t.Value.Sub(t.Fee) }

type Brokerage struct {
	cfg        Config
	dispatcher *events.Dispatcher

	holdings  decimal.Decimal
	feeSince  time.Time
	feeOwed   decimal.Decimal
	feeActive bool
}

func New(cfg Config, dispatcher *events.Dispatcher) *Brokerage {
	if cfg.Fee == nil {
		cfg.Fee = Fixed{}
	}
	if cfg.ManagementFee == nil {
		cfg.ManagementFee = NoManagementFee{}
	}
	return &Brokerage{cfg: cfg, dispatcher: dispatcher}
}

func (b *Brokerage) Holdings() decimal.Decimal { return b.holdings }

func (b *Brokerage) Ticker() string { return b.cfg.Ticker }

// QuoteBuy spends at most totalCost. The fee is computed on the gross
// totalCost and the remainder buys as many units as the equity scale allows.
// A zero volume means totalCost cannot buy anything at price.
func (b *Brokerage) QuoteBuy(totalCost, price decimal.Decimal) Trade {
	mc := b.cfg.Math
	fee := b.cfg.Fee.Compute(mc, totalCost)
	volume := decimal.Zero
	if net := totalCost.Sub(fee); net.IsPositive() && price.IsPositive() {
		volume = mc.Quotient(net, price, b.cfg.EquityScale)
	}
	value := mc.Mul(volume, price)
	// value is rounded to the math context and may still land above budget.
	unit := decimal.New(1, -b.cfg.EquityScale)
	for volume.IsPositive() && value.Add(fee).GreaterThan(totalCost) {
		volume = volume.Sub(unit)
		value = mc.Mul(volume, price)
	}
	if !volume.IsPositive() {
		volume, value = decimal.Zero, decimal.Zero
	}
	return Trade{Volume: volume, Price: price, Value: value, Fee: fee}
}

// QuoteSell prices selling volume units. The fee is computed on the gross
// value and never exceeds it.
func (b *Brokerage) QuoteSell(volume, price decimal.Decimal) Trade {
	mc := b.cfg.Math
	value := mc.Mul(volume, price)
	fee := decimal.Min(b.cfg.Fee.Compute(mc, value), value)
	return Trade{Volume: volume, Price: price, Value: value, Fee: fee}
}

func (b *Brokerage) Buy(date time.Time, t Trade) {
	before := b.holdings
	b.holdings = b.holdings.Add(t.Volume)
	b.publish(events.BrokerageBuy, date, t, before)
}

// Sell fails with ErrInsufficientEquity, leaving holdings untouched, when
// the trade volume exceeds the holdings.
func (b *Brokerage) Sell(date time.Time, t Trade) error {
	if t.Volume.GreaterThan(b.holdings) {
		return fmt.Errorf("%w: sell %s %s, holding %s", ErrInsufficientEquity, t.Volume, b.cfg.Ticker, b.holdings)
	}
	before := b.holdings
	b.holdings = b.holdings.Sub(t.Volume)
	b.publish(events.BrokerageSell, date, t, before)
	return nil
}

func (b *Brokerage) publish(kind events.BrokerageEventType, date time.Time, t Trade, before decimal.Decimal) {
	b.dispatcher.Publish(events.BrokerageEvent{
		Type:           kind,
		Date:           date,
		Ticker:         b.cfg.Ticker,
		Volume:         t.Volume,
		Price:          t.Price,
		TradeValue:     t.Value,
		Fee:            t.Fee,
		HoldingsBefore: before,
		HoldingsAfter:  b.holdings,
	})
}

// Update settles the management fee up to date. Fees start accruing on the
// first update; fractions below the equity scale carry over to the next charge.
func (b *Brokerage) Update(date time.Time) {
	date = model.Day(date)
	if !b.feeActive {
		b.feeActive = true
		b.feeSince = date
		return
	}
	due, since := b.cfg.ManagementFee.Due(b.cfg.Math, b.feeSince, date, b.holdings)
	b.feeSince = since
	b.feeOwed = b.feeOwed.Add(due)
	due = decimal.Min(b.feeOwed.RoundDown(b.cfg.EquityScale), b.holdings)
	if !due.IsPositive() {
		return
	}
	b.feeOwed = b.feeOwed.Sub(due)
	before := b.holdings
	b.holdings = b.holdings.Sub(due)
	b.dispatcher.Publish(events.EquityEvent{
		Type:           events.EquityManagementFee,
		Date:           date,
		Ticker:         b.cfg.Ticker,
		Volume:         due,
		HoldingsBefore: before,
		HoldingsAfter:  b.holdings,
	})
}
