package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"equity-backtest/services/model"
)

type OrderKind int

const (
	OrderEntry OrderKind = iota
	OrderExit
)

func (k OrderKind) String() string {
	if k == OrderExit {
		return "EXIT"
	}
	return "ENTRY"
}

// ExecutionCondition decides whether a bar lets an order execute and at what price.
type ExecutionCondition interface {
	FillPrice(bar model.PriceBar) (decimal.Decimal, bool)
}

// AtOpen executes at the open of the first valid bar.
type AtOpen struct{}

func (AtOpen) FillPrice(bar model.PriceBar) (decimal.Decimal, bool) { return bar.Open, true }

// LimitBuy executes once the low touches Limit, at the open when the bar gaps below it.
type LimitBuy struct {
	Limit decimal.Decimal
}

func (c LimitBuy) FillPrice(bar model.PriceBar) (decimal.Decimal, bool) {
	if bar.Low.GreaterThan(c.Limit) {
		return decimal.Zero, false
	}
	if bar.Open.LessThanOrEqual(c.Limit) {
		return bar.Open, true
	}
	return c.Limit, true
}

// StopSell executes once the low touches Stop, at the open when the bar gaps below it.
type StopSell struct {
	Stop decimal.Decimal
}

func (c StopSell) FillPrice(bar model.PriceBar) (decimal.Decimal, bool) {
	if bar.Low.GreaterThan(c.Stop) {
		return decimal.Zero, false
	}
	if bar.Open.LessThanOrEqual(c.Stop) {
		return bar.Open, true
	}
	return c.Stop, true
}

// EquityOrder is an instruction carried across trading days until it executes,
// expires, or is deleted for lack of funds. Entry orders spend TotalCost; exit
// orders sell Volume, or the whole holding at execution when EntireHolding is set.
type EquityOrder struct {
	ID            string
	Kind          OrderKind
	Ticker        string
	TotalCost     decimal.Decimal
	Volume        decimal.Decimal
	EntireHolding bool
	Created       time.Time
	// Validity is the number of trading days after Created the order may execute on.
	Validity  int
	Condition ExecutionCondition
	Reason    string

	age int
}

func NewEntryOrder(ticker string, created time.Time, totalCost decimal.Decimal, validity int, cond ExecutionCondition) *EquityOrder {
	return &EquityOrder{
		ID:        uuid.NewString(),
		Kind:      OrderEntry,
		Ticker:    ticker,
		TotalCost: totalCost,
		Created:   created,
		Validity:  validity,
		Condition: cond,
	}
}

// NewExitOrder sells the entire holding at execution time.
func NewExitOrder(ticker string, created time.Time, validity int, cond ExecutionCondition) *EquityOrder {
	return &EquityOrder{
		ID:            uuid.NewString(),
		Kind:          OrderExit,
		Ticker:        ticker,
		EntireHolding: true,
		Created:       created,
		Validity:      validity,
		Condition:     cond,
	}
}

func (o *EquityOrder) String() string {
	return fmt.Sprintf("%s %s order %s created %s", o.Kind, o.Ticker, o.ID, o.Created.Format(time.DateOnly))
}

// advance counts one more trading day against the order and reports whether
// it is still within its validity window.
func (o *EquityOrder) advance() bool {
	o.age++
	return o.age <= o.Validity
}
