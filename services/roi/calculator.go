// Package roi tracks net worth and the return on investment between updates.
package roi

import (
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
	"equity-backtest/services/mathctx"
)

// Snapshot is the account state net worth is computed from.
type Snapshot struct {
	Date          time.Time
	Holdings      decimal.Decimal
	Close         decimal.Decimal
	Cash          decimal.Decimal
	TotalDeposits decimal.Decimal
}

type networth struct {
	date     time.Time
	value    decimal.Decimal
	deposits decimal.Decimal
	event    events.NetWorthEvent
}

// Calculator emits a NetWorthEvent on every update and, from the second update
// on, the return since the previous one.
type Calculator struct {
	mc         mathctx.Context
	dispatcher *events.Dispatcher
	last       *networth
}

func NewCalculator(mc mathctx.Context, dispatcher *events.Dispatcher) *Calculator {
	return &Calculator{mc: mc, dispatcher: dispatcher}
}

// Update records the snapshot and returns its net worth.
func (c *Calculator) Update(s Snapshot) decimal.Decimal {
	equity := c.mc.Mul(s.Holdings, s.Close)
	current := &networth{
		date:     s.Date,
		value:    s.Cash.Add(equity),
		deposits: s.TotalDeposits,
	}
	current.event = events.NetWorthEvent{
		Date:        s.Date,
		Cash:        s.Cash,
		Holdings:    s.Holdings,
		Close:       s.Close,
		EquityValue: equity,
		NetWorth:    current.value,
		State:       events.Running,
	}
	c.dispatcher.Publish(current.event)

	if c.last != nil {
		c.dispatcher.Publish(events.ReturnOnInvestmentEvent{
			Percentage:     c.percentage(c.last, current),
			ExclusiveStart: c.last.date,
			InclusiveEnd:   current.date,
			Period:         string(Daily),
		})
	}
	c.last = current
	return current.value
}

// percentage is the change in net worth not explained by deposits, relative
// to the previous net worth.
func (c *Calculator) percentage(prev, cur *networth) decimal.Decimal {
	delta := cur.value.Sub(prev.value).Sub(cur.deposits.Sub(prev.deposits))
	if delta.IsZero() || prev.value.IsZero() {
		return decimal.Zero
	}
	return c.mc.Percent(delta, prev.value)
}

// NetWorth is the most recent net worth, zero before the first update.
func (c *Calculator) NetWorth() decimal.Decimal {
	if c.last == nil {
		return decimal.Zero
	}
	return c.last.value
}

// Complete republishes the last net worth as the final one.
func (c *Calculator) Complete(date time.Time) {
	final := events.NetWorthEvent{Date: date, State: events.Complete}
	if c.last != nil {
		final = c.last.event
		final.Date = date
		final.State = events.Complete
	}
	c.dispatcher.Publish(final)
}
