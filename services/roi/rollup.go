package roi

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
)

type Period string

const (
	Daily   Period = "DAILY"
	Weekly  Period = "WEEKLY"
	Monthly Period = "MONTHLY"
	Yearly  Period = "YEARLY"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Daily, Weekly, Monthly, Yearly:
		return p, nil
	case "":
		return Daily, nil
	}
	return "", fmt.Errorf("unknown roi period %q", s)
}

// key identifies the period a date falls in.
func (p Period) key(t time.Time) int {
	switch p {
	case Weekly:
		y, w := t.ISOWeek()
		return y*100 + w
	case Monthly:
		return t.Year()*100 + int(t.Month())
	case Yearly:
		return t.Year()
	}
	return t.Year()*1000 + t.YearDay()
}

// PeriodicRollup sums daily returns and publishes one event per completed
// period to Out. A period still open when the run ends is not published.
type PeriodicRollup struct {
	Period Period
	Out    events.Listener

	open  bool
	key   int
	sum   decimal.Decimal
	start time.Time
	end   time.Time
}

func NewPeriodicRollup(p Period, out events.Listener) *PeriodicRollup {
	return &PeriodicRollup{Period: p, Out: out}
}

func (r *PeriodicRollup) OnEvent(e events.Event) {
	roi, ok := e.(events.ReturnOnInvestmentEvent)
	if !ok || roi.Period != string(Daily) {
		return
	}
	k := r.Period.key(roi.InclusiveEnd)
	if r.open && k != r.key {
		r.Out.OnEvent(events.ReturnOnInvestmentEvent{
			Percentage:     r.sum,
			ExclusiveStart: r.start,
			InclusiveEnd:   r.end,
			Period:         string(r.Period),
		})
		r.open = false
	}
	if !r.open {
		r.open = true
		r.key = k
		r.sum = decimal.Zero
		r.start = roi.ExclusiveStart
	}
	r.sum = r.sum.Add(roi.Percentage)
	r.end = roi.InclusiveEnd
}

// Cumulative adds up the percentage of every return event of its period.
// Returns are summed, not compounded.
type Cumulative struct {
	Period Period
	total  decimal.Decimal
	count  int
}

func (c *Cumulative) OnEvent(e events.Event) {
	roi, ok := e.(events.ReturnOnInvestmentEvent)
	if !ok {
		return
	}
	p := c.Period
	if p == "" {
		p = Daily
	}
	if roi.Period != string(p) {
		return
	}
	c.total = c.total.Add(roi.Percentage)
	c.count++
}

func (c *Cumulative) Total() decimal.Decimal { return c.total }

func (c *Cumulative) Count() int { return c.count }
