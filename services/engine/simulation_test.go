package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/brokerage"
	"equity-backtest/services/cash"
	"equity-backtest/services/events"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
	"equity-backtest/services/roi"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bar(date time.Time, open, low, high, close string) model.PriceBar {
	return model.PriceBar{Date: date, Open: dec(open), Low: dec(low), High: dec(high), Close: dec(close)}
}

func flatBar(date time.Time, price string) model.PriceBar {
	return bar(date, price, price, price, price)
}

// scripted places pre-built orders on the days they are keyed by.
type scripted struct {
	warmUp  int
	entries map[time.Time]func(Day) *EquityOrder
	exits   map[time.Time]func(Day) *EquityOrder
	seen    []Day
}

func (s *scripted) WarmUp() int { return s.warmUp }

func (s *scripted) Exit(day Day) (*EquityOrder, error) {
	if f, ok := s.exits[day.Date]; ok {
		return f(day), nil
	}
	return nil, nil
}

func (s *scripted) Entry(day Day) (*EquityOrder, error) {
	s.seen = append(s.seen, day)
	if f, ok := s.entries[day.Date]; ok {
		return f(day), nil
	}
	return nil, nil
}

// recordingFee charges a fixed amount and remembers the values it was asked about.
type recordingFee struct {
	amount decimal.Decimal
	values *[]decimal.Decimal
}

func (f recordingFee) Compute(_ mathctx.Context, value decimal.Decimal) decimal.Decimal {
	*f.values = append(*f.values, value)
	return f.amount
}

type fixture struct {
	sim      *Simulation
	rec      *events.Recorder
	cash     *cash.Account
	broker   *brokerage.Brokerage
	strategy *scripted
}

func newFixture(t *testing.T, bars []model.PriceBar, start, end time.Time, funds string, fee brokerage.TradeFee, s *scripted, listeners ...events.Listener) *fixture {
	t.Helper()
	series, err := model.NewSeries(bars)
	if err != nil {
		t.Fatal(err)
	}
	rec := &events.Recorder{}
	d := events.NewDispatcher(append([]events.Listener{rec}, listeners...)...)
	acct := cash.NewAccount(cash.Config{OpeningFunds: dec(funds), Math: mathctx.Default}, d)
	broker := brokerage.New(brokerage.Config{Ticker: "ACME", Fee: fee, EquityScale: 2, Math: mathctx.Default}, d)
	sim, err := New(Config{
		RunID:      "test",
		Ticker:     "ACME",
		Start:      start,
		End:        end,
		Bars:       series,
		Strategy:   s,
		Cash:       acct,
		Brokerage:  broker,
		ROI:        roi.NewCalculator(mathctx.Default, d),
		Dispatcher: d,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{sim: sim, rec: rec, cash: acct, broker: broker, strategy: s}
}

func (f *fixture) count(types ...events.Type) int {
	n := 0
	for _, typ := range types {
		n += len(f.rec.OfType(typ))
	}
	return n
}

func (f *fixture) orderEvents(kind events.OrderEventType) []events.OrderEvent {
	var out []events.OrderEvent
	for _, e := range f.rec.OfType(events.TypeOrder) {
		if oe := e.(events.OrderEvent); oe.Type == kind {
			out = append(out, oe)
		}
	}
	return out
}

var (
	jan2 = model.NewDate(2024, 1, 2)
	jan3 = model.NewDate(2024, 1, 3)
	jan4 = model.NewDate(2024, 1, 4)
	jan5 = model.NewDate(2024, 1, 5)
	jan8 = model.NewDate(2024, 1, 8)
)

func entryOn(date time.Time, cost string, validity int, cond ExecutionCondition) map[time.Time]func(Day) *EquityOrder {
	return map[time.Time]func(Day) *EquityOrder{
		date: func(d Day) *EquityOrder { return NewEntryOrder("ACME", d.Date, dec(cost), validity, cond) },
	}
}

func TestMissingBarSkipsDayButAdvancesCursor(t *testing.T) {
	bars := []model.PriceBar{flatBar(jan2, "10"), flatBar(jan4, "10")}
	f := newFixture(t, bars, jan2, jan5, "100", brokerage.Fixed{}, &scripted{
		entries: entryOn(jan2, "50", 5, AtOpen{}),
	})
	if err := f.sim.Step(); err != nil {
		t.Fatal(err)
	}
	before := f.count(events.TypeCash, events.TypeBrokerage, events.TypeOrder)

	if err := f.sim.Step(); err != nil {
		t.Fatal(err)
	}
	if got := f.count(events.TypeCash, events.TypeBrokerage, events.TypeOrder); got != before {
		t.Fatalf("day without a bar emitted %d ledger events", got-before)
	}
	if !f.sim.Cursor().Equal(jan4) {
		t.Fatalf("cursor = %s, want %s", f.sim.Cursor(), jan4)
	}
	if len(f.sim.Outstanding()) != 1 {
		t.Fatal("outstanding order touched on a day without a bar")
	}
	if f.sim.State() != events.Running {
		t.Fatal("completed early")
	}
}

func TestFeeComputedOnGrossTradeValue(t *testing.T) {
	var seen []decimal.Decimal
	fee := recordingFee{amount: dec("5"), values: &seen}
	bars := []model.PriceBar{flatBar(jan2, "1"), flatBar(jan3, "1")}
	f := newFixture(t, bars, jan2, jan4, "100", fee, &scripted{
		entries: entryOn(jan2, "100", 1, AtOpen{}),
	})
	if err := f.sim.Run(); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 1 || !seen[0].Equal(dec("100")) {
		t.Fatalf("fee computed on %v, want [100]", seen)
	}
	buys := f.rec.OfType(events.TypeBrokerage)
	if len(buys) != 1 {
		t.Fatalf("brokerage events = %d, want 1", len(buys))
	}
	buy := buys[0].(events.BrokerageEvent)
	if !buy.Fee.Equal(dec("5")) || !buy.Volume.Equal(dec("95")) || !f.cash.Balance().IsZero() {
		t.Fatalf("buy %+v, cash %s", buy, f.cash.Balance())
	}
}

func TestInsufficientFundsDeletesOrderOnce(t *testing.T) {
	bars := []model.PriceBar{flatBar(jan2, "10"), flatBar(jan3, "10"), flatBar(jan4, "10"), flatBar(jan5, "10")}
	f := newFixture(t, bars, jan2, jan8, "100", brokerage.Fixed{}, &scripted{
		entries: entryOn(jan2, "150", 3, AtOpen{}),
	})
	if err := f.sim.Run(); err != nil {
		t.Fatal(err)
	}

	deleted := f.orderEvents(events.OrderDeleted)
	if len(deleted) != 1 {
		t.Fatalf("deletion events = %d, want 1", len(deleted))
	}
	if !deleted[0].Date.Equal(jan3) || deleted[0].Reason != reasonInsufficientFunds {
		t.Fatalf("deletion = %+v", deleted[0])
	}
	if len(f.sim.Outstanding()) != 0 {
		t.Fatal("deleted order still outstanding")
	}
	if f.count(events.TypeBrokerage) != 0 || !f.cash.Balance().Equal(dec("100")) {
		t.Fatal("deleted order mutated the ledgers")
	}
}

func TestEntrySpendingWholeBalanceAtUnitBoundary(t *testing.T) {
	bars := []model.PriceBar{flatBar(jan2, "20"), flatBar(jan3, "20")}
	f := newFixture(t, bars, jan2, jan4, "99.99999999985", brokerage.Fixed{}, &scripted{
		entries: entryOn(jan2, "99.99999999985", 1, AtOpen{}),
	})
	if err := f.sim.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	buys := f.rec.OfType(events.TypeBrokerage)
	if len(buys) != 1 {
		t.Fatalf("brokerage events = %d, want 1", len(buys))
	}
	if got := buys[0].(events.BrokerageEvent).Volume; !got.Equal(dec("4.99")) {
		t.Fatalf("volume = %s, want 4.99", got)
	}
	if !f.cash.Balance().Equal(dec("0.19999999985")) {
		t.Fatalf("cash = %s, want 0.19999999985", f.cash.Balance())
	}
	if len(f.orderEvents(events.OrderDeleted)) != 0 {
		t.Fatal("affordable order deleted")
	}
}

func TestCompleteNotifiedOnce(t *testing.T) {
	bars := []model.PriceBar{flatBar(jan2, "10"), flatBar(jan3, "11")}
	f := newFixture(t, bars, jan2, jan5, "100", brokerage.Fixed{}, &scripted{})
	if err := f.sim.Run(); err != nil {
		t.Fatal(err)
	}
	if f.sim.State() != events.Complete {
		t.Fatalf("state = %v", f.sim.State())
	}
	if n := f.count(events.TypeSimulationState); n != 1 {
		t.Fatalf("state notifications = %d, want 1", n)
	}
	var complete int
	for _, e := range f.rec.OfType(events.TypeNetWorth) {
		if e.(events.NetWorthEvent).State == events.Complete {
			complete++
		}
	}
	if complete != 1 {
		t.Fatalf("COMPLETE net worth events = %d, want 1", complete)
	}
	if err := f.sim.Run(); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run err = %v", err)
	}
	if err := f.sim.Step(); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("Step after completion err = %v", err)
	}
	if !f.sim.Cursor().Equal(jan5) {
		t.Fatalf("cursor = %s, want end date", f.sim.Cursor())
	}
}

func TestOversellAbortsRun(t *testing.T) {
	bars := []model.PriceBar{flatBar(jan2, "10"), flatBar(jan3, "10"), flatBar(jan4, "10")}
	f := newFixture(t, bars, jan2, jan5, "100", brokerage.Fixed{}, &scripted{
		exits: map[time.Time]func(Day) *EquityOrder{
			jan2: func(d Day) *EquityOrder {
				o := NewExitOrder("ACME", d.Date, 1, AtOpen{})
				o.EntireHolding = false
				o.Volume = dec("10")
				return o
			},
		},
	})
	err := f.sim.Run()
	if !errors.Is(err, ErrInvariantViolation) || !errors.Is(err, brokerage.ErrInsufficientEquity) {
		t.Fatalf("err = %v, want invariant violation wrapping ErrInsufficientEquity", err)
	}
	if f.sim.State() == events.Complete {
		t.Fatal("aborted run reported COMPLETE")
	}
}

func TestBuyThenSellEntireHolding(t *testing.T) {
	bars := []model.PriceBar{flatBar(jan2, "10"), flatBar(jan3, "10"), flatBar(jan4, "12"), flatBar(jan5, "12")}
	summary := NewSummary("test", "ACME", jan2, jan8)
	f := newFixture(t, bars, jan2, jan8, "100", brokerage.Fixed{}, &scripted{
		entries: entryOn(jan2, "100", 1, AtOpen{}),
		exits: map[time.Time]func(Day) *EquityOrder{
			jan3: func(d Day) *EquityOrder { return NewExitOrder("ACME", d.Date, 1, AtOpen{}) },
		},
	}, summary)
	if err := f.sim.Run(); err != nil {
		t.Fatal(err)
	}
	if !f.broker.Holdings().IsZero() || !f.cash.Balance().Equal(dec("120")) {
		t.Fatalf("holdings %s cash %s, want 0 and 120", f.broker.Holdings(), f.cash.Balance())
	}
	r := summary.Result()
	if r.EntryOrders != 1 || r.ExitOrders != 1 || r.Buys != 1 || r.Sells != 1 || !r.Complete {
		t.Fatalf("summary = %+v", r)
	}
	if !r.NetWorth.Equal(dec("120")) || !r.TotalDeposits.Equal(dec("100")) {
		t.Fatalf("net worth %s deposits %s", r.NetWorth, r.TotalDeposits)
	}
	if f.strategy.seen[1].Holdings.IsZero() {
		t.Fatal("strategy did not see the holding on the day after the buy")
	}
}

func TestOrderExpiresAfterValidity(t *testing.T) {
	bars := []model.PriceBar{
		flatBar(jan2, "10"), bar(jan3, "10", "9", "10", "9.5"), bar(jan4, "10", "9", "10", "9.5"), bar(jan5, "8", "7", "8", "7"),
	}
	f := newFixture(t, bars, jan2, jan8, "100", brokerage.Fixed{}, &scripted{
		entries: entryOn(jan2, "50", 2, LimitBuy{Limit: dec("8.5")}),
	})
	if err := f.sim.Run(); err != nil {
		t.Fatal(err)
	}
	if f.count(events.TypeBrokerage) != 0 || len(f.orderEvents(events.OrderDeleted)) != 0 {
		t.Fatal("expired order executed or was reported deleted")
	}
	if len(f.sim.Outstanding()) != 0 {
		t.Fatal("expired order still outstanding")
	}
}

func TestWarmUpChecked(t *testing.T) {
	series, err := model.NewSeries([]model.PriceBar{flatBar(jan2, "10"), flatBar(jan3, "10")})
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(Config{
		Start: jan3, End: jan5, Bars: series, Strategy: &scripted{warmUp: 3},
		Cash: cash.NewAccount(cash.Config{}, nil), Brokerage: brokerage.New(brokerage.Config{}, nil),
		ROI: roi.NewCalculator(mathctx.Default, nil),
	})
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("err = %v, want ErrInsufficientHistory", err)
	}
}

func TestExecutionConditions(t *testing.T) {
	tests := []struct {
		name  string
		cond  ExecutionCondition
		bar   model.PriceBar
		price string
		ok    bool
	}{
		{"at open", AtOpen{}, bar(jan2, "10", "9", "11", "10"), "10", true},
		{"limit touched", LimitBuy{Limit: dec("9.5")}, bar(jan2, "10", "9", "11", "10"), "9.5", true},
		{"limit gapped", LimitBuy{Limit: dec("9.5")}, bar(jan2, "9", "8", "10", "9"), "9", true},
		{"limit missed", LimitBuy{Limit: dec("8")}, bar(jan2, "10", "9", "11", "10"), "0", false},
		{"stop touched", StopSell{Stop: dec("9.5")}, bar(jan2, "10", "9", "11", "10"), "9.5", true},
		{"stop gapped", StopSell{Stop: dec("9.5")}, bar(jan2, "9", "8", "10", "9"), "9", true},
		{"stop missed", StopSell{Stop: dec("8")}, bar(jan2, "10", "9", "11", "10"), "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, ok := tt.cond.FillPrice(tt.bar)
			if ok != tt.ok || !price.Equal(dec(tt.price)) {
				t.Fatalf("FillPrice = %s, %v; want %s, %v", price, ok, tt.price, tt.ok)
			}
		})
	}
}
