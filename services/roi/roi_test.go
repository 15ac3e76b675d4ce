package roi

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func roiEvent(pct string, from, to time.Time) events.ReturnOnInvestmentEvent {
	return events.ReturnOnInvestmentEvent{Percentage: d(pct), ExclusiveStart: from, InclusiveEnd: to, Period: string(Daily)}
}

func TestCumulativeSums(t *testing.T) {
	c := &Cumulative{}
	day := model.NewDate(2024, 1, 1)
	for i, pct := range []string{"22", "33", "4.35"} {
		c.OnEvent(roiEvent(pct, day.AddDate(0, 0, i), day.AddDate(0, 0, i+1)))
	}
	c.OnEvent(events.SimulationStateEvent{Date: day, State: events.Complete})

	if !c.Total().Equal(d("59.35")) {
		t.Fatalf("cumulative = %s, want 59.35", c.Total())
	}
	if c.Count() != 3 {
		t.Fatalf("count = %d, want 3", c.Count())
	}
}

func TestCalculatorExcludesDeposits(t *testing.T) {
	rec := &events.Recorder{}
	calc := NewCalculator(mathctx.Default, events.NewDispatcher(rec))
	day := model.NewDate(2024, 1, 2)

	calc.Update(Snapshot{Date: day, Holdings: d("10"), Close: d("10"), Cash: d("900"), TotalDeposits: d("1000")})
	if len(rec.OfType(events.TypeReturnOnInvest)) != 0 {
		t.Fatal("return emitted on the first update")
	}
	// +100 deposit and +50 price gain: only the gain counts.
	nw := calc.Update(Snapshot{Date: day.AddDate(0, 0, 1), Holdings: d("10"), Close: d("15"), Cash: d("1000"), TotalDeposits: d("1100")})
	if !nw.Equal(d("1150")) {
		t.Fatalf("net worth = %s, want 1150", nw)
	}
	got := rec.OfType(events.TypeReturnOnInvest)
	if len(got) != 1 {
		t.Fatalf("roi events = %d, want 1", len(got))
	}
	e := got[0].(events.ReturnOnInvestmentEvent)
	if !e.Percentage.Equal(d("5")) || !e.ExclusiveStart.Equal(day) {
		t.Fatalf("roi = %+v, want 5%% from %s", e, day)
	}
}

func TestCalculatorZeroCases(t *testing.T) {
	tests := []struct {
		name       string
		first, sec Snapshot
	}{
		{"no change", Snapshot{Cash: d("100")}, Snapshot{Cash: d("100")}},
		{"deposit only", Snapshot{Cash: d("100"), TotalDeposits: d("100")}, Snapshot{Cash: d("150"), TotalDeposits: d("150")}},
		{"zero previous", Snapshot{}, Snapshot{Cash: d("100"), TotalDeposits: d("0")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &events.Recorder{}
			calc := NewCalculator(mathctx.Default, events.NewDispatcher(rec))
			tt.first.Date = model.NewDate(2024, 1, 2)
			tt.sec.Date = model.NewDate(2024, 1, 3)
			calc.Update(tt.first)
			calc.Update(tt.sec)
			e := rec.OfType(events.TypeReturnOnInvest)[0].(events.ReturnOnInvestmentEvent)
			if !e.Percentage.Equal(decimal.Zero) || e.Percentage.Exponent() != 0 {
				t.Fatalf("percentage = %s, want exactly 0", e.Percentage)
			}
		})
	}
}

func TestCompleteRepublishesLastNetWorth(t *testing.T) {
	rec := &events.Recorder{}
	calc := NewCalculator(mathctx.Default, events.NewDispatcher(rec))
	calc.Update(Snapshot{Date: model.NewDate(2024, 1, 2), Cash: d("42")})
	calc.Complete(model.NewDate(2024, 1, 5))

	nws := rec.OfType(events.TypeNetWorth)
	final := nws[len(nws)-1].(events.NetWorthEvent)
	if final.State != events.Complete || !final.NetWorth.Equal(d("42")) || !final.Date.Equal(model.NewDate(2024, 1, 5)) {
		t.Fatalf("final = %+v", final)
	}
	if first := nws[0].(events.NetWorthEvent); first.State != events.Running {
		t.Fatalf("first state = %v, want RUNNING", first.State)
	}
}

func TestPeriodicRollup(t *testing.T) {
	out := &events.Recorder{}
	r := NewPeriodicRollup(Monthly, out)
	days := []time.Time{
		model.NewDate(2024, 1, 30), model.NewDate(2024, 1, 31),
		model.NewDate(2024, 2, 1), model.NewDate(2024, 2, 29),
		model.NewDate(2024, 3, 1), model.NewDate(2024, 3, 4),
	}
	pcts := []string{"1", "2", "3", "-1", "0.5"}
	for i := 1; i < len(days); i++ {
		r.OnEvent(roiEvent(pcts[i-1], days[i-1], days[i]))
	}

	if len(out.Events) != 2 {
		t.Fatalf("periodic events = %d, want 2 (March still open)", len(out.Events))
	}
	jan := out.Events[0].(events.ReturnOnInvestmentEvent)
	feb := out.Events[1].(events.ReturnOnInvestmentEvent)
	if !jan.Percentage.Equal(d("1")) || !jan.InclusiveEnd.Equal(days[1]) || jan.Period != string(Monthly) {
		t.Errorf("january = %+v", jan)
	}
	if !feb.Percentage.Equal(d("5")) || !feb.ExclusiveStart.Equal(days[1]) || !feb.InclusiveEnd.Equal(days[3]) {
		t.Errorf("february = %+v", feb)
	}
}

func TestParsePeriod(t *testing.T) {
	if p, err := ParsePeriod(""); err != nil || p != Daily {
		t.Fatalf("ParsePeriod(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePeriod("FORTNIGHTLY"); err == nil {
		t.Fatal("unknown period accepted")
	}
}
