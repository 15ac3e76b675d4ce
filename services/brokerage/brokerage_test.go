package brokerage

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTradeFees(t *testing.T) {
	ladder := Laddered{
		Tiers: []Tier{
			{UpTo: d("1000"), Fixed: d("5")},
			{UpTo: d("10000"), Fixed: d("5"), Rate: d("0.001")},
		},
		AboveRate: d("0.002"),
	}
	tests := []struct {
		name  string
		fee   TradeFee
		value string
		want  string
	}{
		{"fixed", Fixed{Amount: d("9.95")}, "2500", "9.95"},
		{"percentage", Percentage{Rate: d("0.05")}, "100", "5"},
		{"percentage minimum", Percentage{Rate: d("0.001"), Minimum: d("10")}, "100", "10"},
		{"ladder first tier inclusive", ladder, "1000", "5"},
		{"ladder second tier", ladder, "5000", "10"},
		{"ladder above", ladder, "20000", "40"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fee.Compute(mathctx.Default, d(tt.value))
			if !got.Equal(d(tt.want)) {
				t.Fatalf("fee(%s) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestQuoteBuyChargesFeeOnGrossValue(t *testing.T) {
	b := New(Config{Ticker: "ACME", Fee: Percentage{Rate: d("0.05")}, EquityScale: 2, Math: mathctx.Default}, nil)
	trade := b.QuoteBuy(d("100"), d("1"))

	if !trade.Fee.Equal(d("5")) {
		t.Fatalf("fee = %s, want 5 (5%% of gross 100)", trade.Fee)
	}
	if !trade.Volume.Equal(d("95")) || !trade.Cost().Equal(d("100")) {
		t.Fatalf("volume %s cost %s, want 95 and 100", trade.Volume, trade.Cost())
	}
}

func TestQuoteBuyRoundsVolumeDown(t *testing.T) {
	b := New(Config{Ticker: "ACME", Math: mathctx.Default}, nil)
	trade := b.QuoteBuy(d("100"), d("3"))
	if !trade.Volume.Equal(d("33")) || !trade.Value.Equal(d("99")) {
		t.Fatalf("volume %s value %s, want 33 and 99", trade.Volume, trade.Value)
	}
	if got := b.QuoteBuy(d("2"), d("3")); !got.Volume.IsZero() {
		t.Fatalf("volume = %s, want 0 when the price exceeds the budget", got.Volume)
	}
}

func TestQuoteBuyNeverExceedsBudgetAtUnitBoundary(t *testing.T) {
	tests := []struct {
		name   string
		scale  int32
		fee    TradeFee
		budget string
		price  string
		want   string
	}{
		{"whole units just under a boundary", 0, Fixed{}, "99.99999999985", "20", "4"},
		{"fractional units just under a boundary", 2, Fixed{}, "99.99999999985", "20", "4.99"},
		{"fee leaves a boundary remainder", 0, Fixed{Amount: d("0.00000000015")}, "100", "20", "4"},
		{"exact budget", 0, Fixed{}, "100", "20", "5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(Config{Ticker: "ACME", Fee: tt.fee, EquityScale: tt.scale, Math: mathctx.Default}, nil)
			trade := b.QuoteBuy(d(tt.budget), d(tt.price))
			if !trade.Volume.Equal(d(tt.want)) {
				t.Fatalf("volume = %s, want %s", trade.Volume, tt.want)
			}
			if trade.Cost().GreaterThan(d(tt.budget)) {
				t.Fatalf("cost %s exceeds budget %s", trade.Cost(), tt.budget)
			}
		})
	}
}

func TestSell(t *testing.T) {
	rec := &events.Recorder{}
	b := New(Config{Ticker: "ACME", Fee: Fixed{Amount: d("1")}, Math: mathctx.Default}, events.NewDispatcher(rec))
	day := model.NewDate(2024, 3, 4)
	b.Buy(day, b.QuoteBuy(d("101"), d("10")))
	if !b.Holdings().Equal(d("10")) {
		t.Fatalf("holdings = %s, want 10", b.Holdings())
	}

	err := b.Sell(day, b.QuoteSell(d("11"), d("12")))
	if !errors.Is(err, ErrInsufficientEquity) {
		t.Fatalf("oversell err = %v, want ErrInsufficientEquity", err)
	}
	if !b.Holdings().Equal(d("10")) {
		t.Fatal("failed sell changed holdings")
	}

	sale := b.QuoteSell(d("10"), d("12"))
	if err := b.Sell(day, sale); err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if !sale.Proceeds().Equal(d("119")) || !b.Holdings().IsZero() {
		t.Fatalf("proceeds %s holdings %s", sale.Proceeds(), b.Holdings())
	}
	got := rec.OfType(events.TypeBrokerage)
	if len(got) != 2 || got[1].(events.BrokerageEvent).Type != events.BrokerageSell {
		t.Fatalf("brokerage events = %+v", got)
	}
}

func TestPeriodicManagementFee(t *testing.T) {
	fee, err := NewPeriodicManagementFee("@monthly", d("0.1"))
	if err != nil {
		t.Fatal(err)
	}
	rec := &events.Recorder{}
	b := New(Config{Ticker: "ACME", ManagementFee: fee, EquityScale: 1, Math: mathctx.Default}, events.NewDispatcher(rec))
	b.Buy(model.NewDate(2024, 1, 1), Trade{Volume: d("365"), Price: d("1"), Value: d("365")})

	for day := model.NewDate(2024, 1, 1); day.Before(model.NewDate(2024, 2, 1)); day = day.AddDate(0, 0, 1) {
		b.Update(day)
	}
	if len(rec.OfType(events.TypeEquity)) != 0 {
		t.Fatal("fee charged before the first anchor")
	}
	b.Update(model.NewDate(2024, 2, 1))

	charged := rec.OfType(events.TypeEquity)
	if len(charged) != 1 {
		t.Fatalf("equity events = %d, want 1", len(charged))
	}
	e := charged[0].(events.EquityEvent)
	if !e.Volume.Equal(d("3.1")) || !b.Holdings().Equal(d("361.9")) {
		t.Fatalf("fee volume %s holdings %s, want 3.1 and 361.9", e.Volume, b.Holdings())
	}
}

func TestManagementFeeCarriesFractions(t *testing.T) {
	fee, err := NewPeriodicManagementFee("@monthly", d("0.1"))
	if err != nil {
		t.Fatal(err)
	}
	b := New(Config{Ticker: "ACME", ManagementFee: fee, Math: mathctx.Default}, nil)
	b.Buy(model.NewDate(2024, 1, 1), Trade{Volume: d("365"), Price: d("1"), Value: d("365")})
	b.Update(model.NewDate(2024, 1, 1))
	b.Update(model.NewDate(2024, 2, 1))

	if !b.Holdings().Equal(d("362")) {
		t.Fatalf("holdings = %s, want 362 with 0.1 carried", b.Holdings())
	}
}
