package arrowpipeline

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
	"equity-backtest/services/model"
)

func testBars(n int) []model.PriceBar {
	bars := make([]model.PriceBar, n)
	start := model.NewDate(2024, time.January, 1)
	for i := range bars {
		p := decimal.RequireFromString("100.123456789012345678").Add(decimal.NewFromInt(int64(i)))
		bars[i] = model.PriceBar{
			Date: start.AddDate(0, 0, i), Open: p, High: p.Add(decimal.NewFromInt(1)),
			Low: p.Sub(decimal.NewFromInt(1)), Close: p.Neg(), Volume: decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestBarsRoundTripExactly(t *testing.T) {
	p := NewPipeline(Config{BatchSize: 3}, nil)
	in := testBars(7)

	var buf bytes.Buffer
	if err := p.BarsToArrow(&buf, "ACME", in); err != nil {
		t.Fatalf("BarsToArrow: %v", err)
	}
	ticker, out, err := p.BarsFromArrow(&buf)
	if err != nil {
		t.Fatalf("BarsFromArrow: %v", err)
	}
	if ticker != "ACME" || len(out) != len(in) {
		t.Fatalf("ticker %q, %d bars", ticker, len(out))
	}
	for i := range in {
		if !in[i].Date.Equal(out[i].Date) || !in[i].Open.Equal(out[i].Open) || !in[i].Close.Equal(out[i].Close) {
			t.Fatalf("bar %d: %+v != %+v", i, out[i], in[i])
		}
	}
}

func TestBarsBatchedByConfig(t *testing.T) {
	p := NewPipeline(Config{BatchSize: 3}, nil)
	var buf bytes.Buffer
	if err := p.BarsToArrow(&buf, "ACME", testBars(7)); err != nil {
		t.Fatal(err)
	}
	rdr, err := ipc.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer rdr.Release()
	var sizes []int64
	for rdr.Next() {
		sizes = append(sizes, rdr.Record().NumRows())
	}
	if len(sizes) != 3 || sizes[2] != 1 {
		t.Fatalf("record sizes = %v, want [3 3 1]", sizes)
	}
}

func TestRejectsExcessPrecision(t *testing.T) {
	p := NewPipeline(Config{}, nil)
	bars := testBars(1)
	bars[0].Close = decimal.RequireFromString("1.0000000000000000001")
	err := p.BarsToArrow(&bytes.Buffer{}, "ACME", bars)
	if !errors.Is(err, ErrPrecision) {
		t.Fatalf("err = %v, want ErrPrecision", err)
	}
}

func TestLedgerExport(t *testing.T) {
	l := &Ledger{}
	day := model.NewDate(2024, time.January, 2)
	l.OnEvent(events.NetWorthEvent{Date: day, Cash: decimal.NewFromInt(10), NetWorth: decimal.NewFromInt(25), State: events.Running})
	l.OnEvent(events.NetWorthEvent{Date: day, NetWorth: decimal.NewFromInt(25), State: events.Complete})
	l.OnEvent(events.CashEvent{Date: day})
	rows := l.Rows()
	if len(rows) != 1 {
		t.Fatalf("ledger kept %d rows, want the running row only", len(rows))
	}

	p := NewPipeline(Config{}, nil)
	var buf bytes.Buffer
	if err := p.LedgerToArrow(&buf, "run-1", rows); err != nil {
		t.Fatalf("LedgerToArrow: %v", err)
	}
	rdr, err := ipc.NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer rdr.Release()
	if !rdr.Next() {
		t.Fatal("no record")
	}
	rec := rdr.Record()
	nw := rec.Column(5).(*array.Decimal128)
	if got := fromDecimal128(nw.Value(0)); !got.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("net worth = %v", got)
	}
	if md := rdr.Schema().Metadata(); md.Values()[md.FindKey("run_id")] != "run-1" {
		t.Fatalf("metadata = %v", md)
	}
}
