package marketdata

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"

	"equity-backtest/services/model"
)

const sample = "Date,Open,High,Low,Close,Volume\n" +
	"2021-01-05,\"10.5\",11,10,10.75,1200\n" +
	"2021-01-04,10,10.5,9.5,10.25,\n"

func TestReadCSVSortsAndParses(t *testing.T) {
	bars, err := ReadCSV(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if !bars[0].Date.Equal(model.NewDate(2021, time.January, 4)) {
		t.Fatalf("first date = %v", bars[0].Date)
	}
	if !bars[1].Open.Equal(decimal.RequireFromString("10.5")) || !bars[1].Volume.Equal(decimal.NewFromInt(1200)) {
		t.Fatalf("second bar = %+v", bars[1])
	}
	if !bars[0].Volume.IsZero() {
		t.Fatalf("empty volume should be zero, got %v", bars[0].Volume)
	}
}

func TestReadCSVDecodesByteOrderMarks(t *testing.T) {
	utf16, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String(sample)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := map[string]string{
		"utf-8 bom":  "\ufeff" + sample,
		"utf-16 le":  utf16,
		"no headers": strings.SplitN(sample, "\n", 2)[1],
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			bars, err := ReadCSV(strings.NewReader(input))
			if err != nil {
				t.Fatalf("ReadCSV: %v", err)
			}
			if len(bars) != 2 || !bars[1].Close.Equal(decimal.RequireFromString("10.75")) {
				t.Fatalf("bars = %+v", bars)
			}
		})
	}
}

func TestReadCSVRejectsBadRows(t *testing.T) {
	for _, input := range []string{
		"2021-01-04,1,2,3\n",
		"2021-01-04,1,2,x,4\n",
		"date,open,high,low,close\n04/01/2021,1,1,1,1\n",
	} {
		if _, err := ReadCSV(strings.NewReader(input)); err == nil {
			t.Fatalf("ReadCSV(%q) accepted a bad row", input)
		}
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	in, _ := ReadCSV(strings.NewReader(sample))
	var buf bytes.Buffer
	if err := WriteCSV(&buf, in); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	out, err := ReadCSV(&buf)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	for i := range in {
		if !in[i].Date.Equal(out[i].Date) || !in[i].Close.Equal(out[i].Close) {
			t.Fatalf("bar %d: %+v != %+v", i, in[i], out[i])
		}
	}
}

func TestCSVSourceFiltersRange(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ACME.csv"), []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	src := CSVSource{Dir: dir}
	bars, err := src.Bars(context.Background(), "acme", model.NewDate(2021, time.January, 5), model.NewDate(2021, time.January, 6))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 1 || !bars[0].Date.Equal(model.NewDate(2021, time.January, 5)) {
		t.Fatalf("bars = %+v", bars)
	}
	if _, err := src.Bars(context.Background(), "NONE", time.Time{}, time.Now()); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

type fakeAlpaca struct {
	req  marketdata.GetBarsRequest
	bars []marketdata.Bar
}

func (f *fakeAlpaca) GetBars(_ string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	f.req = req
	return f.bars, nil
}

func TestAlpacaSourceConvertsBars(t *testing.T) {
	fake := &fakeAlpaca{bars: []marketdata.Bar{
		{Timestamp: time.Date(2021, 1, 4, 5, 0, 0, 0, time.UTC), Open: 10, High: 11, Low: 9.5, Close: 10.25, Volume: 100},
		{Timestamp: time.Date(2021, 1, 8, 5, 0, 0, 0, time.UTC), Open: 1, High: 1, Low: 1, Close: 1},
	}}
	src := &AlpacaSource{client: fake}
	from, to := model.NewDate(2021, time.January, 4), model.NewDate(2021, time.January, 8)
	bars, err := src.Bars(context.Background(), "ACME", from, to)
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if fake.req.TimeFrame != marketdata.OneDay {
		t.Fatalf("timeframe = %v", fake.req.TimeFrame)
	}
	if len(bars) != 1 {
		t.Fatalf("got %d bars, want the bar on the exclusive end dropped", len(bars))
	}
	if !bars[0].Date.Equal(from) || !bars[0].Close.Equal(decimal.RequireFromString("10.25")) {
		t.Fatalf("bar = %+v", bars[0])
	}
}

func TestWarmUpStart(t *testing.T) {
	start := model.NewDate(2021, time.March, 1)
	if got := WarmUpStart(start, 0); !got.Equal(start) {
		t.Fatalf("zero warm-up moved start to %v", got)
	}
	got := WarmUpStart(start, 50)
	if want := start.AddDate(0, 0, -80); !got.Equal(want) {
		t.Fatalf("WarmUpStart = %v, want %v", got, want)
	}
}

func TestStaticSource(t *testing.T) {
	bars, _ := ReadCSV(strings.NewReader(sample))
	src := Static{"ACME": bars}
	got, err := src.Bars(context.Background(), "acme", time.Time{}, model.NewDate(2030, time.January, 1))
	if err != nil || len(got) != 2 {
		t.Fatalf("Bars = %v, %v", got, err)
	}
}
