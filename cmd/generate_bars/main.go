// Command generate_bars writes a synthetic daily bar file for local runs.
//
// The walk is seeded so the same flags always produce the same file, with
// a few trending stretches so trend-following strategies have something to do.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/arrowpipeline"
	"equity-backtest/services/marketdata"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

var (
	cents    = mathctx.Context{Scale: 2, Rounding: mathctx.HalfUp}
	bpsScale = decimal.New(1, -4)
	floor    = decimal.NewFromInt(1)
)

// Params shapes the generated walk.
type Params struct {
	Start time.Time
	Days  int
	Price decimal.Decimal
	Seed  uint64
}

// Generate returns Days weekday bars starting on or after Start.
func Generate(p Params) []model.PriceBar {
	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	price := p.Price
	day := model.Day(p.Start)
	bars := make([]model.PriceBar, 0, p.Days)

	for i := 0; len(bars) < p.Days; day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		// Daily move in basis points: +-150 noise plus a trend term.
		move := int64(rng.IntN(301)-150) + trendBps(i)
		open := price
		close := cents.Mul(open, decimal.NewFromInt(10000+move).Mul(bpsScale))
		if close.LessThan(floor) {
			close = floor
		}
		wick := decimal.NewFromInt(int64(10000 + rng.IntN(80))).Mul(bpsScale)
		high := cents.Mul(decimal.Max(open, close), wick)
		low := cents.Div(decimal.Min(open, close), wick)
		volume := decimal.NewFromInt(int64(100_000 + rng.IntN(900_000)))

		bars = append(bars, model.PriceBar{Date: day, Open: open, High: high, Low: low, Close: close, Volume: volume})
		price = close
		i++
	}
	return bars
}

func trendBps(i int) int64 {
	switch {
	case i > 40 && i < 120:
		return 20
	case i > 160 && i < 240:
		return -20
	case i > 280 && i < 360:
		return 10
	}
	return 0
}

func main() {
	out := flag.String("out", "", "Output path, .csv or .arrow (default <TICKER>.csv)")
	ticker := flag.String("ticker", "DEMO", "Ticker the file is named after")
	from := flag.String("from", "2022-01-03", "First calendar day (YYYY-MM-DD)")
	days := flag.Int("days", 500, "Number of trading days")
	price := flag.String("price", "100", "Opening price")
	seed := flag.Uint64("seed", 42, "Random seed")
	flag.Parse()

	start, err := model.ParseDate(*from)
	if err != nil {
		log.Fatalf("Invalid -from: %v", err)
	}
	opening, err := decimal.NewFromString(*price)
	if err != nil || !opening.IsPositive() {
		log.Fatalf("Invalid -price %q", *price)
	}
	if *days <= 0 {
		log.Fatalf("-days must be positive")
	}
	path := *out
	if path == "" {
		path = *ticker + ".csv"
	}

	bars := Generate(Params{Start: start, Days: *days, Price: opening, Seed: *seed})

	f, err := os.Create(path)
	if err != nil {
		log.Fatalf("Failed to create file: %v", err)
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".arrow") {
		err = arrowpipeline.NewPipeline(arrowpipeline.Config{}, nil).BarsToArrow(f, *ticker, bars)
	} else {
		err = marketdata.WriteCSV(f, bars)
	}
	if err != nil {
		log.Fatalf("Failed to write bars: %v", err)
	}

	first, last := bars[0], bars[len(bars)-1]
	fmt.Printf("Generated %d bars for %s to %s\n", len(bars), *ticker, path)
	fmt.Printf("%s close %s -> %s close %s\n", first.Date.Format(time.DateOnly), first.Close, last.Date.Format(time.DateOnly), last.Close)
}
