// Command indicator_parity checks an indicator line computed from daily bars
// against a reference export (date,value CSV) from another charting tool.
package main

import (
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/indicator"
	"equity-backtest/services/marketdata"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

// Row is one compared date.
type Row struct {
	Date     time.Time
	Value    decimal.Decimal
	Ref      decimal.Decimal
	HasRef   bool
	Diff     decimal.Decimal
	Matching bool
}

// Report summarises a comparison.
type Report struct {
	Rows       []Row
	Compared   int
	Mismatches int
	MaxDiff    decimal.Decimal
}

func newIndicator(name string, lookback, values int) (indicator.LineIndicator, error) {
	switch strings.ToLower(name) {
	case "sma":
		return indicator.SMA{Lookback: lookback, Values: values}, nil
	case "ema":
		return indicator.EMA{Lookback: lookback, Values: values}, nil
	case "rsi":
		return indicator.RSI{Lookback: lookback, Values: values}, nil
	case "stochastic", "stochastic_k":
		return indicator.StochasticK{Lookback: lookback, Values: values}, nil
	}
	return nil, fmt.Errorf("unknown indicator %q", name)
}

// readReference parses date,value rows, skipping a header line.
func readReference(r io.Reader) (map[time.Time]decimal.Decimal, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	out := make(map[time.Time]decimal.Decimal)
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: want date,value", line)
		}
		date, err := model.ParseDate(strings.TrimSpace(rec[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if strings.TrimSpace(rec[1]) == "" {
			continue
		}
		v, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: value %q: %w", line, rec[1], err)
		}
		out[date] = v
	}
}

// Compare matches every point of line against ref within tolerance.
func Compare(line indicator.Line, ref map[time.Time]decimal.Decimal, tolerance decimal.Decimal) Report {
	rep := Report{Rows: make([]Row, 0, len(line))}
	for _, p := range line {
		row := Row{Date: p.Date, Value: p.Value, Matching: true}
		if v, ok := ref[p.Date]; ok {
			row.Ref, row.HasRef = v, true
			row.Diff = p.Value.Sub(v).Abs()
			row.Matching = row.Diff.LessThanOrEqual(tolerance)
			rep.Compared++
			if !row.Matching {
				rep.Mismatches++
			}
			if row.Diff.GreaterThan(rep.MaxDiff) {
				rep.MaxDiff = row.Diff
			}
		}
		rep.Rows = append(rep.Rows, row)
	}
	return rep
}

func writeRows(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	cw.Write([]string{"date", "value", "reference", "diff", "match"})
	for _, r := range rows {
		ref, diff := "", ""
		if r.HasRef {
			ref, diff = r.Ref.String(), r.Diff.String()
		}
		cw.Write([]string{r.Date.Format(time.DateOnly), r.Value.String(), ref, diff, fmt.Sprint(r.Matching)})
	}
	cw.Flush()
	return cw.Error()
}

func main() {
	barsPath := flag.String("bars", "", "Daily bar CSV")
	refPath := flag.String("reference", "", "Reference CSV with date,value rows")
	name := flag.String("indicator", "sma", "sma, ema, rsi or stochastic")
	lookback := flag.Int("lookback", 14, "Indicator lookback")
	scale := flag.Int("scale", int(mathctx.Default.Scale), "Decimal places kept by multiplies and divides")
	tol := flag.String("tolerance", "0.0001", "Largest accepted absolute difference")
	out := flag.String("out", "", "Write the per-date comparison to this CSV")
	flag.Parse()

	if *barsPath == "" || *refPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	tolerance, err := decimal.NewFromString(*tol)
	if err != nil {
		log.Fatalf("Invalid -tolerance: %v", err)
	}

	f, err := os.Open(*barsPath)
	if err != nil {
		log.Fatalf("Failed to open bars: %v", err)
	}
	bars, err := marketdata.ReadCSV(f)
	f.Close()
	if err != nil {
		log.Fatalf("Failed to read bars: %v", err)
	}

	ind, err := newIndicator(*name, *lookback, len(bars)-*lookback)
	if err != nil {
		log.Fatal(err)
	}
	mc := mathctx.Context{Scale: int32(*scale), Rounding: mathctx.HalfUp}
	line, err := ind.Calculate(mc, bars)
	if err != nil {
		log.Fatalf("%s: %v", ind.Name(), err)
	}

	rf, err := os.Open(*refPath)
	if err != nil {
		log.Fatalf("Failed to open reference: %v", err)
	}
	ref, err := readReference(rf)
	rf.Close()
	if err != nil {
		log.Fatalf("Failed to read reference: %v", err)
	}

	rep := Compare(line, ref, tolerance)
	if *out != "" {
		of, err := os.Create(*out)
		if err != nil {
			log.Fatalf("Failed to create output: %v", err)
		}
		if err := writeRows(of, rep.Rows); err != nil {
			log.Fatalf("Failed to write output: %v", err)
		}
		of.Close()
	}

	fmt.Printf("%s: %d points, %d compared, %d mismatches, max diff %s\n",
		ind.Name(), len(line), rep.Compared, rep.Mismatches, rep.MaxDiff)
	if rep.Compared == 0 || rep.Mismatches > 0 {
		os.Exit(1)
	}
}
