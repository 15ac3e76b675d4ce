package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"equity-backtest/services/model"
)

// CSVSource reads <Dir>/<TICKER>.csv files.
type CSVSource struct {
	Dir string
}

func (s CSVSource) Bars(_ context.Context, ticker string, from, to time.Time) ([]model.PriceBar, error) {
	path := filepath.Join(s.Dir, strings.ToUpper(ticker)+".csv")
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for %s: %s missing", ErrNoData, ticker, path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	bars, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return between(bars, from, to), nil
}

// ReadCSV parses date,open,high,low,close[,volume] rows. The file may be
// UTF-8 or UTF-16 with a byte order mark, and may start with a header row.
// Rows are returned sorted by date.
func ReadCSV(r io.Reader) ([]model.PriceBar, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	cr := csv.NewReader(decoded)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var bars []model.PriceBar
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		if line == 1 && isHeader(rec) {
			continue
		}
		bar, err := parseRow(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bars = append(bars, bar)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars, nil
}

func isHeader(rec []string) bool {
	_, err := parseDate(rec[0])
	return err != nil
}

func parseRow(rec []string) (model.PriceBar, error) {
	if len(rec) < 5 {
		return model.PriceBar{}, fmt.Errorf("want at least 5 columns, got %d", len(rec))
	}
	date, err := parseDate(rec[0])
	if err != nil {
		return model.PriceBar{}, err
	}
	var vals [5]decimal.Decimal
	for i := 1; i < len(rec) && i <= 5; i++ {
		cell := strings.TrimSpace(rec[i])
		if i == 5 && cell == "" {
			continue
		}
		v, err := decimal.NewFromString(cell)
		if err != nil {
			return model.PriceBar{}, fmt.Errorf("column %d: %w", i+1, err)
		}
		vals[i-1] = v
	}
	return model.PriceBar{Date: date, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := model.ParseDate(s); err == nil {
		return d, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q is neither YYYY-MM-DD nor RFC 3339", s)
	}
	return model.Day(t), nil
}

// WriteCSV writes bars with a header row in the format ReadCSV accepts.
func WriteCSV(w io.Writer, bars []model.PriceBar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		rec := []string{b.Date.Format(time.DateOnly), b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String()}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
