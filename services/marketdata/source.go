// Package marketdata supplies daily bars to simulations.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"equity-backtest/services/model"
)

// ErrNoData is returned when a source has nothing for a ticker.
var ErrNoData = errors.New("no bars")

// Source returns the daily bars of ticker dated in [from, to), ascending.
type Source interface {
	Bars(ctx context.Context, ticker string, from, to time.Time) ([]model.PriceBar, error)
}

// WarmUpStart converts a warm-up measured in trading days into a calendar
// start date early enough to cover it, allowing for weekends and holidays.
func WarmUpStart(start time.Time, tradingDays int) time.Time {
	if tradingDays <= 0 {
		return model.Day(start)
	}
	calendarDays := (tradingDays*7+4)/5 + 10
	return model.Day(start).AddDate(0, 0, -calendarDays)
}

// Static serves bars held in memory, keyed by upper-case ticker.
type Static map[string][]model.PriceBar

func (s Static) Bars(_ context.Context, ticker string, from, to time.Time) ([]model.PriceBar, error) {
	bars, ok := s[strings.ToUpper(ticker)]
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoData, ticker)
	}
	return between(bars, from, to), nil
}

func between(bars []model.PriceBar, from, to time.Time) []model.PriceBar {
	out := make([]model.PriceBar, 0, len(bars))
	for _, b := range bars {
		if !b.Date.Before(from) && b.Date.Before(to) {
			out = append(out, b)
		}
	}
	return out
}
