// Package model holds the daily price bar and the date-indexed series the engine replays.
package model

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar represents one trading day of OHLC data
type PriceBar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NewDate returns midnight UTC of the given calendar date.
func NewDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Closes extracts the closing prices of bars.
func Closes(bars []PriceBar) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

var ErrUnordered = errors.New("bars not in strictly ascending date order")

// Series is an immutable, strictly ascending run of bars indexed by date.
type Series struct {
	bars  []PriceBar
	index map[time.Time]int
}

// NewSeries copies bars, normalises their dates and checks ordering.
func NewSeries(bars []PriceBar) (*Series, error) {
	s := &Series{
		bars:  make([]PriceBar, len(bars)),
		index: make(map[time.Time]int, len(bars)),
	}
	for i, b := range bars {
		b.Date = Day(b.Date)
		if i > 0 && !b.Date.After(s.bars[i-1].Date) {
			return nil, fmt.Errorf("%w: %s after %s", ErrUnordered,
				b.Date.Format(time.DateOnly), s.bars[i-1].Date.Format(time.DateOnly))
		}
		s.bars[i] = b
		s.index[b.Date] = i
	}
	return s, nil
}

// Len is the number of bars.
func (s *Series) Len() int { return len(s.bars) }

// Bars returns the underlying bars; callers must not modify them.
func (s *Series) Bars() []PriceBar { return s.bars }

// At returns the bar dated on date, if there is one.
func (s *Series) At(date time.Time) (PriceBar, bool) {
	i, ok := s.index[Day(date)]
	if !ok {
		return PriceBar{}, false
	}
	return s.bars[i], true
}

// UpTo returns the history ending with the last bar dated on or before date.
func (s *Series) UpTo(date time.Time) []PriceBar {
	date = Day(date)
	n := sort.Search(len(s.bars), func(i int) bool { return s.bars[i].Date.After(date) })
	return s.bars[:n]
}

// Between returns bars dated in [from, to).
func (s *Series) Between(from, to time.Time) []PriceBar {
	from, to = Day(from), Day(to)
	lo := sort.Search(len(s.bars), func(i int) bool { return !s.bars[i].Date.Before(from) })
	hi := sort.Search(len(s.bars), func(i int) bool { return !s.bars[i].Date.Before(to) })
	return s.bars[lo:hi]
}

// First returns the earliest bar.
func (s *Series) First() (PriceBar, bool) {
	if len(s.bars) == 0 {
		return PriceBar{}, false
	}
	return s.bars[0], true
}

// Last returns the latest bar.
func (s *Series) Last() (PriceBar, bool) {
	if len(s.bars) == 0 {
		return PriceBar{}, false
	}
	return s.bars[len(s.bars)-1], true
}
