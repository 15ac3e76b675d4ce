package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func bar(y int, m time.Month, d int, close string) PriceBar {
	c := decimal.RequireFromString(close)
	return PriceBar{Date: NewDate(y, m, d), Open: c, High: c, Low: c, Close: c}
}

func TestSeriesLookups(t *testing.T) {
	s, err := NewSeries([]PriceBar{
		bar(2020, time.January, 2, "1"),
		bar(2020, time.January, 3, "2"),
		bar(2020, time.January, 6, "3"),
	})
	if err != nil {
		t.Fatalf("NewSeries: %v", err)
	}

	if _, ok := s.At(NewDate(2020, time.January, 4)); ok {
		t.Fatalf("weekend should have no bar")
	}
	if b, ok := s.At(NewDate(2020, time.January, 6).Add(15 * time.Hour)); !ok || !b.Close.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("At ignores time of day: got %v %v", b, ok)
	}
	if got := len(s.UpTo(NewDate(2020, time.January, 5))); got != 2 {
		t.Fatalf("UpTo = %d bars, want 2", got)
	}
	if got := len(s.Between(NewDate(2020, time.January, 3), NewDate(2020, time.January, 6))); got != 1 {
		t.Fatalf("Between = %d bars, want 1", got)
	}
	if first, _ := s.First(); !first.Date.Equal(NewDate(2020, time.January, 2)) {
		t.Fatalf("First = %v", first.Date)
	}
	if last, _ := s.Last(); !last.Close.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("Last close = %v, want 3", last.Close)
	}
	empty, _ := NewSeries(nil)
	if _, ok := empty.Last(); ok {
		t.Fatalf("empty series has no last bar")
	}
}

func TestSeriesRejectsUnordered(t *testing.T) {
	_, err := NewSeries([]PriceBar{
		bar(2020, time.January, 3, "1"),
		bar(2020, time.January, 3, "2"),
	})
	if !errors.Is(err, ErrUnordered) {
		t.Fatalf("err = %v, want ErrUnordered", err)
	}
}
