// Package indicator computes date-keyed decimal indicator lines from daily bars.
package indicator

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Point is one dated indicator value.
type Point struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// Line is an indicator series with strictly increasing dates.
type Line []Point

// Values returns the values of the line in date order.
func (l Line) Values() []decimal.Decimal {
	out := make([]decimal.Decimal, len(l))
	for i, p := range l {
		out[i] = p.Value
	}
	return out
}

// Last returns the most recent point.
func (l Line) Last() (Point, bool) {
	if len(l) == 0 {
		return Point{}, false
	}
	return l[len(l)-1], true
}

// Align trims both lines to their rightmost run of common dates.
func Align(a, b Line) (Line, Line) {
	i, j := len(a)-1, len(b)-1
	for i >= 0 && j >= 0 && a[i].Date.Equal(b[j].Date) {
		i--
		j--
	}
	return a[i+1:], b[j+1:]
}

// Indicator is implemented by every indicator variant.
type Indicator interface {
	Name() string
	// TradingDays is the number of bars a calculation needs.
	TradingDays() int
}

// LineIndicator is an indicator producing a single line.
type LineIndicator interface {
	Indicator
	Calculate(mc mathctx.Context, bars []model.PriceBar) (Line, error)
}

func validate(bars []model.PriceBar, lookback, values int) error {
	if lookback <= 1 {
		return fmt.Errorf("%w: lookback %d must be greater than 1", ErrInvalidArgument, lookback)
	}
	if values <= 1 {
		return fmt.Errorf("%w: desired value count %d must be greater than 1", ErrInvalidArgument, values)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Date.After(bars[i-1].Date) {
			return fmt.Errorf("%w: bar %d dated %s is not after %s", ErrInvalidArgument, i,
				bars[i].Date.Format(time.DateOnly), bars[i-1].Date.Format(time.DateOnly))
		}
	}
	if len(bars) < lookback+values {
		return fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientData, len(bars), lookback+values)
	}
	return nil
}

func closeLine(bars []model.PriceBar) Line {
	line := make(Line, len(bars))
	for i, b := range bars {
		line[i] = Point{Date: b.Date, Value: b.Close}
	}
	return line
}
