// Package signal turns indicator lines into dated bullish and bearish signals.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/indicator"
)

// Kind is the direction of a signal.
type Kind int

const (
	Bullish Kind = iota
	Bearish
)

func (k Kind) String() string {
	if k == Bearish {
		return "BEARISH"
	}
	return "BULLISH"
}

func (k Kind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

// DatedSignal is a signal tied to the date it fired on.
type DatedSignal struct {
	Date time.Time `json:"date"`
	Kind Kind      `json:"kind"`
}

// DatePredicate decides whether a candidate date may carry a signal.
type DatePredicate func(date time.Time) bool

// Any accepts every date.
func Any(time.Time) bool { return true }

// OnOrAfter accepts dates from start onwards.
func OnOrAfter(start time.Time) DatePredicate {
	return func(date time.Time) bool { return !date.Before(start) }
}

// Between accepts dates in [from, to].
func Between(from, to time.Time) DatePredicate {
	return func(date time.Time) bool { return !date.Before(from) && !date.After(to) }
}

// Gradient classifies the day-on-day movement of a line.
type Gradient int

const (
	Negative Gradient = iota - 1
	Flat
	Positive
)

func (g Gradient) String() string {
	switch g {
	case Negative:
		return "NEGATIVE"
	case Positive:
		return "POSITIVE"
	}
	return "FLAT"
}

// ParseGradient maps a configuration name onto a Gradient.
func ParseGradient(name string) (Gradient, error) {
	switch name {
	case "positive", "POSITIVE":
		return Positive, nil
	case "flat", "FLAT":
		return Flat, nil
	case "negative", "NEGATIVE":
		return Negative, nil
	}
	return Flat, fmt.Errorf("unknown gradient %q", name)
}

// GradientOf is the sign of today - yesterday.
func GradientOf(yesterday, today decimal.Decimal) Gradient {
	return Gradient(today.Sub(yesterday).Sign())
}

// MACDBullish emits a signal when the MACD crosses up through its signal line or
// rises from zero or below to above zero. Equality with the signal line counts as
// not yet crossed, so a flat run of equality yields a signal at each boundary.
func MACDBullish(macd, signalLine indicator.Line, inRange DatePredicate) []DatedSignal {
	macd, signalLine = indicator.Align(macd, signalLine)
	var out []DatedSignal
	for i := 1; i < len(macd); i++ {
		date := macd[i].Date
		if !inRange(date) {
			continue
		}
		today, yesterday := macd[i].Value, macd[i-1].Value

		crossedSignal := today.GreaterThan(yesterday) &&
			today.GreaterThanOrEqual(signalLine[i].Value) &&
			yesterday.LessThanOrEqual(signalLine[i-1].Value)
		crossedOrigin := !yesterday.IsPositive() && today.IsPositive()

		if crossedSignal || crossedOrigin {
			out = append(out, DatedSignal{Date: date, Kind: Bullish})
		}
	}
	return out
}

// MACDUptrend emits a signal for every in-range date with a positive MACD.
func MACDUptrend(macd indicator.Line, inRange DatePredicate) []DatedSignal {
	var out []DatedSignal
	for i := 1; i < len(macd); i++ {
		if inRange(macd[i].Date) && macd[i].Value.IsPositive() {
			out = append(out, DatedSignal{Date: macd[i].Date, Kind: Bullish})
		}
	}
	return out
}

// CrossAbove emits a bullish signal when yesterday <= threshold < today.
func CrossAbove(line indicator.Line, threshold decimal.Decimal, inRange DatePredicate) []DatedSignal {
	var out []DatedSignal
	for i := 1; i < len(line); i++ {
		if !inRange(line[i].Date) {
			continue
		}
		if line[i-1].Value.LessThanOrEqual(threshold) && line[i].Value.GreaterThan(threshold) {
			out = append(out, DatedSignal{Date: line[i].Date, Kind: Bullish})
		}
	}
	return out
}

// CrossBelow emits a bearish signal when yesterday >= threshold > today.
func CrossBelow(line indicator.Line, threshold decimal.Decimal, inRange DatePredicate) []DatedSignal {
	var out []DatedSignal
	for i := 1; i < len(line); i++ {
		if !inRange(line[i].Date) {
			continue
		}
		if line[i-1].Value.GreaterThanOrEqual(threshold) && line[i].Value.LessThan(threshold) {
			out = append(out, DatedSignal{Date: line[i].Date, Kind: Bearish})
		}
	}
	return out
}

// RSIBullish fires when the RSI climbs out of the oversold zone.
func RSIBullish(rsi indicator.Line, oversold decimal.Decimal, inRange DatePredicate) []DatedSignal {
	return CrossAbove(rsi, oversold, inRange)
}

// RSIBearish fires when the RSI drops out of the overbought zone.
func RSIBearish(rsi indicator.Line, overbought decimal.Decimal, inRange DatePredicate) []DatedSignal {
	return CrossBelow(rsi, overbought, inRange)
}

// GradientSignals fires on every in-range date whose gradient matches target.
// A negative target yields bearish signals, any other target bullish ones.
func GradientSignals(line indicator.Line, target Gradient, inRange DatePredicate) []DatedSignal {
	kind := Bullish
	if target == Negative {
		kind = Bearish
	}
	var out []DatedSignal
	for i := 1; i < len(line); i++ {
		if inRange(line[i].Date) && GradientOf(line[i-1].Value, line[i].Value) == target {
			out = append(out, DatedSignal{Date: line[i].Date, Kind: kind})
		}
	}
	return out
}
