//! Signal Trees
//!
//! Signal leaves combined with And, Or and delayed confirmation, each leaf
//! evaluated over its own trailing window of bars.

// Package strategies turns signal trees into the daily entry and exit orders of a simulation.
package strategies

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
	"equity-backtest/services/signal"
)

// Tree is a boolean/temporal combination of signal generators.
type Tree interface {
	Name() string
	// TradingDays is the history the tree needs to evaluate today.
	TradingDays() int
	Evaluate(mc mathctx.Context, bars []model.PriceBar, inRange signal.DatePredicate) ([]signal.DatedSignal, error)
}

// Signal is a leaf wrapping one generator. It evaluates on the trailing
// TradingDays bars only.
type Signal struct {
	Generator signal.Generator
}

func (s Signal) Name() string     { return s.Generator.Name() }
func (s Signal) TradingDays() int { return s.Generator.TradingDays() }

func (s Signal) Evaluate(mc mathctx.Context, bars []model.PriceBar, inRange signal.DatePredicate) ([]signal.DatedSignal, error) {
	return s.Generator.Generate(mc, tail(bars, s.TradingDays()), inRange)
}

// And fires on dates every child fires on, with the first child's kind.
type And struct {
	Children []Tree
}

func (a And) Name() string     { return join("AND", a.Children) }
func (a And) TradingDays() int { return maxTradingDays(a.Children) }

func (a And) Evaluate(mc mathctx.Context, bars []model.PriceBar, inRange signal.DatePredicate) ([]signal.DatedSignal, error) {
	if len(a.Children) == 0 {
		return nil, nil
	}
	out, err := a.Children[0].Evaluate(mc, bars, inRange)
	if err != nil {
		return nil, err
	}
	for _, child := range a.Children[1:] {
		next, err := child.Evaluate(mc, bars, inRange)
		if err != nil {
			return nil, err
		}
		seen := dates(next)
		kept := out[:0]
		for _, s := range out {
			if seen[s.Date] {
				kept = append(kept, s)
			}
		}
		out = kept
	}
	return out, nil
}

// Or fires on any date a child fires on; the earliest listed child wins a shared date.
type Or struct {
	Children []Tree
}

func (o Or) Name() string     { return join("OR", o.Children) }
func (o Or) TradingDays() int { return maxTradingDays(o.Children) }

func (o Or) Evaluate(mc mathctx.Context, bars []model.PriceBar, inRange signal.DatePredicate) ([]signal.DatedSignal, error) {
	var out []signal.DatedSignal
	seen := map[time.Time]bool{}
	for _, child := range o.Children {
		sigs, err := child.Evaluate(mc, bars, inRange)
		if err != nil {
			return nil, err
		}
		for _, s := range sigs {
			if !seen[s.Date] {
				seen[s.Date] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// ConfirmedBy fires when Confirmation fires between Delay and Delay+Range
// trading days (inclusive) after Anchor fired. The signal carries the
// confirmation's date and kind.
type ConfirmedBy struct {
	Anchor       Tree
	Confirmation Tree
	Delay        int
	Range        int
}

func (c ConfirmedBy) Name() string {
	return fmt.Sprintf("%s confirmed by %s within [%d,%d]", c.Anchor.Name(), c.Confirmation.Name(), c.Delay, c.Delay+c.Range)
}

func (c ConfirmedBy) TradingDays() int {
	return maxTradingDays([]Tree{c.Anchor, c.Confirmation}) + c.Delay + c.Range
}

func (c ConfirmedBy) Evaluate(mc mathctx.Context, bars []model.PriceBar, inRange signal.DatePredicate) ([]signal.DatedSignal, error) {
	confirmations, err := c.Confirmation.Evaluate(mc, bars, inRange)
	if err != nil || len(confirmations) == 0 {
		return nil, err
	}
	index := make(map[time.Time]int, len(bars))
	for i, b := range bars {
		index[b.Date] = i
	}
	first, last := len(bars), -1
	for _, conf := range confirmations {
		if i, ok := index[conf.Date]; ok {
			first, last = min(first, i), max(last, i)
		}
	}
	anchored, err := c.anchorDays(mc, bars, first-c.Delay-c.Range, last-c.Delay)
	if err != nil {
		return nil, err
	}

	var out []signal.DatedSignal
	for _, conf := range confirmations {
		ic, ok := index[conf.Date]
		if !ok {
			continue
		}
		for ia := ic - c.Delay - c.Range; ia <= ic-c.Delay; ia++ {
			if anchored[ia] {
				out = append(out, conf)
				break
			}
		}
	}
	return out, nil
}

// anchorDays reports the bar indices in [from, to] on which Anchor fired,
// each judged on the history that ended that day.
func (c ConfirmedBy) anchorDays(mc mathctx.Context, bars []model.PriceBar, from, to int) (map[int]bool, error) {
	need := c.Anchor.TradingDays()
	fired := map[int]bool{}
	for i := max(from, need-1, 0); i <= to && i < len(bars); i++ {
		d := bars[i].Date
		sigs, err := c.Anchor.Evaluate(mc, bars[:i+1], signal.Between(d, d))
		if err != nil {
			return nil, err
		}
		fired[i] = len(sigs) > 0
	}
	return fired, nil
}

func tail(bars []model.PriceBar, n int) []model.PriceBar {
	if n <= 0 || len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

func dates(sigs []signal.DatedSignal) map[time.Time]bool {
	m := make(map[time.Time]bool, len(sigs))
	for _, s := range sigs {
		m[s.Date] = true
	}
	return m
}

func maxTradingDays(trees []Tree) int {
	n := 0
	for _, t := range trees {
		n = max(n, t.TradingDays())
	}
	return n
}

func join(op string, trees []Tree) string {
	names := make([]string, len(trees))
	for i, t := range trees {
		names[i] = t.Name()
	}
	return "(" + strings.Join(names, " "+op+" ") + ")"
}
