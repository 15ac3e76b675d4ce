//! Strategy
//!
//! Combines an entry tree, an exit rule and position bounds into the daily
//! entry and exit orders, applying the insufficient-funds policy.

package strategies

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/engine"
	"equity-backtest/services/events"
	"equity-backtest/services/indicator"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/signal"
)

// ErrUnsupportedPolicy is returned for funds policies without defined semantics.
var ErrUnsupportedPolicy = errors.New("unsupported insufficient funds policy")

// FundsPolicy is what happens to an order the account cannot pay for.
type FundsPolicy string

const (
	Delete   FundsPolicy = "DELETE"
	Resubmit FundsPolicy = "RESUBMIT"
)

func ParseFundsPolicy(s string) (FundsPolicy, error) {
	switch FundsPolicy(s) {
	case Delete, "":
		return Delete, nil
	case Resubmit:
		return "", fmt.Errorf("%w: %s has no retry semantics", ErrUnsupportedPolicy, s)
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPolicy, s)
}

type Config struct {
	Ticker string
	Entry  Tree
	Exit   Exit
	Bounds PositionBounds
	// SignalRange is how many trading days back a signal may be dated and
	// still trigger an order; 0 accepts today's signals only.
	SignalRange int
	// OrderValidity is how many trading days an order stays executable.
	OrderValidity int
	// EntryLimitDiscount, when positive, turns entries into limit buys this
	// fraction below the signal day's close.
	EntryLimitDiscount decimal.Decimal
	Policy             FundsPolicy
	Math               mathctx.Context
}

// Strategy answers the simulation's daily exit and entry questions.
type Strategy struct {
	cfg        Config
	dispatcher *events.Dispatcher

	entryActed map[time.Time]bool
	exitActed  map[time.Time]bool
}

func New(cfg Config, dispatcher *events.Dispatcher) (*Strategy, error) {
	if cfg.Entry == nil {
		return nil, errors.New("strategy: entry tree is required")
	}
	if cfg.Exit == nil {
		cfg.Exit = Never{}
	}
	if cfg.Policy == "" {
		cfg.Policy = Delete
	}
	if cfg.Policy != Delete {
		return nil, fmt.Errorf("strategy: %w: %s", ErrUnsupportedPolicy, cfg.Policy)
	}
	if cfg.SignalRange < 0 {
		return nil, fmt.Errorf("strategy: signal range %d is negative", cfg.SignalRange)
	}
	if cfg.OrderValidity == 0 {
		cfg.OrderValidity = 1
	}
	if cfg.OrderValidity < 0 {
		return nil, fmt.Errorf("strategy: order validity %d is negative", cfg.OrderValidity)
	}
	if cfg.Bounds.MaximumFraction.IsNegative() || cfg.Bounds.MaximumFraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("strategy: maximum fraction %s outside [0,1]", cfg.Bounds.MaximumFraction)
	}
	return &Strategy{
		cfg:        cfg,
		dispatcher: dispatcher,
		entryActed: map[time.Time]bool{},
		exitActed:  map[time.Time]bool{},
	}, nil
}

func (s *Strategy) Name() string { return s.cfg.Entry.Name() + " exit " + s.cfg.Exit.Name() }

// WarmUp is the number of trading days of history needed before the first simulated day.
func (s *Strategy) WarmUp() int {
	return max(s.cfg.Entry.TradingDays(), s.cfg.Exit.TradingDays()) + s.cfg.SignalRange
}

func (s *Strategy) Exit(day engine.Day) (*engine.EquityOrder, error) {
	if !day.Holdings.IsPositive() {
		return nil, nil
	}
	inRange, err := s.window(day)
	if err != nil {
		return nil, err
	}
	decision, err := s.cfg.Exit.Decide(s.cfg.Math, day, inRange)
	if err != nil {
		return nil, fmt.Errorf("exit %s: %w", s.cfg.Exit.Name(), err)
	}
	fresh := s.fresh(decision.Signals, s.exitActed, s.cfg.Exit.Name())
	switch {
	case decision.Standing:
		o := engine.NewExitOrder(s.cfg.Ticker, day.Date, 1, decision.Condition)
		o.Reason = s.cfg.Exit.Name()
		return o, nil
	case fresh:
		o := engine.NewExitOrder(s.cfg.Ticker, day.Date, s.cfg.OrderValidity, decision.Condition)
		o.Reason = s.cfg.Exit.Name()
		return o, nil
	}
	return nil, nil
}

func (s *Strategy) Entry(day engine.Day) (*engine.EquityOrder, error) {
	inRange, err := s.window(day)
	if err != nil {
		return nil, err
	}
	sigs, err := s.cfg.Entry.Evaluate(s.cfg.Math, day.History, inRange)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", s.cfg.Entry.Name(), err)
	}
	if !s.fresh(sigs, s.entryActed, s.cfg.Entry.Name()) {
		return nil, nil
	}
	cost, ok := s.cfg.Bounds.Size(s.cfg.Math, day.Cash)
	if !ok {
		return nil, nil
	}
	var cond engine.ExecutionCondition = engine.AtOpen{}
	if s.cfg.EntryLimitDiscount.IsPositive() {
		discount := decimal.NewFromInt(1).Sub(s.cfg.EntryLimitDiscount)
		cond = engine.LimitBuy{Limit: s.cfg.Math.Mul(day.Bar.Close, discount)}
	}
	o := engine.NewEntryOrder(s.cfg.Ticker, day.Date, cost, s.cfg.OrderValidity, cond)
	o.Reason = s.cfg.Entry.Name()
	return o, nil
}

// window accepts signals dated within the last SignalRange trading days,
// today included, and forgets acted dates that fell out of it.
func (s *Strategy) window(day engine.Day) (signal.DatePredicate, error) {
	if need := s.WarmUp(); len(day.History) < need {
		return nil, fmt.Errorf("strategy on %s: %w: have %d bars, need %d",
			day.Date.Format(time.DateOnly), indicator.ErrInsufficientData, len(day.History), need)
	}
	from := day.History[max(0, len(day.History)-1-s.cfg.SignalRange)].Date
	for _, acted := range []map[time.Time]bool{s.entryActed, s.exitActed} {
		for d := range acted {
			if d.Before(from) {
				delete(acted, d)
			}
		}
	}
	return signal.Between(from, day.Date), nil
}

// fresh publishes and marks the signals not acted on before, and reports
// whether there were any.
func (s *Strategy) fresh(sigs []signal.DatedSignal, acted map[time.Time]bool, source string) bool {
	found := false
	for _, sig := range sigs {
		if acted[sig.Date] {
			continue
		}
		acted[sig.Date] = true
		found = true
		s.dispatcher.Publish(events.SignalAnalysisEvent{Date: sig.Date, Kind: sig.Kind.String(), Generator: source})
	}
	return found
}
