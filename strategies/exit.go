//! Exit Rules
//!
//! Rules that decide when a held position is sold, on a signal or a trailing stop-loss.

package strategies

import (
	"fmt"

	"github.com/shopspring/decimal"

	"equity-backtest/services/engine"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/signal"
)

// ExitDecision is what an exit rule proposes for today. The strategy sells on
// Standing, or on any signal it has not acted on yet.
type ExitDecision struct {
	Signals   []signal.DatedSignal
	Standing  bool
	Condition engine.ExecutionCondition
}

// Exit decides when the holding is sold.
type Exit interface {
	Name() string
	TradingDays() int
	Decide(mc mathctx.Context, day engine.Day, inRange signal.DatePredicate) (ExitDecision, error)
}

// Never holds forever.
type Never struct{}

func (Never) Name() string     { return "never" }
func (Never) TradingDays() int { return 0 }

func (Never) Decide(mathctx.Context, engine.Day, signal.DatePredicate) (ExitDecision, error) {
	return ExitDecision{}, nil
}

// OnSignal sells the whole holding at the next open after Tree fires.
type OnSignal struct {
	Tree Tree
}

func (o OnSignal) Name() string     { return "on " + o.Tree.Name() }
func (o OnSignal) TradingDays() int { return o.Tree.TradingDays() }

func (o OnSignal) Decide(mc mathctx.Context, day engine.Day, inRange signal.DatePredicate) (ExitDecision, error) {
	sigs, err := o.Tree.Evaluate(mc, day.History, inRange)
	if err != nil {
		return ExitDecision{}, err
	}
	return ExitDecision{Signals: sigs, Condition: engine.AtOpen{}}, nil
}

// StopLoss keeps a one-day stop order Fraction below today's close.
type StopLoss struct {
	Fraction decimal.Decimal
}

func (s StopLoss) Name() string     { return fmt.Sprintf("stop loss %s", s.Fraction) }
func (s StopLoss) TradingDays() int { return 0 }

func (s StopLoss) Decide(mc mathctx.Context, day engine.Day, _ signal.DatePredicate) (ExitDecision, error) {
	stop := mc.Mul(day.Bar.Close, decimal.NewFromInt(1).Sub(s.Fraction))
	return ExitDecision{Standing: true, Condition: engine.StopSell{Stop: stop}}, nil
}
