// Package engine runs the day-by-day simulation of one strategy over one
// ticker, and schedules independent runs on a worker pool.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"equity-backtest/services/brokerage"
	"equity-backtest/services/events"
	"equity-backtest/services/model"
	"equity-backtest/services/roi"
)

var (
	ErrAlreadyRun          = errors.New("simulation already run")
	ErrInvariantViolation  = errors.New("simulation invariant violated")
	ErrInsufficientHistory = errors.New("insufficient history for warm-up")
)

const reasonInsufficientFunds = "insufficient funds"

// Day is what the strategy sees on a trading day.
type Day struct {
	Date time.Time
	Bar  model.PriceBar
	// History holds every bar up to and including Date.
	History  []model.PriceBar
	Cash     decimal.Decimal
	Holdings decimal.Decimal
}

// Strategy is asked for at most one exit and one entry order per trading day.
type Strategy interface {
	WarmUp() int
	Exit(day Day) (*EquityOrder, error)
	Entry(day Day) (*EquityOrder, error)
}

type CashAccount interface {
	Update(date time.Time)
	Balance() decimal.Decimal
	TotalDeposits() decimal.Decimal
	Credit(amount decimal.Decimal, date time.Time)
	Debit(amount decimal.Decimal, date time.Time) error
}

type Broker interface {
	Update(date time.Time)
	Holdings() decimal.Decimal
	QuoteBuy(totalCost, price decimal.Decimal) brokerage.Trade
	QuoteSell(volume, price decimal.Decimal) brokerage.Trade
	Buy(date time.Time, t brokerage.Trade)
	Sell(date time.Time, t brokerage.Trade) error
}

type NetWorthTracker interface {
	Update(s roi.Snapshot) decimal.Decimal
	Complete(date time.Time)
}

type Config struct {
	RunID  string
	Ticker string
	Start  time.Time
	// End is exclusive.
	End        time.Time
	Bars       *model.Series
	Strategy   Strategy
	Cash       CashAccount
	Brokerage  Broker
	ROI        NetWorthTracker
	Dispatcher *events.Dispatcher
	Logger     *zap.Logger
}

// Simulation is single use: build it with New, then Run it once.
type Simulation struct {
	cfg    Config
	logger *zap.Logger

	cursor      time.Time
	lastDay     time.Time
	state       events.SimulationState
	started     bool
	outstanding []*EquityOrder
}

func New(cfg Config) (*Simulation, error) {
	cfg.Start, cfg.End = model.Day(cfg.Start), model.Day(cfg.End)
	switch {
	case !cfg.Start.Before(cfg.End):
		return nil, fmt.Errorf("engine: start %s is not before end %s", cfg.Start.Format(time.DateOnly), cfg.End.Format(time.DateOnly))
	case cfg.Bars == nil:
		return nil, errors.New("engine: bars are required")
	case cfg.Strategy == nil || cfg.Cash == nil || cfg.Brokerage == nil || cfg.ROI == nil:
		return nil, errors.New("engine: strategy, cash, brokerage and roi are required")
	}
	if first := cfg.Bars.Between(cfg.Start, cfg.End); len(first) > 0 {
		have := len(cfg.Bars.UpTo(first[0].Date))
		if need := cfg.Strategy.WarmUp(); have < need {
			return nil, fmt.Errorf("engine: %w: %d bars up to %s, strategy needs %d",
				ErrInsufficientHistory, have, first[0].Date.Format(time.DateOnly), need)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", cfg.RunID), zap.String("ticker", cfg.Ticker))
	return &Simulation{cfg: cfg, logger: logger, cursor: cfg.Start}, nil
}

// Cursor is the next calendar day Step will simulate.
func (s *Simulation) Cursor() time.Time { return s.cursor }

func (s *Simulation) State() events.SimulationState { return s.state }

// Outstanding returns the orders carried to the next trading day.
func (s *Simulation) Outstanding() []*EquityOrder {
	return append([]*EquityOrder(nil), s.outstanding...)
}

// Run simulates every day from start up to the exclusive end date.
func (s *Simulation) Run() error {
	if s.started {
		return ErrAlreadyRun
	}
	s.logger.Info("simulation started",
		zap.Time("start", s.cfg.Start), zap.Time("end", s.cfg.End), zap.Int("bars", s.cfg.Bars.Len()))
	for s.state == events.Running {
		if err := s.Step(); err != nil {
			s.logger.Error("simulation aborted", zap.Time("date", s.cursor), zap.Error(err))
			return err
		}
	}
	s.logger.Info("simulation complete", zap.Int("outstanding_orders", len(s.outstanding)))
	return nil
}

// Step simulates the cursor's day and advances the cursor by one calendar
// day. Reaching the end date completes the simulation.
func (s *Simulation) Step() error {
	if s.state == events.Complete {
		return ErrAlreadyRun
	}
	s.started = true
	date := s.cursor

	// Days without a bar leave every ledger untouched. The cash account
	// catches up on the next trading day.
	if bar, ok := s.cfg.Bars.At(date); ok {
		s.cfg.Cash.Update(date)
		if err := s.trade(date, bar); err != nil {
			return err
		}
		s.lastDay = date
	}

	s.cursor = date.AddDate(0, 0, 1)
	if !s.cursor.Before(s.cfg.End) {
		s.complete()
	}
	return nil
}

func (s *Simulation) trade(date time.Time, bar model.PriceBar) error {
	if err := s.settle(date, bar); err != nil {
		return err
	}

	day := Day{
		Date:     date,
		Bar:      bar,
		History:  s.cfg.Bars.UpTo(date),
		Cash:     s.cfg.Cash.Balance(),
		Holdings: s.cfg.Brokerage.Holdings(),
	}
	exit, err := s.cfg.Strategy.Exit(day)
	if err != nil {
		return err
	}
	s.place(exit, events.OrderExit)
	entry, err := s.cfg.Strategy.Entry(day)
	if err != nil {
		return err
	}
	s.place(entry, events.OrderEntry)

	s.cfg.ROI.Update(roi.Snapshot{
		Date:          date,
		Holdings:      s.cfg.Brokerage.Holdings(),
		Close:         bar.Close,
		Cash:          s.cfg.Cash.Balance(),
		TotalDeposits: s.cfg.Cash.TotalDeposits(),
	})
	s.cfg.Brokerage.Update(date)
	return nil
}

func (s *Simulation) place(o *EquityOrder, kind events.OrderEventType) {
	if o == nil {
		return
	}
	s.outstanding = append(s.outstanding, o)
	s.publishOrder(kind, o.Created, o)
}

// settle walks the outstanding orders in placement order: expired orders are
// dropped, unmet ones carried over, the rest executed or deleted.
func (s *Simulation) settle(date time.Time, bar model.PriceBar) error {
	kept := s.outstanding[:0]
	for _, o := range s.outstanding {
		if !o.advance() {
			s.logger.Debug("order expired", zap.String("order_id", o.ID), zap.Time("date", date))
			continue
		}
		price, ok := o.Condition.FillPrice(bar)
		if !ok {
			kept = append(kept, o)
			continue
		}
		if err := s.execute(date, o, price); err != nil {
			return err
		}
	}
	for i := len(kept); i < len(s.outstanding); i++ {
		s.outstanding[i] = nil
	}
	s.outstanding = kept
	return nil
}

func (s *Simulation) execute(date time.Time, o *EquityOrder, price decimal.Decimal) error {
	switch o.Kind {
	case OrderEntry:
		trade := s.cfg.Brokerage.QuoteBuy(o.TotalCost, price)
		balance := s.cfg.Cash.Balance()
		if o.TotalCost.GreaterThan(balance) || trade.Cost().GreaterThan(balance) || !trade.Volume.IsPositive() {
			s.publishOrder(events.OrderDeleted, date, o)
			s.logger.Debug("order deleted", zap.String("order_id", o.ID), zap.Time("date", date),
				zap.String("reason", reasonInsufficientFunds))
			return nil
		}
		if err := s.cfg.Cash.Debit(trade.Cost(), date); err != nil {
			return fmt.Errorf("%w: order %s: %w", ErrInvariantViolation, o.ID, err)
		}
		s.cfg.Brokerage.Buy(date, trade)
	case OrderExit:
		volume := o.Volume
		if o.EntireHolding {
			volume = s.cfg.Brokerage.Holdings()
		}
		if !volume.IsPositive() {
			return nil
		}
		trade := s.cfg.Brokerage.QuoteSell(volume, price)
		if err := s.cfg.Brokerage.Sell(date, trade); err != nil {
			return fmt.Errorf("%w: order %s: %w", ErrInvariantViolation, o.ID, err)
		}
		s.cfg.Cash.Credit(trade.Proceeds(), date)
	}
	s.logger.Debug("order executed", zap.String("order_id", o.ID), zap.Time("date", date),
		zap.Stringer("kind", o.Kind), zap.String("price", price.String()))
	return nil
}

func (s *Simulation) publishOrder(kind events.OrderEventType, date time.Time, o *EquityOrder) {
	e := events.OrderEvent{
		Type:      kind,
		Date:      date,
		OrderID:   o.ID,
		Ticker:    o.Ticker,
		TotalCost: o.TotalCost,
		Volume:    o.Volume,
		Reason:    o.Reason,
	}
	if kind == events.OrderDeleted {
		e.Reason = reasonInsufficientFunds
	}
	s.cfg.Dispatcher.Publish(e)
}

func (s *Simulation) complete() {
	s.state = events.Complete
	final := s.lastDay
	if final.IsZero() {
		final = s.cfg.End.AddDate(0, 0, -1)
	}
	s.cfg.ROI.Complete(final)
	s.cfg.Dispatcher.Publish(events.SimulationStateEvent{Date: final, State: events.Complete})
}
