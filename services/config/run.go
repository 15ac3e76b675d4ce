package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"equity-backtest/services/brokerage"
	"equity-backtest/services/cash"
	"equity-backtest/services/events"
	"equity-backtest/services/indicator"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
	"equity-backtest/services/roi"
	"equity-backtest/services/signal"
	"equity-backtest/strategies"
)

// Date is a calendar day written as YYYY-MM-DD in YAML and JSON.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalText(b []byte) error {
	t, err := model.ParseDate(string(b))
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.Format(time.DateOnly)), nil }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.Format(time.DateOnly)) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

type MathDef struct {
	Scale    int32  `yaml:"scale" json:"scale"`
	Rounding string `yaml:"rounding" json:"rounding"`
}

type ScheduleDef struct {
	Schedule string          `yaml:"schedule" json:"schedule"`
	Amount   decimal.Decimal `yaml:"amount" json:"amount"`
}

type CashDef struct {
	OpeningFunds       decimal.Decimal `yaml:"opening_funds" json:"opening_funds"`
	Deposits           []ScheduleDef   `yaml:"deposits" json:"deposits"`
	Withdrawals        []ScheduleDef   `yaml:"withdrawals" json:"withdrawals"`
	AnnualInterestRate decimal.Decimal `yaml:"annual_interest_rate" json:"annual_interest_rate"`
}

// FeeDef selects a trade fee by Type: fixed, percentage or laddered.
type FeeDef struct {
	Type      string           `yaml:"type" json:"type"`
	Amount    decimal.Decimal  `yaml:"amount" json:"amount"`
	Rate      decimal.Decimal  `yaml:"rate" json:"rate"`
	Minimum   decimal.Decimal  `yaml:"minimum" json:"minimum"`
	Tiers     []brokerage.Tier `yaml:"tiers" json:"tiers"`
	AboveRate decimal.Decimal  `yaml:"above_rate" json:"above_rate"`
}

type ManagementFeeDef struct {
	AnnualRate decimal.Decimal `yaml:"annual_rate" json:"annual_rate"`
	Schedule   string          `yaml:"schedule" json:"schedule"`
}

type BrokerageDef struct {
	EquityScale   int32             `yaml:"equity_scale" json:"equity_scale"`
	Fee           FeeDef            `yaml:"fee" json:"fee"`
	ManagementFee *ManagementFeeDef `yaml:"management_fee" json:"management_fee"`
}

// GeneratorDef selects a signal generator by Type and carries the union of
// their parameters.
type GeneratorDef struct {
	Type      string          `yaml:"type" json:"type"`
	Lookback  int             `yaml:"lookback" json:"lookback"`
	Values    int             `yaml:"values" json:"values"`
	Fast      int             `yaml:"fast" json:"fast"`
	Slow      int             `yaml:"slow" json:"slow"`
	Signal    int             `yaml:"signal" json:"signal"`
	Threshold decimal.Decimal `yaml:"threshold" json:"threshold"`
	Gradient  string          `yaml:"gradient" json:"gradient"`
}

// NodeDef is one node of an entry or exit tree: signal, and, or, confirmed_by.
type NodeDef struct {
	Type         string        `yaml:"type" json:"type"`
	Generator    *GeneratorDef `yaml:"generator" json:"generator,omitempty"`
	Children     []NodeDef     `yaml:"children" json:"children,omitempty"`
	Anchor       *NodeDef      `yaml:"anchor" json:"anchor,omitempty"`
	Confirmation *NodeDef      `yaml:"confirmation" json:"confirmation,omitempty"`
	Delay        int           `yaml:"delay" json:"delay"`
	Range        int           `yaml:"range" json:"range"`
}

// ExitDef is never, on_signal or stop_loss.
type ExitDef struct {
	Type     string          `yaml:"type" json:"type"`
	Tree     *NodeDef        `yaml:"tree" json:"tree,omitempty"`
	Fraction decimal.Decimal `yaml:"fraction" json:"fraction"`
}

type StrategyDef struct {
	Entry              NodeDef                   `yaml:"entry" json:"entry"`
	Exit               ExitDef                   `yaml:"exit" json:"exit"`
	Bounds             strategies.PositionBounds `yaml:"bounds" json:"bounds"`
	SignalRange        int                       `yaml:"signal_range" json:"signal_range"`
	OrderValidity      int                       `yaml:"order_validity" json:"order_validity"`
	EntryLimitDiscount decimal.Decimal           `yaml:"entry_limit_discount" json:"entry_limit_discount"`
	InsufficientFunds  string                    `yaml:"insufficient_funds" json:"insufficient_funds"`
}

type ROIDef struct {
	Period string `yaml:"period" json:"period"`
}

// Run is a complete backtest definition.
type Run struct {
	Ticker    string       `yaml:"ticker" json:"ticker"`
	Start     Date         `yaml:"start" json:"start"`
	End       Date         `yaml:"end" json:"end"`
	Math      MathDef      `yaml:"math" json:"math"`
	Cash      CashDef      `yaml:"cash" json:"cash"`
	Brokerage BrokerageDef `yaml:"brokerage" json:"brokerage"`
	Strategy  StrategyDef  `yaml:"strategy" json:"strategy"`
	ROI       ROIDef       `yaml:"roi" json:"roi"`
}

// LoadRun reads a run definition file.
func LoadRun(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run definition: %w", err)
	}
	return ParseRun(data)
}

// ParseRun decodes YAML (JSON being a subset) and validates the result.
func ParseRun(data []byte) (*Run, error) {
	r := &Run{}
	if err := yaml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parse run definition: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the definition by building every component once.
func (r *Run) Validate() error {
	if strings.TrimSpace(r.Ticker) == "" {
		return errors.New("ticker is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return errors.New("start and end are required")
	}
	if !r.Start.Before(r.End.Time) {
		return fmt.Errorf("start %s is not before end %s", r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
	}
	if r.Cash.OpeningFunds.IsNegative() {
		return errors.New("cash.opening_funds is negative")
	}
	_, err := r.Build(nil)
	return err
}

// Components is the object graph of one run, wired to a dispatcher.
type Components struct {
	Math      mathctx.Context
	Strategy  *strategies.Strategy
	Cash      *cash.Account
	Brokerage *brokerage.Brokerage
	ROI       *roi.Calculator
	Period    roi.Period
}

// Build creates fresh components for one run; nothing is shared between calls.
func (r *Run) Build(d *events.Dispatcher) (*Components, error) {
	mc, err := r.mathContext()
	if err != nil {
		return nil, err
	}
	period, err := roi.ParsePeriod(strings.ToUpper(r.ROI.Period))
	if err != nil {
		return nil, err
	}
	cashCfg, err := r.cashConfig(mc)
	if err != nil {
		return nil, err
	}
	brokerCfg, err := r.brokerageConfig(mc)
	if err != nil {
		return nil, err
	}
	stratCfg, err := r.strategyConfig(mc)
	if err != nil {
		return nil, err
	}
	strategy, err := strategies.New(stratCfg, d)
	if err != nil {
		return nil, err
	}
	return &Components{
		Math:      mc,
		Strategy:  strategy,
		Cash:      cash.NewAccount(cashCfg, d),
		Brokerage: brokerage.New(brokerCfg, d),
		ROI:       roi.NewCalculator(mc, d),
		Period:    period,
	}, nil
}

func (r *Run) mathContext() (mathctx.Context, error) {
	mc := mathctx.Default
	if r.Math.Scale > 0 {
		mc.Scale = r.Math.Scale
	}
	rounding, ok := mathctx.ParseRounding(strings.ToLower(r.Math.Rounding))
	if !ok {
		return mc, fmt.Errorf("math.rounding %q is not half_up, half_even or down", r.Math.Rounding)
	}
	mc.Rounding = rounding
	return mc, nil
}

func (r *Run) cashConfig(mc mathctx.Context) (cash.Config, error) {
	cfg := cash.Config{
		OpeningFunds:       r.Cash.OpeningFunds,
		AnnualInterestRate: r.Cash.AnnualInterestRate,
		Math:               mc,
	}
	for _, def := range r.Cash.Deposits {
		s, err := cash.NewSchedule(def.Schedule, def.Amount)
		if err != nil {
			return cfg, fmt.Errorf("cash.deposits: %w", err)
		}
		cfg.Deposits = append(cfg.Deposits, s)
	}
	for _, def := range r.Cash.Withdrawals {
		s, err := cash.NewSchedule(def.Schedule, def.Amount)
		if err != nil {
			return cfg, fmt.Errorf("cash.withdrawals: %w", err)
		}
		cfg.Withdrawals = append(cfg.Withdrawals, s)
	}
	return cfg, nil
}

func (r *Run) brokerageConfig(mc mathctx.Context) (brokerage.Config, error) {
	cfg := brokerage.Config{Ticker: r.Ticker, EquityScale: r.Brokerage.EquityScale, Math: mc}
	if cfg.EquityScale < 0 {
		return cfg, fmt.Errorf("brokerage.equity_scale %d is negative", cfg.EquityScale)
	}
	f := r.Brokerage.Fee
	switch strings.ToLower(f.Type) {
	case "", "fixed":
		cfg.Fee = brokerage.Fixed{Amount: f.Amount}
	case "percentage":
		cfg.Fee = brokerage.Percentage{Rate: f.Rate, Minimum: f.Minimum}
	case "laddered":
		for i := 1; i < len(f.Tiers); i++ {
			if !f.Tiers[i].UpTo.GreaterThan(f.Tiers[i-1].UpTo) {
				return cfg, fmt.Errorf("brokerage.fee.tiers must ascend by up_to")
			}
		}
		cfg.Fee = brokerage.Laddered{Tiers: f.Tiers, AboveRate: f.AboveRate}
	default:
		return cfg, fmt.Errorf("brokerage.fee.type %q is not fixed, percentage or laddered", f.Type)
	}
	if m := r.Brokerage.ManagementFee; m != nil {
		fee, err := brokerage.NewPeriodicManagementFee(m.Schedule, m.AnnualRate)
		if err != nil {
			return cfg, fmt.Errorf("brokerage.management_fee: %w", err)
		}
		cfg.ManagementFee = fee
	}
	return cfg, nil
}

func (r *Run) strategyConfig(mc mathctx.Context) (strategies.Config, error) {
	s := r.Strategy
	policy, err := strategies.ParseFundsPolicy(strings.ToUpper(s.InsufficientFunds))
	if err != nil {
		return strategies.Config{}, fmt.Errorf("strategy.insufficient_funds: %w", err)
	}
	entry, err := buildNode(s.Entry, "strategy.entry")
	if err != nil {
		return strategies.Config{}, err
	}
	exit, err := buildExit(s.Exit)
	if err != nil {
		return strategies.Config{}, err
	}
	return strategies.Config{
		Ticker:             r.Ticker,
		Entry:              entry,
		Exit:               exit,
		Bounds:             s.Bounds,
		SignalRange:        s.SignalRange,
		OrderValidity:      s.OrderValidity,
		EntryLimitDiscount: s.EntryLimitDiscount,
		Policy:             policy,
		Math:               mc,
	}, nil
}

func buildExit(def ExitDef) (strategies.Exit, error) {
	switch strings.ToLower(def.Type) {
	case "", "never":
		return strategies.Never{}, nil
	case "on_signal":
		if def.Tree == nil {
			return nil, errors.New("strategy.exit: on_signal needs a tree")
		}
		tree, err := buildNode(*def.Tree, "strategy.exit.tree")
		if err != nil {
			return nil, err
		}
		return strategies.OnSignal{Tree: tree}, nil
	case "stop_loss":
		if !def.Fraction.IsPositive() || def.Fraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("strategy.exit: stop_loss fraction %s outside (0,1)", def.Fraction)
		}
		return strategies.StopLoss{Fraction: def.Fraction}, nil
	}
	return nil, fmt.Errorf("strategy.exit: unknown type %q", def.Type)
}

func buildNode(def NodeDef, path string) (strategies.Tree, error) {
	switch strings.ToLower(def.Type) {
	case "signal":
		if def.Generator == nil {
			return nil, fmt.Errorf("%s: signal node needs a generator", path)
		}
		g, err := buildGenerator(*def.Generator)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return strategies.Signal{Generator: g}, nil
	case "and", "or":
		if len(def.Children) < 2 {
			return nil, fmt.Errorf("%s: %s needs at least two children", path, def.Type)
		}
		children := make([]strategies.Tree, len(def.Children))
		for i, c := range def.Children {
			child, err := buildNode(c, fmt.Sprintf("%s.children[%d]", path, i))
			if err != nil {
				return nil, err
			}
			children[i] = child
		}
		if strings.ToLower(def.Type) == "and" {
			return strategies.And{Children: children}, nil
		}
		return strategies.Or{Children: children}, nil
	case "confirmed_by":
		if def.Anchor == nil || def.Confirmation == nil {
			return nil, fmt.Errorf("%s: confirmed_by needs anchor and confirmation", path)
		}
		if def.Delay < 0 || def.Range < 0 {
			return nil, fmt.Errorf("%s: delay and range must not be negative", path)
		}
		anchor, err := buildNode(*def.Anchor, path+".anchor")
		if err != nil {
			return nil, err
		}
		confirmation, err := buildNode(*def.Confirmation, path+".confirmation")
		if err != nil {
			return nil, err
		}
		return strategies.ConfirmedBy{Anchor: anchor, Confirmation: confirmation, Delay: def.Delay, Range: def.Range}, nil
	}
	return nil, fmt.Errorf("%s: unknown node type %q", path, def.Type)
}

// buildGenerator rejects invalid indicator parameters up front so a run
// never starts with a calculator that cannot produce values.
func buildGenerator(def GeneratorDef) (signal.Generator, error) {
	if def.Values <= 1 {
		return nil, fmt.Errorf("%w: generator %s values %d must be greater than 1", indicator.ErrInvalidArgument, def.Type, def.Values)
	}
	lookback := func() error {
		if def.Lookback <= 1 {
			return fmt.Errorf("%w: generator %s lookback %d must be greater than 1", indicator.ErrInvalidArgument, def.Type, def.Lookback)
		}
		return nil
	}
	macd := func() (indicator.MACD, error) {
		m := indicator.MACD{Fast: def.Fast, Slow: def.Slow, Signal: def.Signal, Values: def.Values}
		if m.Fast <= 1 || m.Signal <= 1 || m.Fast >= m.Slow {
			return m, fmt.Errorf("%w: %s needs 1 < fast < slow and signal > 1", indicator.ErrInvalidArgument, m.Name())
		}
		return m, nil
	}
	switch strings.ToLower(def.Type) {
	case "macd_bullish":
		m, err := macd()
		return signal.MACDBullishGenerator{MACD: m}, err
	case "macd_uptrend":
		m, err := macd()
		return signal.MACDUptrendGenerator{MACD: m}, err
	case "rsi_bullish":
		return signal.RSIBullishGenerator{RSI: indicator.RSI{Lookback: def.Lookback, Values: def.Values}, Oversold: def.Threshold}, lookback()
	case "rsi_bearish":
		return signal.RSIBearishGenerator{RSI: indicator.RSI{Lookback: def.Lookback, Values: def.Values}, Overbought: def.Threshold}, lookback()
	case "stochastic_bullish":
		return signal.StochasticBullishGenerator{Stochastic: indicator.StochasticK{Lookback: def.Lookback, Values: def.Values}, Oversold: def.Threshold}, lookback()
	case "sma_gradient", "ema_gradient":
		target, err := signal.ParseGradient(def.Gradient)
		if err != nil {
			return nil, err
		}
		if err := lookback(); err != nil {
			return nil, err
		}
		if strings.ToLower(def.Type) == "sma_gradient" {
			return signal.SMAGradientGenerator{SMA: indicator.SMA{Lookback: def.Lookback, Values: def.Values}, Target: target}, nil
		}
		return signal.EMAGradientGenerator{EMA: indicator.EMA{Lookback: def.Lookback, Values: def.Values}, Target: target}, nil
	}
	return nil, fmt.Errorf("unknown generator type %q", def.Type)
}
