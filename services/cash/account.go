// Package cash implements the cash account: scheduled deposits and withdrawals,
// interest calculated daily and paid monthly, and trade debits and credits.
package cash

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
	"equity-backtest/services/mathctx"
	"equity-backtest/services/model"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

var daysPerYear = decimal.NewFromInt(365)

// Schedule is an amount applied at every activation of a cron expression.
type Schedule struct {
	Spec     string
	Amount   decimal.Decimal
	schedule cron.Schedule
}

// NewSchedule parses a standard five-field cron expression or descriptor such as "@monthly".
func NewSchedule(spec string, amount decimal.Decimal) (Schedule, error) {
	if !amount.IsPositive() {
		return Schedule{}, fmt.Errorf("schedule %q: amount must be positive, got %s", spec, amount)
	}
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return Schedule{Spec: spec, Amount: amount, schedule: s}, nil
}

// activations lists the days on which the schedule fires in (after, upTo].
func (s Schedule) activations(after, upTo time.Time) []time.Time {
	var out []time.Time
	for t := s.schedule.Next(after); !t.After(upTo); t = s.schedule.Next(t) {
		out = append(out, model.Day(t))
	}
	return out
}

type Config struct {
	OpeningFunds       decimal.Decimal
	Deposits           []Schedule
	Withdrawals        []Schedule
	AnnualInterestRate decimal.Decimal
	Math               mathctx.Context
}

// Account is the running cash balance of one simulation.
type Account struct {
	cfg        Config
	dispatcher *events.Dispatcher

	funds         decimal.Decimal
	totalDeposits decimal.Decimal
	accrued       decimal.Decimal
	lastUpdate    time.Time
	started       bool
}

func NewAccount(cfg Config, dispatcher *events.Dispatcher) *Account {
	return &Account{cfg: cfg, dispatcher: dispatcher}
}

// Balance is the cash available for trading.
func (a *Account) Balance() decimal.Decimal { return a.funds }

// TotalDeposits is everything deposited less everything withdrawn, opening funds included.
func (a *Account) TotalDeposits() decimal.Decimal { return a.totalDeposits }

// Update brings the account forward to date: interest accrues for the elapsed
// days, accrued interest is paid when the month rolls over, and scheduled
// deposits and withdrawals due since the previous update are applied.
func (a *Account) Update(date time.Time) {
	date = model.Day(date)
	if !a.started {
		a.started = true
		a.lastUpdate = date
		if a.cfg.OpeningFunds.IsPositive() {
			a.deposit(a.cfg.OpeningFunds, date)
		}
		a.applySchedules(date.Add(-time.Nanosecond), date)
		return
	}
	if !date.After(a.lastUpdate) {
		return
	}

	a.accrueInterest(date)
	if date.Month() != a.lastUpdate.Month() || date.Year() != a.lastUpdate.Year() {
		a.payInterest(date)
	}
	a.applySchedules(a.lastUpdate, date)
	a.lastUpdate = date
}

// applySchedules dates each deposit and withdrawal at its activation, even
// when the update that applies it comes later.
func (a *Account) applySchedules(after, upTo time.Time) {
	for _, s := range a.cfg.Deposits {
		for _, on := range s.activations(after, upTo) {
			a.deposit(s.Amount, on)
		}
	}
	for _, s := range a.cfg.Withdrawals {
		for _, on := range s.activations(after, upTo) {
			a.withdraw(s.Amount, on)
		}
	}
}

func (a *Account) accrueInterest(date time.Time) {
	if !a.cfg.AnnualInterestRate.IsPositive() || !a.funds.IsPositive() {
		return
	}
	days := decimal.NewFromInt(int64(date.Sub(a.lastUpdate).Hours() / 24))
	daily := a.cfg.Math.Div(a.cfg.Math.Mul(a.funds, a.cfg.AnnualInterestRate), daysPerYear)
	a.accrued = a.accrued.Add(a.cfg.Math.Mul(daily, days))
}

func (a *Account) payInterest(date time.Time) {
	if !a.accrued.IsPositive() {
		return
	}
	amount := a.accrued
	a.accrued = decimal.Zero
	a.apply(events.CashInterest, amount, date)
}

func (a *Account) deposit(amount decimal.Decimal, date time.Time) {
	a.totalDeposits = a.totalDeposits.Add(amount)
	a.apply(events.CashDeposit, amount, date)
}

// withdraw takes at most the available balance.
func (a *Account) withdraw(amount decimal.Decimal, date time.Time) {
	amount = decimal.Min(amount, a.funds)
	if !amount.IsPositive() {
		return
	}
	a.totalDeposits = a.totalDeposits.Sub(amount)
	a.apply(events.CashWithdrawal, amount.Neg(), date)
}

// Credit adds trade proceeds.
func (a *Account) Credit(amount decimal.Decimal, date time.Time) {
	a.apply(events.CashCredit, amount, date)
}

// Debit removes amount, or fails without mutating the balance.
func (a *Account) Debit(amount decimal.Decimal, date time.Time) error {
	if amount.GreaterThan(a.funds) {
		return fmt.Errorf("%w: debit %s exceeds balance %s", ErrInsufficientFunds, amount, a.funds)
	}
	a.apply(events.CashDebit, amount.Neg(), date)
	return nil
}

func (a *Account) apply(kind events.CashEventType, delta decimal.Decimal, date time.Time) {
	before := a.funds
	a.funds = a.funds.Add(delta)
	a.dispatcher.Publish(events.CashEvent{
		Type:        kind,
		Date:        date,
		Amount:      delta.Abs(),
		FundsBefore: before,
		FundsAfter:  a.funds,
	})
}
