package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
	"equity-backtest/services/roi"
)

// Result is the outcome of one completed run.
type Result struct {
	RunID          string          `json:"run_id"`
	Ticker         string          `json:"ticker"`
	ConfigHash     string          `json:"config_hash,omitempty"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	Complete       bool            `json:"complete"`
	NetWorth       decimal.Decimal `json:"net_worth"`
	Cash           decimal.Decimal `json:"cash"`
	Holdings       decimal.Decimal `json:"holdings"`
	EquityValue    decimal.Decimal `json:"equity_value"`
	TotalDeposits  decimal.Decimal `json:"total_deposits"`
	InterestPaid   decimal.Decimal `json:"interest_paid"`
	FeesPaid       decimal.Decimal `json:"fees_paid"`
	CumulativeROI  decimal.Decimal `json:"cumulative_roi"`
	Buys           int             `json:"buys"`
	Sells          int             `json:"sells"`
	EntryOrders    int             `json:"entry_orders"`
	ExitOrders     int             `json:"exit_orders"`
	DeletedOrders  int             `json:"deleted_orders"`
	Signals        int             `json:"signals"`
	ManagementFees int             `json:"management_fees"`
}

// Summary is a listener folding the event stream into a Result.
type Summary struct {
	result     Result
	cumulative roi.Cumulative
}

func NewSummary(runID, ticker string, start, end time.Time) *Summary {
	return &Summary{result: Result{RunID: runID, Ticker: ticker, Start: start, End: end}}
}

func (s *Summary) OnEvent(e events.Event) {
	r := &s.result
	switch e := e.(type) {
	case events.CashEvent:
		switch e.Type {
		case events.CashDeposit:
			r.TotalDeposits = r.TotalDeposits.Add(e.Amount)
		case events.CashWithdrawal:
			r.TotalDeposits = r.TotalDeposits.Sub(e.Amount)
		case events.CashInterest:
			r.InterestPaid = r.InterestPaid.Add(e.Amount)
		}
	case events.BrokerageEvent:
		r.FeesPaid = r.FeesPaid.Add(e.Fee)
		if e.Type == events.BrokerageBuy {
			r.Buys++
		} else {
			r.Sells++
		}
	case events.OrderEvent:
		switch e.Type {
		case events.OrderEntry:
			r.EntryOrders++
		case events.OrderExit:
			r.ExitOrders++
		case events.OrderDeleted:
			r.DeletedOrders++
		}
	case events.ReturnOnInvestmentEvent:
		s.cumulative.OnEvent(e)
		r.CumulativeROI = s.cumulative.Total()
	case events.NetWorthEvent:
		r.NetWorth, r.Cash, r.Holdings, r.EquityValue = e.NetWorth, e.Cash, e.Holdings, e.EquityValue
	case events.SignalAnalysisEvent:
		r.Signals++
	case events.EquityEvent:
		r.ManagementFees++
	case events.SimulationStateEvent:
		r.Complete = e.State == events.Complete
	}
}

func (s *Summary) Result() Result { return s.result }

// WithConfigHash records the fingerprint of the run definition.
func (s *Summary) WithConfigHash(hash string) *Summary {
	s.result.ConfigHash = hash
	return s
}
