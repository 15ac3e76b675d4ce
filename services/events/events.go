// Package events defines the simulation event stream and how listeners receive it.
package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeCash            Type = "cash"
	TypeBrokerage       Type = "brokerage"
	TypeOrder           Type = "order"
	TypeReturnOnInvest  Type = "return_on_investment"
	TypeNetWorth        Type = "net_worth"
	TypeSignalAnalysis  Type = "signal_analysis"
	TypeEquity          Type = "equity"
	TypeSimulationState Type = "simulation_state"
)

// Event is implemented by every event the simulation emits.
type Event interface {
	EventType() Type
	EventDate() time.Time
}

type CashEventType string

const (
	CashDeposit    CashEventType = "DEPOSIT"
	CashWithdrawal CashEventType = "WITHDRAWAL"
	CashInterest   CashEventType = "INTEREST"
	CashCredit     CashEventType = "CREDIT"
	CashDebit      CashEventType = "DEBIT"
)

type CashEvent struct {
	Type        CashEventType   `json:"type"`
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	FundsBefore decimal.Decimal `json:"funds_before"`
	FundsAfter  decimal.Decimal `json:"funds_after"`
}

func (e CashEvent) EventType() Type      { return TypeCash }
func (e CashEvent) EventDate() time.Time { return e.Date }

type BrokerageEventType string

const (
	BrokerageBuy  BrokerageEventType = "BUY"
	BrokerageSell BrokerageEventType = "SELL"
)

type BrokerageEvent struct {
	Type           BrokerageEventType `json:"type"`
	Date           time.Time          `json:"date"`
	Ticker         string             `json:"ticker"`
	Volume         decimal.Decimal    `json:"volume"`
	Price          decimal.Decimal    `json:"price"`
	TradeValue     decimal.Decimal    `json:"trade_value"`
	Fee            decimal.Decimal    `json:"fee"`
	HoldingsBefore decimal.Decimal    `json:"holdings_before"`
	HoldingsAfter  decimal.Decimal    `json:"holdings_after"`
}

func (e BrokerageEvent) EventType() Type      { return TypeBrokerage }
func (e BrokerageEvent) EventDate() time.Time { return e.Date }

type OrderEventType string

const (
	OrderEntry   OrderEventType = "ENTRY"
	OrderExit    OrderEventType = "EXIT"
	OrderDeleted OrderEventType = "DELETED"
)

// OrderEvent reports an order placed by the strategy or deleted for lack of funds.
type OrderEvent struct {
	Type      OrderEventType  `json:"type"`
	Date      time.Time       `json:"date"`
	OrderID   string          `json:"order_id"`
	Ticker    string          `json:"ticker"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Volume    decimal.Decimal `json:"volume"`
	Reason    string          `json:"reason,omitempty"`
}

func (e OrderEvent) EventType() Type      { return TypeOrder }
func (e OrderEvent) EventDate() time.Time { return e.Date }

// ReturnOnInvestmentEvent is the percentage change over (ExclusiveStart, InclusiveEnd].
type ReturnOnInvestmentEvent struct {
	Percentage     decimal.Decimal `json:"percentage"`
	ExclusiveStart time.Time       `json:"exclusive_start"`
	InclusiveEnd   time.Time       `json:"inclusive_end"`
	Period         string          `json:"period,omitempty"`
}

func (e ReturnOnInvestmentEvent) EventType() Type      { return TypeReturnOnInvest }
func (e ReturnOnInvestmentEvent) EventDate() time.Time { return e.InclusiveEnd }

type SimulationState int

const (
	Running SimulationState = iota
	Complete
)

func (s SimulationState) String() string {
	if s == Complete {
		return "COMPLETE"
	}
	return "RUNNING"
}

func (s SimulationState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

type NetWorthEvent struct {
	Date        time.Time       `json:"date"`
	Cash        decimal.Decimal `json:"cash"`
	Holdings    decimal.Decimal `json:"holdings"`
	Close       decimal.Decimal `json:"close"`
	EquityValue decimal.Decimal `json:"equity_value"`
	NetWorth    decimal.Decimal `json:"net_worth"`
	State       SimulationState `json:"state"`
}

func (e NetWorthEvent) EventType() Type      { return TypeNetWorth }
func (e NetWorthEvent) EventDate() time.Time { return e.Date }

// SignalAnalysisEvent records a signal the strategy considered.
type SignalAnalysisEvent struct {
	Date      time.Time `json:"date"`
	Kind      string    `json:"kind"`
	Generator string    `json:"generator"`
}

func (e SignalAnalysisEvent) EventType() Type      { return TypeSignalAnalysis }
func (e SignalAnalysisEvent) EventDate() time.Time { return e.Date }

type EquityEventType string

const EquityManagementFee EquityEventType = "MANAGEMENT_FEE"

// EquityEvent reports equity units removed outside a trade.
type EquityEvent struct {
	Type           EquityEventType `json:"type"`
	Date           time.Time       `json:"date"`
	Ticker         string          `json:"ticker"`
	Volume         decimal.Decimal `json:"volume"`
	HoldingsBefore decimal.Decimal `json:"holdings_before"`
	HoldingsAfter  decimal.Decimal `json:"holdings_after"`
}

func (e EquityEvent) EventType() Type      { return TypeEquity }
func (e EquityEvent) EventDate() time.Time { return e.Date }

// SimulationStateEvent is the terminal state transition.
type SimulationStateEvent struct {
	Date  time.Time       `json:"date"`
	State SimulationState `json:"state"`
}

func (e SimulationStateEvent) EventType() Type      { return TypeSimulationState }
func (e SimulationStateEvent) EventDate() time.Time { return e.Date }

// Envelope wraps an event for transports that carry several runs.
type Envelope struct {
	RunID string `json:"run_id"`
	Type  Type   `json:"type"`
	Event Event  `json:"event"`
}

func Wrap(runID string, e Event) Envelope {
	return Envelope{RunID: runID, Type: e.EventType(), Event: e}
}
