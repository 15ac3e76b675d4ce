package arrowpipeline

import (
	"io"
	"sync"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
)

// Ledger collects the daily net-worth rows of one run.
type Ledger struct {
	mu   sync.Mutex
	rows []events.NetWorthEvent
}

func (l *Ledger) OnEvent(e events.Event) {
	nw, ok := e.(events.NetWorthEvent)
	if !ok || nw.State != events.Running {
		return
	}
	l.mu.Lock()
	l.rows = append(l.rows, nw)
	l.mu.Unlock()
}

// Rows returns a copy of the collected rows.
func (l *Ledger) Rows() []events.NetWorthEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.NetWorthEvent(nil), l.rows...)
}

var ledgerFields = []arrow.Field{
	{Name: "date", Type: arrow.FixedWidthTypes.Date32},
	{Name: "cash", Type: decimalType},
	{Name: "holdings", Type: decimalType},
	{Name: "close", Type: decimalType},
	{Name: "equity_value", Type: decimalType},
	{Name: "net_worth", Type: decimalType},
}

// LedgerToArrow writes net-worth rows as one IPC stream tagged with runID.
func (p *Pipeline) LedgerToArrow(w io.Writer, runID string, rows []events.NetWorthEvent) error {
	md := arrow.NewMetadata([]string{"run_id"}, []string{runID})
	schema := arrow.NewSchema(ledgerFields, &md)
	return p.write(w, schema, len(rows), func(b *array.RecordBuilder, i int) error {
		r := rows[i]
		b.Field(0).(*array.Date32Builder).Append(arrow.Date32FromTime(r.Date))
		for j, v := range []decimal.Decimal{r.Cash, r.Holdings, r.Close, r.EquityValue, r.NetWorth} {
			if err := appendDecimal(b.Field(j+1).(*array.Decimal128Builder), v); err != nil {
				return err
			}
		}
		return nil
	})
}
