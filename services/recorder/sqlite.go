package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"equity-backtest/services/events"
)

// SQLiteRecorder writes every event to a table for its family. Decimals are
// stored as TEXT and dates as YYYY-MM-DD so nothing is rounded.
type SQLiteRecorder struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(dbPath string, logger *zap.Logger) (*SQLiteRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	r := &SQLiteRecorder{db: db, logger: logger}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("sqlite recorder opened", zap.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_states (
			id     INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			date   TEXT NOT NULL,
			state  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cash_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id       TEXT NOT NULL,
			date         TEXT NOT NULL,
			type         TEXT NOT NULL,
			amount       TEXT NOT NULL,
			funds_before TEXT NOT NULL,
			funds_after  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cash_run ON cash_events(run_id, date)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id          TEXT NOT NULL,
			date            TEXT NOT NULL,
			type            TEXT NOT NULL,
			ticker          TEXT NOT NULL,
			volume          TEXT NOT NULL,
			price           TEXT NOT NULL,
			trade_value     TEXT NOT NULL,
			fee             TEXT NOT NULL,
			holdings_before TEXT NOT NULL,
			holdings_after  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id, date)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			date       TEXT NOT NULL,
			type       TEXT NOT NULL,
			order_id   TEXT NOT NULL,
			ticker     TEXT NOT NULL,
			total_cost TEXT NOT NULL,
			volume     TEXT NOT NULL,
			reason     TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_run ON orders(run_id, date)`,
		`CREATE TABLE IF NOT EXISTS returns (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id          TEXT NOT NULL,
			period          TEXT NOT NULL,
			exclusive_start TEXT NOT NULL,
			inclusive_end   TEXT NOT NULL,
			percentage      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_returns_run ON returns(run_id, period, inclusive_end)`,
		`CREATE TABLE IF NOT EXISTS net_worth (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id       TEXT NOT NULL,
			date         TEXT NOT NULL,
			state        TEXT NOT NULL,
			cash         TEXT NOT NULL,
			holdings     TEXT NOT NULL,
			close        TEXT NOT NULL,
			equity_value TEXT NOT NULL,
			net_worth    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_net_worth_run ON net_worth(run_id, date)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id    TEXT NOT NULL,
			date      TEXT NOT NULL,
			kind      TEXT NOT NULL,
			generator TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS equity_events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id          TEXT NOT NULL,
			date            TEXT NOT NULL,
			type            TEXT NOT NULL,
			ticker          TEXT NOT NULL,
			volume          TEXT NOT NULL,
			holdings_before TEXT NOT NULL,
			holdings_after  TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// ForRun returns a listener recording events under runID. Write failures
// are logged; they never interrupt the simulation.
func (r *SQLiteRecorder) ForRun(runID string) events.Listener {
	return events.ListenerFunc(func(e events.Event) {
		if err := r.Record(runID, e); err != nil {
			r.logger.Error("record event failed", zap.String("run_id", runID),
				zap.String("type", string(e.EventType())), zap.Error(err))
		}
	})
}

func day(t time.Time) string { return t.Format(time.DateOnly) }

// Record writes one event.
func (r *SQLiteRecorder) Record(runID string, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	switch e := e.(type) {
	case events.CashEvent:
		_, err = r.db.Exec(`INSERT INTO cash_events (run_id, date, type, amount, funds_before, funds_after) VALUES (?, ?, ?, ?, ?, ?)`,
			runID, day(e.Date), string(e.Type), e.Amount.String(), e.FundsBefore.String(), e.FundsAfter.String())
	case events.BrokerageEvent:
		_, err = r.db.Exec(`INSERT INTO trades (run_id, date, type, ticker, volume, price, trade_value, fee, holdings_before, holdings_after)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, day(e.Date), string(e.Type), e.Ticker, e.Volume.String(), e.Price.String(), e.TradeValue.String(),
			e.Fee.String(), e.HoldingsBefore.String(), e.HoldingsAfter.String())
	case events.OrderEvent:
		_, err = r.db.Exec(`INSERT INTO orders (run_id, date, type, order_id, ticker, total_cost, volume, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, day(e.Date), string(e.Type), e.OrderID, e.Ticker, e.TotalCost.String(), e.Volume.String(), e.Reason)
	case events.ReturnOnInvestmentEvent:
		_, err = r.db.Exec(`INSERT INTO returns (run_id, period, exclusive_start, inclusive_end, percentage) VALUES (?, ?, ?, ?, ?)`,
			runID, e.Period, day(e.ExclusiveStart), day(e.InclusiveEnd), e.Percentage.String())
	case events.NetWorthEvent:
		_, err = r.db.Exec(`INSERT INTO net_worth (run_id, date, state, cash, holdings, close, equity_value, net_worth) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, day(e.Date), e.State.String(), e.Cash.String(), e.Holdings.String(), e.Close.String(),
			e.EquityValue.String(), e.NetWorth.String())
	case events.SignalAnalysisEvent:
		_, err = r.db.Exec(`INSERT INTO signals (run_id, date, kind, generator) VALUES (?, ?, ?, ?)`,
			runID, day(e.Date), e.Kind, e.Generator)
	case events.EquityEvent:
		_, err = r.db.Exec(`INSERT INTO equity_events (run_id, date, type, ticker, volume, holdings_before, holdings_after) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, day(e.Date), string(e.Type), e.Ticker, e.Volume.String(), e.HoldingsBefore.String(), e.HoldingsAfter.String())
	case events.SimulationStateEvent:
		_, err = r.db.Exec(`INSERT INTO run_states (run_id, date, state) VALUES (?, ?, ?)`,
			runID, day(e.Date), e.State.String())
	default:
		return fmt.Errorf("unknown event %T", e)
	}
	return err
}

// NetWorth returns the daily RUNNING rows of a run in date order.
func (r *SQLiteRecorder) NetWorth(ctx context.Context, runID string) ([]events.NetWorthEvent, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT date, cash, holdings, close, equity_value, net_worth
		FROM net_worth WHERE run_id = ? AND state = 'RUNNING' ORDER BY date, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query net worth: %w", err)
	}
	defer rows.Close()

	var out []events.NetWorthEvent
	for rows.Next() {
		var date string
		var vals [5]string
		if err := rows.Scan(&date, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4]); err != nil {
			return nil, err
		}
		e := events.NetWorthEvent{State: events.Running}
		if e.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, err
		}
		dst := []*decimal.Decimal{&e.Cash, &e.Holdings, &e.Close, &e.EquityValue, &e.NetWorth}
		for i, v := range vals {
			if *dst[i], err = decimal.NewFromString(v); err != nil {
				return nil, fmt.Errorf("net worth column %d: %w", i, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}

var _ Recorder = (*SQLiteRecorder)(nil)
