// Command backtest runs one YAML run definition and prints its summary.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"equity-backtest/services/arrowpipeline"
	"equity-backtest/services/clickhouse"
	"equity-backtest/services/config"
	"equity-backtest/services/engine"
	"equity-backtest/services/events"
	"equity-backtest/services/marketdata"
	"equity-backtest/services/recorder"
	"equity-backtest/services/runner"
)

func main() {
	runPath := flag.String("run", "", "Run definition (YAML or JSON)")
	source := flag.String("source", "", "Bar source: csv, clickhouse or alpaca (default BAR_SOURCE)")
	csvDir := flag.String("csv-dir", "", "Directory of <TICKER>.csv files (default BAR_CSV_DIR)")
	ledgerOut := flag.String("ledger", "", "Write the daily net-worth ledger to this .csv or .arrow file")
	sqlitePath := flag.String("sqlite", "", "Record every event to this SQLite database")
	asJSON := flag.Bool("json", false, "Print the result as JSON")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *runPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *source != "" {
		os.Setenv("BAR_SOURCE", *source)
	}
	if *csvDir != "" {
		os.Setenv("BAR_CSV_DIR", *csvDir)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(*verbose)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	def, err := config.LoadRun(*runPath)
	if err != nil {
		logger.Fatal("Invalid run definition", zap.String("path", *runPath), zap.Error(err))
	}

	var src marketdata.Source
	switch cfg.MarketData.Source {
	case "clickhouse":
		ch, err := clickhouse.NewClient(cfg.ClickHouse)
		if err != nil {
			logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
		}
		defer ch.Close()
		src = ch
	case "alpaca":
		src = marketdata.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret)
	default:
		src = marketdata.CSVSource{Dir: cfg.MarketData.CSVDir}
	}

	var rec recorder.Recorder = recorder.NewNoopRecorder()
	if *sqlitePath != "" {
		sqlite, err := recorder.NewSQLiteRecorder(*sqlitePath, logger)
		if err != nil {
			logger.Fatal("Failed to open recorder", zap.Error(err))
		}
		rec = sqlite
	}
	defer rec.Close()

	ledger := &arrowpipeline.Ledger{}
	r := runner.New(src, func(runID string) []events.Listener {
		return []events.Listener{ledger, rec.ForRun(runID)}
	}, logger)

	started := time.Now()
	result, err := r.Run(context.Background(), "", def)
	if err != nil {
		logger.Fatal("Backtest failed", zap.Error(err))
	}
	logger.Debug("backtest finished", zap.Duration("elapsed", time.Since(started)))

	if *ledgerOut != "" {
		if err := writeLedger(*ledgerOut, result.RunID, ledger.Rows(), logger); err != nil {
			logger.Fatal("Failed to write ledger", zap.Error(err))
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			logger.Fatal("Failed to encode result", zap.Error(err))
		}
		return
	}
	printSummary(result)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func printSummary(r engine.Result) {
	fmt.Println("=== Backtest Summary ===")
	hash := r.ConfigHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	fmt.Printf("Run: %s (config %s)\n", r.RunID, hash)
	fmt.Printf("Ticker: %s, Period: %s to %s\n", r.Ticker, r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
	fmt.Printf("Net worth: %s (cash %s + %s units worth %s)\n", r.NetWorth.StringFixed(2), r.Cash.StringFixed(2), r.Holdings.String(), r.EquityValue.StringFixed(2))
	fmt.Printf("Deposits: %s, Interest: %s, Fees: %s\n", r.TotalDeposits.StringFixed(2), r.InterestPaid.StringFixed(2), r.FeesPaid.StringFixed(2))
	fmt.Printf("Cumulative ROI: %s%%\n", r.CumulativeROI.StringFixed(4))
	fmt.Printf("Signals: %d, Orders: %d entry / %d exit / %d deleted, Trades: %d buys / %d sells\n",
		r.Signals, r.EntryOrders, r.ExitOrders, r.DeletedOrders, r.Buys, r.Sells)
}

func writeLedger(path, runID string, rows []events.NetWorthEvent, logger *zap.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".arrow") {
		return arrowpipeline.NewPipeline(arrowpipeline.Config{}, logger).LedgerToArrow(f, runID, rows)
	}
	w := csv.NewWriter(f)
	w.Write([]string{"date", "cash", "holdings", "close", "equity_value", "net_worth"})
	for _, r := range rows {
		w.Write([]string{r.Date.Format(time.DateOnly), r.Cash.String(), r.Holdings.String(),
			r.Close.String(), r.EquityValue.String(), r.NetWorth.String()})
	}
	w.Flush()
	return w.Error()
}
