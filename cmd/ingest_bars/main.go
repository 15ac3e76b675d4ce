// Command ingest_bars loads daily bar files, or bars fetched from Alpaca,
// into ClickHouse.
//
// Usage:
//
//	ingest_bars -dir ./data/bars                 # every <TICKER>.csv in dir
//	ingest_bars -alpaca -tickers AAPL,MSFT -from 2020-01-01 -to 2024-01-01
//	ingest_bars -native -dir ./data/bars         # native protocol, no ledger
//	ingest_bars -arrow ./DEMO.arrow              # Arrow IPC file from generate_bars
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"equity-backtest/services/arrowpipeline"
	"equity-backtest/services/clickhouse"
	"equity-backtest/services/config"
	"equity-backtest/services/marketdata"
	"equity-backtest/services/model"
)

// loader is satisfied by both the HTTP ingest pipeline and the native client.
type loader interface {
	EnsureSchema(ctx context.Context) error
	load(ctx context.Context, ticker, source string, bars []model.PriceBar) (bool, error)
}

type pipelineLoader struct{ *clickhouse.IngestPipeline }

func (p pipelineLoader) load(ctx context.Context, ticker, source string, bars []model.PriceBar) (bool, error) {
	return p.Load(ctx, ticker, source, bars)
}

type nativeLoader struct{ *clickhouse.Client }

func (n nativeLoader) load(ctx context.Context, ticker, _ string, bars []model.PriceBar) (bool, error) {
	return true, n.InsertBars(ctx, ticker, bars)
}

func main() {
	dir := flag.String("dir", "", "Directory of <TICKER>.csv files")
	useAlpaca := flag.Bool("alpaca", false, "Fetch bars from Alpaca instead of files")
	tickers := flag.String("tickers", "", "Comma separated tickers (default: every file in -dir)")
	from := flag.String("from", "", "First day to fetch from Alpaca (YYYY-MM-DD)")
	to := flag.String("to", "", "Day after the last to fetch from Alpaca (YYYY-MM-DD)")
	native := flag.Bool("native", false, "Insert over the native protocol without staging or ledger")
	arrowFile := flag.String("arrow", "", "Load one Arrow IPC bar file (ticker from its metadata)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var l loader
	if *native {
		c, err := clickhouse.NewClient(cfg.ClickHouse)
		if err != nil {
			logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
		}
		defer c.Close()
		l = nativeLoader{c}
	} else {
		l = pipelineLoader{clickhouse.NewIngestPipeline(cfg.ClickHouse.HTTPURL, cfg.ClickHouse.Username,
			cfg.ClickHouse.Password, cfg.ClickHouse.Database, cfg.ClickHouse.BatchSize, logger)}
	}
	if err := l.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to create schema", zap.Error(err))
	}

	if *arrowFile != "" {
		ticker, bars, err := readArrow(*arrowFile, logger)
		if err != nil {
			logger.Fatal("Failed to read Arrow file", zap.String("path", *arrowFile), zap.Error(err))
		}
		if _, err := l.load(ctx, ticker, "arrow", bars); err != nil {
			logger.Fatal("Failed to load bars", zap.String("ticker", ticker), zap.Error(err))
		}
		fmt.Printf("Loaded %d bars for %s\n", len(bars), ticker)
		return
	}

	names, err := tickerList(*tickers, *dir)
	if err != nil {
		logger.Fatal("No tickers to ingest", zap.Error(err))
	}

	var (
		src    marketdata.Source
		source = "csv"
	)
	if *useAlpaca {
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			logger.Fatal("-alpaca needs ALPACA_API_KEY and ALPACA_API_SECRET")
		}
		src, source = marketdata.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret), "alpaca"
	} else {
		src = marketdata.CSVSource{Dir: *dir}
	}
	start, end, err := window(*from, *to)
	if err != nil {
		logger.Fatal("Invalid date range", zap.Error(err))
	}

	var loaded, skipped, failed int
	for _, ticker := range names {
		bars, err := src.Bars(ctx, ticker, start, end)
		if err != nil {
			logger.Error("Failed to read bars", zap.String("ticker", ticker), zap.Error(err))
			failed++
			continue
		}
		ok, err := l.load(ctx, ticker, source, bars)
		switch {
		case err != nil:
			logger.Error("Failed to load bars", zap.String("ticker", ticker), zap.Error(err))
			failed++
		case !ok:
			skipped++
		default:
			logger.Info("Loaded bars", zap.String("ticker", ticker), zap.Int("bars", len(bars)))
			loaded++
		}
		if ctx.Err() != nil {
			break
		}
	}
	fmt.Printf("Ingest finished: %d loaded, %d already present, %d failed\n", loaded, skipped, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func readArrow(path string, logger *zap.Logger) (string, []model.PriceBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	ticker, bars, err := arrowpipeline.NewPipeline(arrowpipeline.Config{}, logger).BarsFromArrow(f)
	if err != nil {
		return "", nil, err
	}
	if ticker == "" {
		ticker = strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	return ticker, bars, nil
}

// tickerList returns the explicit tickers, or one per .csv file in dir.
func tickerList(explicit, dir string) ([]string, error) {
	var out []string
	if explicit != "" {
		for _, t := range strings.Split(explicit, ",") {
			if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
				out = append(out, t)
			}
		}
	} else if dir != "" {
		files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			out = append(out, strings.ToUpper(strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pass -tickers or a -dir containing .csv files")
	}
	sort.Strings(out)
	return out, nil
}

// window parses the optional date flags; open ends cover every stored bar.
func window(from, to string) (start, end time.Time, err error) {
	start, end = model.NewDate(1900, 1, 1), model.NewDate(2200, 1, 1)
	if from != "" {
		if start, err = model.ParseDate(from); err != nil {
			return
		}
	}
	if to != "" {
		if end, err = model.ParseDate(to); err != nil {
			return
		}
	}
	if !start.Before(end) {
		err = fmt.Errorf("-from %s is not before -to %s", from, to)
	}
	return
}
