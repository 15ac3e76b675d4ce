// Package clickhouse stores daily bars and simulation events in ClickHouse.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"equity-backtest/services/config"
	"equity-backtest/services/marketdata"
	"equity-backtest/services/model"
)

const (
	barsTable   = "daily_bars"
	eventsTable = "simulation_events"
)

// conn is the part of driver.Conn this package uses.
type conn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// Client reads bars from, and writes events to, one database.
type Client struct {
	conn     conn
	database string
}

func NewClient(cfg config.ClickHouseConfig) (*Client, error) {
	c, err := ch.Open(&ch.Options{
		Addr: []string{cfg.Addr},
		Auth: ch.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
		Compression: &ch.Compression{Method: ch.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &Client{conn: c, database: cfg.Database}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) table(name string) string {
	if c.database == "" {
		return name
	}
	return c.database + "." + name
}

// EnsureSchema creates the bar and event tables when they are missing.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema(c.table(barsTable), c.table(eventsTable)) {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func schema(bars, events string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + bars + ` (
			ticker LowCardinality(String),
			date Date,
			open Decimal(38, 10),
			high Decimal(38, 10),
			low Decimal(38, 10),
			close Decimal(38, 10),
			volume Decimal(38, 10),
			ingested_at DateTime DEFAULT now()
		) ENGINE = ReplacingMergeTree(ingested_at)
		ORDER BY (ticker, date)`,
		`CREATE TABLE IF NOT EXISTS ` + events + ` (
			run_id String,
			seq UInt64,
			type LowCardinality(String),
			date Date,
			payload String
		) ENGINE = MergeTree
		ORDER BY (run_id, seq)`,
	}
}

// Bars implements marketdata.Source over the daily_bars table.
func (c *Client) Bars(ctx context.Context, ticker string, from, to time.Time) ([]model.PriceBar, error) {
	query := `
		SELECT date, open, high, low, close, volume
		FROM ` + c.table(barsTable) + ` FINAL
		WHERE ticker = ?
		AND date >= ?
		AND date < ?
		ORDER BY date`

	rows, err := c.conn.Query(ctx, query, strings.ToUpper(ticker), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.PriceBar
	for rows.Next() {
		var (
			date                           time.Time
			open, high, low, close, volume decimal.Decimal
		)
		if err := rows.Scan(&date, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, model.PriceBar{Date: model.Day(date), Open: open, High: high, Low: low, Close: close, Volume: volume})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w for %s in %s", marketdata.ErrNoData, ticker, barsTable)
	}
	return bars, nil
}

// InsertBars writes bars through the native protocol.
func (c *Client) InsertBars(ctx context.Context, ticker string, bars []model.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+c.table(barsTable)+" (ticker, date, open, high, low, close, volume)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	ticker = strings.ToUpper(ticker)
	for _, b := range bars {
		if err := batch.Append(ticker, b.Date, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	return batch.Send()
}
