package clickhouse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"equity-backtest/services/model"
)

// BarRow is one daily_bars row in JSONEachRow form. Decimals travel as
// strings so nothing is rounded through float.
type BarRow struct {
	Ticker string `json:"ticker"`
	Date   string `json:"date"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
	Source string `json:"source"`
}

func NewBarRow(ticker, source string, b model.PriceBar) BarRow {
	return BarRow{
		Ticker: strings.ToUpper(ticker),
		Date:   b.Date.Format(time.DateOnly),
		Open:   b.Open.String(),
		High:   b.High.String(),
		Low:    b.Low.String(),
		Close:  b.Close.String(),
		Volume: b.Volume.String(),
		Source: source,
	}
}

// BatchClient buffers rows and inserts them over the HTTP interface as
// gzip-compressed JSONEachRow.
type BatchClient struct {
	http  httpInterface
	table string
	rows  []BarRow
	size  int
}

func NewBatchClient(baseURL, username, password, table string, batchSize int) *BatchClient {
	return newBatchClient(newHTTPInterface(baseURL, username, password), table, batchSize)
}

func newBatchClient(h httpInterface, table string, batchSize int) *BatchClient {
	if batchSize <= 0 {
		batchSize = 10000
	}
	return &BatchClient{http: h, table: table, size: batchSize, rows: make([]BarRow, 0, batchSize)}
}

// Add buffers row, flushing once the batch is full.
func (c *BatchClient) Add(ctx context.Context, row BarRow) error {
	c.rows = append(c.rows, row)
	if len(c.rows) < c.size {
		return nil
	}
	return c.Flush(ctx)
}

// Flush inserts the buffered rows. The buffer is kept on failure so the
// caller may retry.
func (c *BatchClient) Flush(ctx context.Context) error {
	if len(c.rows) == 0 {
		return nil
	}
	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	enc := json.NewEncoder(gz)
	for _, row := range c.rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode %s %s: %w", row.Ticker, row.Date, err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip error: %w", err)
	}

	params := url.Values{
		"query":                        {"INSERT INTO " + c.table + " FORMAT JSONEachRow"},
		"input_format_null_as_default": {"1"},
	}
	if _, err := c.http.post(ctx, params, &body, true); err != nil {
		return err
	}
	c.rows = c.rows[:0]
	return nil
}

func (c *BatchClient) Close(ctx context.Context) error {
	return c.Flush(ctx)
}
