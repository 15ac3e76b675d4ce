package clickhouse

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"

	"equity-backtest/services/events"
	"equity-backtest/services/marketdata"
	"equity-backtest/services/model"
)

type fakeRows struct {
	driver.Rows
	bars []model.PriceBar
	i    int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.bars)
}

func (r *fakeRows) Scan(dest ...any) error {
	b := r.bars[r.i-1]
	*dest[0].(*time.Time) = b.Date
	for j, v := range []decimal.Decimal{b.Open, b.High, b.Low, b.Close, b.Volume} {
		*dest[j+1].(*decimal.Decimal) = v
	}
	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

type fakeBatch struct {
	driver.Batch
	conn *fakeConn
	rows [][]any
}

func (b *fakeBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	b.conn.sent = append(b.conn.sent, b.rows)
	return nil
}

func (b *fakeBatch) Abort() error { return nil }

type fakeConn struct {
	mu      sync.Mutex
	bars    []model.PriceBar
	queries []string
	args    []any
	sent    [][][]any
}

func (c *fakeConn) Query(_ context.Context, query string, args ...any) (driver.Rows, error) {
	c.queries = append(c.queries, query)
	c.args = args
	return &fakeRows{bars: c.bars}, nil
}

func (c *fakeConn) Exec(_ context.Context, query string, _ ...any) error {
	c.queries = append(c.queries, query)
	return nil
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.queries = append(c.queries, query)
	return &fakeBatch{conn: c}, nil
}

func (c *fakeConn) Close() error { return nil }

func dailyBar(day int, close string) model.PriceBar {
	p := decimal.RequireFromString(close)
	return model.PriceBar{Date: model.NewDate(2024, time.March, day), Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(10)}
}

func TestClientBars(t *testing.T) {
	fc := &fakeConn{bars: []model.PriceBar{dailyBar(4, "10.5"), dailyBar(5, "11")}}
	c := &Client{conn: fc, database: "market"}

	bars, err := c.Bars(context.Background(), "acme", model.NewDate(2024, time.March, 1), model.NewDate(2024, time.April, 1))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 2 || !bars[0].Close.Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("bars = %+v", bars)
	}
	if !strings.Contains(fc.queries[0], "market.daily_bars FINAL") {
		t.Fatalf("query = %s", fc.queries[0])
	}
	if fc.args[0] != "ACME" {
		t.Fatalf("ticker arg = %v, want upper case", fc.args[0])
	}

	fc.bars = nil
	if _, err := c.Bars(context.Background(), "acme", time.Time{}, time.Now()); !errors.Is(err, marketdata.ErrNoData) {
		t.Fatalf("err = %v, want ErrNoData", err)
	}
}

func TestClientInsertBarsAndSchema(t *testing.T) {
	fc := &fakeConn{}
	c := &Client{conn: fc}
	if err := c.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fc.queries) != 2 || !strings.Contains(fc.queries[0], "ReplacingMergeTree") {
		t.Fatalf("ddl = %v", fc.queries)
	}
	if err := c.InsertBars(context.Background(), "acme", []model.PriceBar{dailyBar(4, "1"), dailyBar(5, "2")}); err != nil {
		t.Fatal(err)
	}
	if len(fc.sent) != 1 || len(fc.sent[0]) != 2 || fc.sent[0][0][0] != "ACME" {
		t.Fatalf("sent = %v", fc.sent)
	}
}

func TestEventSinkFlushes(t *testing.T) {
	fc := &fakeConn{}
	sink := (&Client{conn: fc}).NewEventSink("run-1", 2, nil)
	day := model.NewDate(2024, time.March, 4)

	sink.OnEvent(events.CashEvent{Type: events.CashDeposit, Date: day, Amount: decimal.NewFromInt(5)})
	if len(fc.sent) != 0 {
		t.Fatalf("flushed before batch size")
	}
	sink.OnEvent(events.CashEvent{Type: events.CashDebit, Date: day, Amount: decimal.NewFromInt(1)})
	if len(fc.sent) != 1 || len(fc.sent[0]) != 2 {
		t.Fatalf("sent = %v", fc.sent)
	}
	sink.OnEvent(events.SimulationStateEvent{Date: day, State: events.Complete})
	if len(fc.sent) != 2 {
		t.Fatalf("terminal event did not flush: %d batches", len(fc.sent))
	}
	last := fc.sent[1][0]
	if last[0] != "run-1" || last[1] != uint64(3) || last[2] != string(events.TypeSimulationState) {
		t.Fatalf("row = %v", last)
	}
	if sink.Err() != nil {
		t.Fatal(sink.Err())
	}
}

func TestBatchClientPostsGzipJSONEachRow(t *testing.T) {
	var (
		query string
		rows  []BarRow
		user  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
		user, _, _ = r.BasicAuth()
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sc := bufio.NewScanner(zr)
		for sc.Scan() {
			var row BarRow
			if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			rows = append(rows, row)
		}
	}))
	defer srv.Close()

	c := NewBatchClient(srv.URL, "loader", "secret", "market.daily_bars_staging", 10)
	ctx := context.Background()
	for _, b := range []model.PriceBar{dailyBar(4, "1.25"), dailyBar(5, "2")} {
		if err := c.Add(ctx, NewBarRow("acme", "csv", b)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if query != "INSERT INTO market.daily_bars_staging FORMAT JSONEachRow" || user != "loader" {
		t.Fatalf("query %q user %q", query, user)
	}
	if len(rows) != 2 || rows[0].Close != "1.25" || rows[0].Date != "2024-03-04" || rows[0].Ticker != "ACME" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestBatchClientReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 60. Table does not exist", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewBatchClient(srv.URL, "", "", "missing", 1)
	err := c.Add(context.Background(), NewBarRow("acme", "csv", dailyBar(4, "1")))
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v", err)
	}
}

func TestIngestPipelineIsIdempotent(t *testing.T) {
	var (
		mu      sync.Mutex
		ledger  = map[string]bool{}
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if q := r.URL.Query().Get("query"); q != "" {
			queries = append(queries, q)
			return
		}
		body, _ := io.ReadAll(r.Body)
		q := string(body)
		queries = append(queries, q)
		switch {
		case strings.HasPrefix(strings.TrimSpace(q), "SELECT count()"):
			if ledger[r.URL.Query().Get("param_sha")] {
				io.WriteString(w, "1\n")
			} else {
				io.WriteString(w, "0\n")
			}
		case strings.Contains(q, "ingest_ledger") && strings.Contains(q, "INSERT"):
			ledger[r.URL.Query().Get("param_sha")] = true
		}
	}))
	defer srv.Close()

	p := NewIngestPipeline(srv.URL, "", "", "market", 100, nil)
	bars := []model.PriceBar{dailyBar(4, "1"), dailyBar(5, "2")}
	loaded, err := p.Load(context.Background(), "acme", "csv", bars)
	if err != nil || !loaded {
		t.Fatalf("first load = %v, %v", loaded, err)
	}
	n := len(queries)
	if n != 4 {
		t.Fatalf("first load issued %d requests, want ledger check, stage, canonicalize, record", n)
	}
	loaded, err = p.Load(context.Background(), "ACME", "csv", bars)
	if err != nil || loaded {
		t.Fatalf("second load = %v, %v", loaded, err)
	}
	if len(queries) != n+1 {
		t.Fatalf("second load issued %d requests, want only the ledger check", len(queries)-n)
	}
}

func TestDigestChangesWithContent(t *testing.T) {
	a := Digest("acme", []model.PriceBar{dailyBar(4, "1")})
	if a != Digest("ACME", []model.PriceBar{dailyBar(4, "1")}) {
		t.Fatal("digest depends on ticker case")
	}
	if a == Digest("acme", []model.PriceBar{dailyBar(4, "1.01")}) {
		t.Fatal("digest ignores prices")
	}
}
