package clickhouse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"equity-backtest/services/model"
)

// IngestPipeline loads daily bar files into ClickHouse over HTTP: rows are
// staged, then copied into daily_bars with sanity checks, and each file is
// recorded in a ledger so reloading it is a no-op.
type IngestPipeline struct {
	http      httpInterface
	database  string
	batchSize int
	logger    *zap.Logger
}

func NewIngestPipeline(baseURL, username, password, database string, batchSize int, logger *zap.Logger) *IngestPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestPipeline{
		http:      newHTTPInterface(baseURL, username, password),
		database:  database,
		batchSize: batchSize,
		logger:    logger,
	}
}

func (p *IngestPipeline) table(name string) string {
	if p.database == "" {
		return name
	}
	return p.database + "." + name
}

// EnsureSchema creates the canonical, staging and ledger tables.
func (p *IngestPipeline) EnsureSchema(ctx context.Context) error {
	ddl := append(schema(p.table(barsTable), p.table(eventsTable)),
		`CREATE TABLE IF NOT EXISTS `+p.table("daily_bars_staging")+` (
			ticker String,
			date String,
			open String,
			high String,
			low String,
			close String,
			volume String,
			source String,
			ingested_at DateTime DEFAULT now()
		) ENGINE = MergeTree
		ORDER BY (ticker, date)`,
		`CREATE TABLE IF NOT EXISTS `+p.table("ingest_ledger")+` (
			ticker String,
			file_sha256 String,
			row_count UInt64,
			source String,
			inserted_at DateTime DEFAULT now()
		) ENGINE = MergeTree
		ORDER BY (ticker, file_sha256)`,
	)
	for _, q := range ddl {
		if _, err := p.execute(ctx, q, nil); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Load stages bars for ticker, canonicalises them and records the load.
// It reports false when an identical file was loaded before.
func (p *IngestPipeline) Load(ctx context.Context, ticker, source string, bars []model.PriceBar) (bool, error) {
	ticker = strings.ToUpper(ticker)
	digest := Digest(ticker, bars)
	seen, err := p.ledgerHas(ctx, ticker, digest)
	if err != nil {
		return false, fmt.Errorf("ledger check error: %w", err)
	}
	if seen {
		p.logger.Info("bars already ingested, skipping", zap.String("ticker", ticker), zap.String("sha256", digest))
		return false, nil
	}

	batch := newBatchClient(p.http, p.table("daily_bars_staging"), p.batchSize)
	for _, b := range bars {
		if err := batch.Add(ctx, NewBarRow(ticker, source, b)); err != nil {
			return false, fmt.Errorf("stage bars: %w", err)
		}
	}
	if err := batch.Close(ctx); err != nil {
		return false, fmt.Errorf("flush error: %w", err)
	}
	if err := p.canonicalize(ctx, ticker); err != nil {
		return false, fmt.Errorf("canonicalize: %w", err)
	}
	_, err = p.execute(ctx, `INSERT INTO `+p.table("ingest_ledger")+` (ticker, file_sha256, row_count, source)
		VALUES ({ticker:String}, {sha:String}, {rows:UInt64}, {source:String})`, url.Values{
		"param_ticker": {ticker},
		"param_sha":    {digest},
		"param_rows":   {strconv.Itoa(len(bars))},
		"param_source": {source},
	})
	if err != nil {
		return false, fmt.Errorf("record ledger: %w", err)
	}
	p.logger.Info("bars ingested", zap.String("ticker", ticker), zap.Int("rows", len(bars)))
	return true, nil
}

// canonicalize copies the latest staged version of each (ticker, date) into
// daily_bars, dropping rows that fail to parse or whose range is inconsistent.
func (p *IngestPipeline) canonicalize(ctx context.Context, ticker string) error {
	query := `
		INSERT INTO ` + p.table(barsTable) + ` (ticker, date, open, high, low, close, volume)
		SELECT ticker, date, open, high, low, close, volume
		FROM (
			SELECT
				ticker,
				toDate(date) AS date,
				argMax(toDecimal128OrNull(open, 10), ingested_at) AS open,
				argMax(toDecimal128OrNull(high, 10), ingested_at) AS high,
				argMax(toDecimal128OrNull(low, 10), ingested_at) AS low,
				argMax(toDecimal128OrNull(close, 10), ingested_at) AS close,
				argMax(ifNull(toDecimal128OrNull(volume, 10), toDecimal128(0, 10)), ingested_at) AS volume
			FROM ` + p.table("daily_bars_staging") + `
			WHERE ticker = {ticker:String}
			GROUP BY ticker, date
		)
		WHERE open IS NOT NULL
			AND high IS NOT NULL
			AND low IS NOT NULL
			AND close IS NOT NULL
			AND high >= greatest(open, close, low)
			AND low <= least(open, close, high)`
	_, err := p.execute(ctx, query, url.Values{"param_ticker": {ticker}})
	return err
}

func (p *IngestPipeline) ledgerHas(ctx context.Context, ticker, digest string) (bool, error) {
	body, err := p.execute(ctx, `SELECT count() FROM `+p.table("ingest_ledger")+`
		WHERE ticker = {ticker:String} AND file_sha256 = {sha:String} FORMAT TabSeparated`, url.Values{
		"param_ticker": {ticker},
		"param_sha":    {digest},
	})
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		return false, fmt.Errorf("unexpected ledger response %q", body)
	}
	return n > 0, nil
}

// execute posts query with its bound parameters and returns the response body.
func (p *IngestPipeline) execute(ctx context.Context, query string, params url.Values) (string, error) {
	if params == nil {
		params = url.Values{}
	}
	return p.http.post(ctx, params, strings.NewReader(query), false)
}

// Digest fingerprints a bar file so repeated loads can be detected.
func Digest(ticker string, bars []model.PriceBar) string {
	h := sha256.New()
	fmt.Fprintln(h, strings.ToUpper(ticker))
	for _, b := range bars {
		fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s\n", b.Date.Format(time.DateOnly),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}
