// Package arrowpipeline exports bars and net-worth ledgers as Apache Arrow
// IPC streams. Prices travel as Decimal128 so a round trip is exact.
package arrowpipeline

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/decimal128"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"equity-backtest/services/model"
)

const (
	decimalPrecision = 38
	decimalScale     = 18
)

// ErrPrecision is returned for values with more fractional digits than a
// Decimal128 column carries.
var ErrPrecision = errors.New("value exceeds decimal128 scale")

var decimalType = &arrow.Decimal128Type{Precision: decimalPrecision, Scale: decimalScale}

// Config holds Arrow pipeline configuration
type Config struct {
	// BatchSize is the number of rows per record batch.
	BatchSize int `yaml:"batch_size"`
}

// Pipeline converts between domain values and Arrow IPC streams.
type Pipeline struct {
	config Config
	mem    memory.Allocator
	logger *zap.Logger
}

func NewPipeline(config Config, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{config: config, mem: memory.NewGoAllocator(), logger: logger}
}

var barFields = []arrow.Field{
	{Name: "date", Type: arrow.FixedWidthTypes.Date32},
	{Name: "open", Type: decimalType},
	{Name: "high", Type: decimalType},
	{Name: "low", Type: decimalType},
	{Name: "close", Type: decimalType},
	{Name: "volume", Type: decimalType},
}

// BarsToArrow writes bars for ticker as one IPC stream; the ticker is kept in
// the schema metadata.
func (p *Pipeline) BarsToArrow(w io.Writer, ticker string, bars []model.PriceBar) error {
	md := arrow.NewMetadata([]string{"ticker"}, []string{ticker})
	schema := arrow.NewSchema(barFields, &md)
	return p.write(w, schema, len(bars), func(b *array.RecordBuilder, i int) error {
		bar := bars[i]
		b.Field(0).(*array.Date32Builder).Append(arrow.Date32FromTime(bar.Date))
		for j, v := range []decimal.Decimal{bar.Open, bar.High, bar.Low, bar.Close, bar.Volume} {
			if err := appendDecimal(b.Field(j+1).(*array.Decimal128Builder), v); err != nil {
				return fmt.Errorf("bar %s %s: %w", bar.Date.Format("2006-01-02"), barFields[j+1].Name, err)
			}
		}
		return nil
	})
}

// BarsFromArrow reads a stream written by BarsToArrow.
func (p *Pipeline) BarsFromArrow(r io.Reader) (string, []model.PriceBar, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.mem))
	if err != nil {
		return "", nil, fmt.Errorf("failed to open Arrow stream: %w", err)
	}
	defer rdr.Release()

	var ticker string
	if md := rdr.Schema().Metadata(); md.FindKey("ticker") >= 0 {
		ticker = md.Values()[md.FindKey("ticker")]
	}
	if !sameFields(rdr.Schema(), barFields) {
		return "", nil, fmt.Errorf("unexpected schema %s", rdr.Schema())
	}

	var bars []model.PriceBar
	for rdr.Next() {
		rec := rdr.Record()
		dates := rec.Column(0).(*array.Date32)
		cols := make([]*array.Decimal128, 5)
		for j := range cols {
			cols[j] = rec.Column(j + 1).(*array.Decimal128)
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			bars = append(bars, model.PriceBar{
				Date:   model.Day(dates.Value(i).ToTime()),
				Open:   fromDecimal128(cols[0].Value(i)),
				High:   fromDecimal128(cols[1].Value(i)),
				Low:    fromDecimal128(cols[2].Value(i)),
				Close:  fromDecimal128(cols[3].Value(i)),
				Volume: fromDecimal128(cols[4].Value(i)),
			})
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", nil, fmt.Errorf("failed to read Arrow record: %w", err)
	}
	return ticker, bars, nil
}

// write streams n rows in record batches of BatchSize.
func (p *Pipeline) write(w io.Writer, schema *arrow.Schema, n int, row func(b *array.RecordBuilder, i int) error) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(p.mem))
	builder := array.NewRecordBuilder(p.mem, schema)
	defer builder.Release()

	flush := func() error {
		rec := builder.NewRecord()
		defer rec.Release()
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("failed to write Arrow record: %w", err)
		}
		p.logger.Debug("arrow batch written", zap.Int64("rows", rec.NumRows()))
		return nil
	}
	for i := 0; i < n; i++ {
		if err := row(builder, i); err != nil {
			writer.Close()
			return err
		}
		if (i+1)%p.config.BatchSize == 0 {
			if err := flush(); err != nil {
				writer.Close()
				return err
			}
		}
	}
	if n%p.config.BatchSize != 0 {
		if err := flush(); err != nil {
			writer.Close()
			return err
		}
	}
	return writer.Close()
}

func appendDecimal(b *array.Decimal128Builder, v decimal.Decimal) error {
	if !v.Truncate(decimalScale).Equal(v) {
		return fmt.Errorf("%w: %s", ErrPrecision, v)
	}
	b.Append(decimal128.FromBigInt(v.Shift(decimalScale).BigInt()))
	return nil
}

func fromDecimal128(n decimal128.Num) decimal.Decimal {
	return decimal.NewFromBigInt(n.BigInt(), -decimalScale)
}

func sameFields(schema *arrow.Schema, want []arrow.Field) bool {
	if len(schema.Fields()) != len(want) {
		return false
	}
	for i, f := range schema.Fields() {
		if f.Name != want[i].Name || !arrow.TypeEqual(f.Type, want[i].Type) {
			return false
		}
	}
	return true
}
