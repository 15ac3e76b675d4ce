package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"equity-backtest/services/model"
)

type barsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaSource fetches split and dividend adjusted daily bars from Alpaca.
type AlpacaSource struct {
	client barsClient
}

func NewAlpacaSource(apiKey, apiSecret string) *AlpacaSource {
	return &AlpacaSource{client: marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})}
}

func (s *AlpacaSource) Bars(ctx context.Context, ticker string, from, to time.Time) ([]model.PriceBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.client.GetBars(ticker, marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.All,
		Start:      from,
		End:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars for %s: %w", ticker, err)
	}
	bars := make([]model.PriceBar, 0, len(raw))
	for _, b := range raw {
		day := model.Day(b.Timestamp)
		if day.Before(from) || !day.Before(to) {
			continue
		}
		bars = append(bars, model.PriceBar{
			Date:   day,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: decimal.NewFromInt(int64(b.Volume)),
		})
	}
	return bars, nil
}
