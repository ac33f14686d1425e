package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"chartview/src/candle"
)

const (
	BinanceFuturesAPIBaseURL = "https://fapi.binance.com"

	maxKlineLimit = 1500
)

// BinanceFetcher reads candles from the public Binance futures klines
// endpoint. Secondary live source when the alerting backend has no data.
type BinanceFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewBinanceFetcher() *BinanceFetcher {
	return &BinanceFetcher{
		BaseURL: BinanceFuturesAPIBaseURL,
		Client:  &http.Client{Timeout: FetchTimeout},
	}
}

func (f *BinanceFetcher) Name() string { return "binance" }

func (f *BinanceFetcher) FetchCandles(ctx context.Context, symbol string, interval candle.Interval, hours int) (candle.Series, error) {
	limit := int(float64(hours) * float64(3600) / interval.Duration().Seconds())
	if limit < 1 {
		limit = 1
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	u := fmt.Sprintf("%s/fapi/v1/klines?symbol=%s&interval=%s&limit=%d",
		f.BaseURL, url.QueryEscape(symbol), url.QueryEscape(interval.String()), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: fetch %s: status %d", symbol, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance: read body: %w", err)
	}

	// klines come back as positional arrays:
	// [openTime, open, high, low, close, volume, closeTime, quoteVolume, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("binance: no klines for %s", symbol)
	}

	series := make(candle.Series, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			return nil, fmt.Errorf("binance: short kline row for %s", symbol)
		}
		var openTimeMs int64
		if err := json.Unmarshal(row[0], &openTimeMs); err != nil {
			return nil, fmt.Errorf("binance: kline open time: %w", err)
		}
		fields := make([]float64, 0, 6)
		for _, raw := range []json.RawMessage{row[1], row[2], row[3], row[4], row[5], row[7]} {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("binance: kline field: %w", err)
			}
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("binance: kline field %q: %w", s, err)
			}
			fields = append(fields, d.InexactFloat64())
		}
		series = append(series, candle.Candle{
			Time:       openTimeMs / 1000,
			Open:       fields[0],
			High:       fields[1],
			Low:        fields[2],
			Close:      fields[3],
			Volume:     fields[4],
			VolumeUSDT: fields[5],
			IsLong:     fields[3] >= fields[0],
		})
	}
	return series.Normalize(), nil
}
