package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"chartview/src/candle"
)

const FetchTimeout = 10 * time.Second

// Fetcher obtains a candle series for (symbol, interval, lookback hours).
// Implementations return an error on any failure; degrading to synthetic
// data is the Provider's job, not theirs.
type Fetcher interface {
	Name() string
	FetchCandles(ctx context.Context, symbol string, interval candle.Interval, hours int) (candle.Series, error)
}

// APIFetcher reads candles from the alerting backend's chart-data endpoint.
type APIFetcher struct {
	BaseURL string
	Client  *http.Client
}

func NewAPIFetcher(baseURL string) *APIFetcher {
	return &APIFetcher{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: FetchTimeout},
	}
}

func (f *APIFetcher) Name() string { return "api" }

type chartDataResponse struct {
	ChartData []candle.Candle `json:"chart_data"`
}

func (f *APIFetcher) FetchCandles(ctx context.Context, symbol string, interval candle.Interval, hours int) (candle.Series, error) {
	u := fmt.Sprintf("%s/api/chart-data/%s?interval=%s&hours=%d",
		f.BaseURL, url.PathEscape(symbol), url.QueryEscape(interval.String()), hours)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("api: fetch %s: status %d", symbol, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("api: read body: %w", err)
	}
	var decoded chartDataResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("api: decode %s: %w", symbol, err)
	}
	// the backend answers {"chart_data": []} when it has nothing for the
	// symbol, which must trigger the fallback the same as an outage
	if len(decoded.ChartData) == 0 {
		return nil, fmt.Errorf("api: no chart data for %s", symbol)
	}
	return candle.Series(decoded.ChartData).Normalize(), nil
}
