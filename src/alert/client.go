// Package alert pulls the active alert lists from the alerting backend so a
// chart opened from one alert can overlay the others for the same symbol.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"chartview/src/candle"
	"chartview/src/common"
)

type Alert struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
	Message   string          `json:"message"`
}

type AllAlerts struct {
	VolumeAlerts      []Alert `json:"volume_alerts"`
	ConsecutiveAlerts []Alert `json:"consecutive_alerts"`
	PriorityAlerts    []Alert `json:"priority_alerts"`
	SmartMoneyAlerts  []Alert `json:"smart_money_alerts"`
}

type Client struct {
	BaseURL string
	Client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) FetchAll(ctx context.Context) (*AllAlerts, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/alerts/all", nil)
	if err != nil {
		return nil, fmt.Errorf("alert: build request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alert: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alert: fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("alert: read body: %w", err)
	}
	var all AllAlerts
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, fmt.Errorf("alert: decode: %w", err)
	}
	return &all, nil
}

// RelatedMarkers returns markers for every active alert on symbol. Best
// effort: a backend failure degrades to no related markers, never an error.
func (c *Client) RelatedMarkers(ctx context.Context, symbol string) []candle.Marker {
	all, err := c.FetchAll(ctx)
	if err != nil {
		common.Logger.Sugar().Warnf("Client RelatedMarkers %s: %v", symbol, err)
		return nil
	}
	var markers []candle.Marker
	for _, group := range []struct {
		label  string
		alerts []Alert
	}{
		{"volume", all.VolumeAlerts},
		{"consecutive", all.ConsecutiveAlerts},
		{"priority", all.PriorityAlerts},
		{"smart money", all.SmartMoneyAlerts},
	} {
		for _, a := range group.alerts {
			if a.Symbol != symbol {
				continue
			}
			label := group.label
			if a.Message != "" {
				label = a.Message
			}
			markers = append(markers, candle.Marker{
				Time:     a.Timestamp,
				Price:    a.Price,
				Label:    label,
				Category: candle.MarkerRelatedAlert,
			})
		}
	}
	return markers
}
