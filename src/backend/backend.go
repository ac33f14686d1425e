// Package backend describes the charting backends the loader can fall back
// through and renders chart documents with whichever one is active.
package backend

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"chartview/src/candle"
)

type Capability uint8

const (
	CapTradingOverlays Capability = 1 << iota
	CapMultiSeriesStyles
	CapVolumePane
)

// Descriptor is one candidate charting backend. Candidates with a ScriptURL
// need their library bundle loaded and verified first; an empty ScriptURL
// means the chart is produced server-side with no script phase.
type Descriptor struct {
	Name         string
	ScriptURL    string
	GlobalSymbol string
	LoadTimeout  time.Duration
	Capabilities Capability
	bootstrap    string
}

func (d Descriptor) NeedsScript() bool { return d.ScriptURL != "" }

func (d Descriptor) Has(c Capability) bool { return d.Capabilities&c != 0 }

// DefaultCandidates is the fallback priority order: the full TradingView
// widget, then the lightweight renderer, then the built-in server-side chart
// which cannot fail on a network dependency.
func DefaultCandidates() []Descriptor {
	return []Descriptor{
		{
			Name:         "tradingview",
			ScriptURL:    "https://s3.tradingview.com/tv.js",
			GlobalSymbol: "TradingView",
			LoadTimeout:  15 * time.Second,
			Capabilities: CapTradingOverlays | CapMultiSeriesStyles | CapVolumePane,
			bootstrap:    tradingViewBootstrap,
		},
		{
			Name:         "lightweight",
			ScriptURL:    "https://unpkg.com/lightweight-charts/dist/lightweight-charts.standalone.production.js",
			GlobalSymbol: "LightweightCharts",
			LoadTimeout:  10 * time.Second,
			Capabilities: CapMultiSeriesStyles | CapVolumePane,
			bootstrap:    lightweightBootstrap,
		},
		{
			Name:         "builtin",
			Capabilities: CapMultiSeriesStyles | CapVolumePane,
		},
	}
}

type Style string

const (
	StyleCandlestick Style = "candlestick"
	StyleLine        Style = "line"
	StyleBars        Style = "bars"
)

// Options are the render parameters that can change without a refetch.
type Options struct {
	Style      Style
	ShowVolume bool
	Width      int
	Height     int
}

func (o Options) withDefaults() Options {
	if o.Style == "" {
		o.Style = StyleCandlestick
	}
	if o.Width <= 0 {
		o.Width = 900
	}
	if o.Height <= 0 {
		o.Height = 500
	}
	return o
}

// Renderer writes a self-contained HTML chart document.
type Renderer interface {
	Render(w io.Writer, req *candle.Request, series candle.Series, prov candle.Provenance, opts Options) error
}

var deepLinkIntervals = map[candle.Interval]string{
	"1m":  "1",
	"3m":  "3",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"2h":  "120",
	"4h":  "240",
	"1d":  "D",
}

// DeepLink builds the external charting-site URL for symbol/interval. Always
// reachable regardless of loader state; the UI offers it as the escape hatch.
func DeepLink(symbol string, interval candle.Interval) string {
	iv, ok := deepLinkIntervals[interval]
	if !ok {
		iv = "60"
	}
	return fmt.Sprintf("https://www.tradingview.com/chart/?symbol=%s&interval=%s",
		url.QueryEscape("BINANCE:"+symbol), iv)
}
