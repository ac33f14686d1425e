package backend

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"chartview/src/candle"
	"chartview/src/scriptload"
)

func sampleRequest() *candle.Request {
	return &candle.Request{
		Symbol:         "BTCUSDT",
		Interval:       "1m",
		ReferencePrice: decimal.NewFromInt(42000),
		ReferenceTime:  1700000000,
		Markers: []candle.Marker{
			{Time: 1700000100, Price: decimal.NewFromInt(42100), Label: "volume", Category: candle.MarkerRelatedAlert},
		},
	}
}

func sampleSeries() candle.Series {
	series := make(candle.Series, 0, 10)
	for i := 0; i < 10; i++ {
		p := 42000.0 + float64(i)*10
		series = append(series, candle.Candle{
			Time:   1700000000 + int64(i*60),
			Open:   p,
			High:   p + 15,
			Low:    p - 15,
			Close:  p + 5,
			Volume: 100,
			IsLong: true,
		})
	}
	return series
}

func TestDeepLink(t *testing.T) {
	link := DeepLink("BTCUSDT", "1m")
	require.Contains(t, link, "BINANCE%3ABTCUSDT")
	require.Contains(t, link, "interval=1")

	require.Contains(t, DeepLink("ETHUSDT", "1d"), "interval=D")
	// unknown intervals fall back to hourly rather than a broken link
	require.Contains(t, DeepLink("ETHUSDT", "9m"), "interval=60")
}

func TestDefaultCandidates(t *testing.T) {
	candidates := DefaultCandidates()
	require.GreaterOrEqual(t, len(candidates), 3)
	for _, d := range candidates[:len(candidates)-1] {
		require.True(t, d.NeedsScript())
		require.NotEmpty(t, d.GlobalSymbol)
		require.Positive(t, d.LoadTimeout)
	}
	last := candidates[len(candidates)-1]
	require.False(t, last.NeedsScript(), "last candidate must not depend on a script load")
	require.True(t, last.Has(CapMultiSeriesStyles))
}

func TestWidgetRenderer(t *testing.T) {
	candidates := DefaultCandidates()
	lightweight := candidates[1]
	asset := &scriptload.Asset{
		URL:          lightweight.ScriptURL,
		GlobalSymbol: lightweight.GlobalSymbol,
		Body:         []byte(`var LightweightCharts = {};`),
		LoadedAt:     time.Now(),
	}

	t.Run("LiveDocument", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewWidgetRenderer(lightweight, asset)
		err := r.Render(&buf, sampleRequest(), sampleSeries(), candle.ProvenanceLive, Options{Style: StyleCandlestick, ShowVolume: true})
		require.NoError(t, err)
		doc := buf.String()
		require.Contains(t, doc, "var LightweightCharts = {};")
		require.Contains(t, doc, "addCandlestickSeries")
		require.Contains(t, doc, "BTCUSDT")
		require.Contains(t, doc, "tradingview.com/chart")
		require.NotContains(t, doc, `data-provenance="synthetic"`)
	})

	t.Run("SyntheticBadge", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewWidgetRenderer(lightweight, asset)
		err := r.Render(&buf, sampleRequest(), sampleSeries(), candle.ProvenanceSynthetic, Options{})
		require.NoError(t, err)
		require.Contains(t, buf.String(), `data-provenance="synthetic"`)
	})

	t.Run("MarkersEmbedded", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewWidgetRenderer(lightweight, asset)
		err := r.Render(&buf, sampleRequest(), sampleSeries(), candle.ProvenanceLive, Options{})
		require.NoError(t, err)
		doc := buf.String()
		require.Contains(t, doc, "primary-alert")
		require.Contains(t, doc, "related-alert")
	})

	t.Run("MissingAssetFails", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewWidgetRenderer(lightweight, nil)
		err := r.Render(&buf, sampleRequest(), sampleSeries(), candle.ProvenanceLive, Options{})
		require.Error(t, err)
	})
}

func TestEChartsRenderer(t *testing.T) {
	builtin := DefaultCandidates()[2]
	r := NewEChartsRenderer(builtin)

	for _, style := range []Style{StyleCandlestick, StyleLine, StyleBars} {
		t.Run(string(style), func(t *testing.T) {
			var buf bytes.Buffer
			err := r.Render(&buf, sampleRequest(), sampleSeries(), candle.ProvenanceLive, Options{Style: style, ShowVolume: true})
			require.NoError(t, err)
			doc := buf.String()
			require.Contains(t, doc, "BTCUSDT")
			require.True(t, strings.Contains(doc, "echarts"))
		})
	}

	t.Run("SyntheticSubtitle", func(t *testing.T) {
		var buf bytes.Buffer
		err := r.Render(&buf, sampleRequest(), sampleSeries(), candle.ProvenanceSynthetic, Options{})
		require.NoError(t, err)
		require.Contains(t, buf.String(), "synthetic data")
	})

	t.Run("EmptySeriesFails", func(t *testing.T) {
		var buf bytes.Buffer
		err := r.Render(&buf, sampleRequest(), candle.Series{}, candle.ProvenanceLive, Options{})
		require.Error(t, err)
	})
}
