package backend

import (
	"fmt"
	"html/template"
	"io"

	"chartview/src/candle"
	"chartview/src/scriptload"
)

// WidgetRenderer produces a document around a script-based backend: the
// verified library bundle is inlined, then a small bootstrap instantiates the
// library's global symbol against the embedded series and markers.
type WidgetRenderer struct {
	desc  Descriptor
	asset *scriptload.Asset
}

func NewWidgetRenderer(desc Descriptor, asset *scriptload.Asset) *WidgetRenderer {
	return &WidgetRenderer{desc: desc, asset: asset}
}

type widgetConfig struct {
	Symbol       string `json:"symbol"`
	Interval     string `json:"interval"`
	TVInterval   string `json:"tvInterval"`
	Style        string `json:"style"`
	ShowVolume   bool   `json:"showVolume"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	GlobalSymbol string `json:"globalSymbol"`
}

type markerView struct {
	Time     int64   `json:"time"`
	Price    float64 `json:"price"`
	Label    string  `json:"label"`
	Category string  `json:"category"`
}

type widgetView struct {
	Symbol    string
	Interval  string
	Backend   string
	Synthetic bool
	DeepLink  string
	Width     int
	Height    int
	Bundle    template.JS
	Bootstrap template.JS
	Config    widgetConfig
	Series    candle.Series
	Markers   []markerView
}

var widgetTemplate = template.Must(template.New("widget").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Symbol}} {{.Interval}}</title>
<style>
body { margin: 0; font-family: sans-serif; background: #131722; color: #d1d4dc; }
.toolbar { padding: 6px 10px; display: flex; gap: 12px; align-items: center; }
.badge { background: #b5892d; color: #131722; border-radius: 3px; padding: 2px 8px; font-size: 12px; }
a { color: #5b9cf6; font-size: 13px; }
</style>
</head>
<body>
<div class="toolbar">
<span>{{.Symbol}} &middot; {{.Interval}} &middot; {{.Backend}}</span>
{{if .Synthetic}}<span class="badge" data-provenance="synthetic">synthetic data</span>{{end}}
<a href="{{.DeepLink}}" target="_blank" rel="noopener">open on TradingView</a>
</div>
<div id="chart" style="width:{{.Width}}px;height:{{.Height}}px;"></div>
<script>{{.Bundle}}</script>
<script>
var chartConfig = {{.Config}};
var chartData = {{.Series}};
var chartMarkers = {{.Markers}};
{{.Bootstrap}}
</script>
</body>
</html>
`))

func (r *WidgetRenderer) Render(w io.Writer, req *candle.Request, series candle.Series, prov candle.Provenance, opts Options) error {
	if r.asset == nil {
		return fmt.Errorf("widget %s: no script asset", r.desc.Name)
	}
	opts = opts.withDefaults()

	markers := make([]markerView, 0, len(req.Markers)+1)
	if primary, ok := req.PrimaryMarker(); ok {
		markers = append(markers, markerView{
			Time:     primary.Time,
			Price:    primary.Price.InexactFloat64(),
			Label:    primary.Label,
			Category: string(primary.Category),
		})
	}
	for _, m := range req.Markers {
		if m.Category == candle.MarkerPrimaryAlert {
			continue
		}
		markers = append(markers, markerView{
			Time:     m.Time,
			Price:    m.Price.InexactFloat64(),
			Label:    m.Label,
			Category: string(m.Category),
		})
	}

	tvInterval, ok := deepLinkIntervals[req.Interval]
	if !ok {
		tvInterval = "60"
	}
	view := widgetView{
		Symbol:    req.Symbol,
		Interval:  req.Interval.String(),
		Backend:   r.desc.Name,
		Synthetic: prov == candle.ProvenanceSynthetic,
		DeepLink:  DeepLink(req.Symbol, req.Interval),
		Width:     opts.Width,
		Height:    opts.Height,
		Bundle:    template.JS(r.asset.Body),
		Bootstrap: template.JS(r.desc.bootstrap),
		Config: widgetConfig{
			Symbol:       req.Symbol,
			Interval:     req.Interval.String(),
			TVInterval:   tvInterval,
			Style:        string(opts.Style),
			ShowVolume:   opts.ShowVolume,
			Width:        opts.Width,
			Height:       opts.Height,
			GlobalSymbol: r.desc.GlobalSymbol,
		},
		Series:  series,
		Markers: markers,
	}
	if err := widgetTemplate.Execute(w, view); err != nil {
		return fmt.Errorf("widget %s: render: %w", r.desc.Name, err)
	}
	return nil
}

// The TradingView widget streams its own market data; only the shell is
// configured from the embedded config.
const tradingViewBootstrap = `
new TradingView.widget({
  container_id: "chart",
  symbol: "BINANCE:" + chartConfig.symbol,
  interval: chartConfig.tvInterval,
  width: chartConfig.width,
  height: chartConfig.height,
  style: chartConfig.style === "line" ? "2" : "1",
  theme: "dark",
  hide_side_toolbar: false
});
`

const lightweightBootstrap = `
var chart = LightweightCharts.createChart(document.getElementById("chart"), {
  width: chartConfig.width,
  height: chartConfig.height,
  layout: { background: { color: "#131722" }, textColor: "#d1d4dc" }
});
var series;
if (chartConfig.style === "line") {
  series = chart.addLineSeries();
  series.setData(chartData.map(function (c) { return { time: c.timestamp, value: c.close }; }));
} else {
  series = chart.addCandlestickSeries();
  series.setData(chartData.map(function (c) {
    return { time: c.timestamp, open: c.open, high: c.high, low: c.low, close: c.close };
  }));
}
if (chartConfig.showVolume) {
  var volume = chart.addHistogramSeries({ priceScaleId: "", priceFormat: { type: "volume" } });
  volume.priceScale().applyOptions({ scaleMargins: { top: 0.8, bottom: 0 } });
  volume.setData(chartData.map(function (c) {
    return { time: c.timestamp, value: c.volume, color: c.is_long ? "#26a69a" : "#ef5350" };
  }));
}
series.setMarkers(chartMarkers.map(function (m, i) {
  return {
    time: m.time,
    position: i % 2 === 0 ? "aboveBar" : "belowBar",
    shape: m.category === "primary-alert" ? "arrowDown" : "circle",
    color: m.category === "primary-alert" ? "#f5c344" : "#5b9cf6",
    text: m.label
  };
}));
chart.timeScale().fitContent();
window.addEventListener("resize", function () {
  chart.applyOptions({ width: document.getElementById("chart").clientWidth });
});
`
