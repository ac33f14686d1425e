package backend

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"chartview/src/candle"
)

// EChartsRenderer is the built-in placeholder backend: charts are rendered
// server-side, so it has no script phase and no CDN dependency.
type EChartsRenderer struct {
	desc Descriptor
}

func NewEChartsRenderer(desc Descriptor) *EChartsRenderer {
	return &EChartsRenderer{desc: desc}
}

func (r *EChartsRenderer) Render(w io.Writer, req *candle.Request, series candle.Series, prov candle.Provenance, o Options) error {
	if len(series) == 0 {
		return fmt.Errorf("echarts: empty series for %s", req.Symbol)
	}
	o = o.withDefaults()

	xAxis := make([]string, 0, len(series))
	for _, c := range series {
		xAxis = append(xAxis, time.Unix(c.Time, 0).UTC().Format("01-02 15:04"))
	}

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	switch o.Style {
	case StyleLine:
		page.AddCharts(r.lineChart(req, series, prov, o, xAxis))
	case StyleBars:
		page.AddCharts(r.barChart(req, series, prov, o, xAxis))
	default:
		page.AddCharts(r.klineChart(req, series, prov, o, xAxis))
	}
	if o.ShowVolume {
		page.AddCharts(r.volumeChart(series, o, xAxis))
	}

	if err := page.Render(w); err != nil {
		return fmt.Errorf("echarts: render %s: %w", req.Symbol, err)
	}
	return nil
}

func (r *EChartsRenderer) globalOptions(req *candle.Request, prov candle.Provenance, o Options) []charts.GlobalOpts {
	subtitle := ""
	if prov == candle.ProvenanceSynthetic {
		subtitle = "synthetic data (live sources unreachable)"
	}
	return []charts.GlobalOpts{
		charts.WithInitializationOpts(opts.Initialization{
			Width:  fmt.Sprintf("%dpx", o.Width),
			Height: fmt.Sprintf("%dpx", o.Height),
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    req.Symbol + " " + req.Interval.String(),
			Subtitle: subtitle,
			Link:     DeepLink(req.Symbol, req.Interval),
		}),
		charts.WithXAxisOpts(opts.XAxis{
			Type: "category",
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale: opts.Bool(true),
		}),
		charts.WithTooltipOpts(opts.Tooltip{
			Show:    opts.Bool(true),
			Trigger: "axis",
		}),
		charts.WithDataZoomOpts(
			opts.DataZoom{
				Type:  "slider",
				Start: 0,
				End:   100,
			},
			opts.DataZoom{
				Type:  "inside",
				Start: 0,
				End:   100,
			},
		),
	}
}

func (r *EChartsRenderer) markPoints(req *candle.Request, series candle.Series, xAxis []string) []opts.MarkPointNameCoordItem {
	markers := make([]candle.Marker, 0, len(req.Markers)+1)
	if primary, ok := req.PrimaryMarker(); ok {
		markers = append(markers, primary)
	}
	for _, m := range req.Markers {
		if m.Category != candle.MarkerPrimaryAlert {
			markers = append(markers, m)
		}
	}

	items := make([]opts.MarkPointNameCoordItem, 0, len(markers))
	for i, m := range markers {
		// snap the marker to the nearest sample at or after its time
		idx := len(series) - 1
		for j, c := range series {
			if c.Time >= m.Time {
				idx = j
				break
			}
		}
		color := "#5b9cf6"
		if m.Category == candle.MarkerPrimaryAlert {
			color = "#f5c344"
		}
		symbol := "pin"
		if i%2 == 1 {
			symbol = "arrow"
		}
		items = append(items, opts.MarkPointNameCoordItem{
			Name:       m.Label,
			Coordinate: []interface{}{xAxis[idx], m.Price.InexactFloat64()},
			Symbol:     symbol,
			SymbolSize: 30,
			ItemStyle:  &opts.ItemStyle{Color: color},
		})
	}
	return items
}

func (r *EChartsRenderer) klineChart(req *candle.Request, series candle.Series, prov candle.Provenance, o Options, xAxis []string) *charts.Kline {
	kline := charts.NewKLine()
	kline.SetGlobalOptions(r.globalOptions(req, prov, o)...)

	data := make([]opts.KlineData, 0, len(series))
	for _, c := range series {
		data = append(data, opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}})
	}
	kline.SetXAxis(xAxis).AddSeries(req.Symbol, data)
	if items := r.markPoints(req, series, xAxis); len(items) > 0 {
		kline.SetSeriesOptions(charts.WithMarkPointNameCoordItemOpts(items...))
	}
	return kline
}

func (r *EChartsRenderer) lineChart(req *candle.Request, series candle.Series, prov candle.Provenance, o Options, xAxis []string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(r.globalOptions(req, prov, o)...)

	data := make([]opts.LineData, 0, len(series))
	for _, c := range series {
		data = append(data, opts.LineData{Value: c.Close})
	}
	line.SetXAxis(xAxis).AddSeries(req.Symbol, data)
	if items := r.markPoints(req, series, xAxis); len(items) > 0 {
		line.SetSeriesOptions(charts.WithMarkPointNameCoordItemOpts(items...))
	}
	return line
}

func (r *EChartsRenderer) barChart(req *candle.Request, series candle.Series, prov candle.Provenance, o Options, xAxis []string) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(r.globalOptions(req, prov, o)...)

	data := make([]opts.BarData, 0, len(series))
	for _, c := range series {
		data = append(data, opts.BarData{Value: c.Close})
	}
	bar.SetXAxis(xAxis).AddSeries(req.Symbol, data)
	return bar
}

func (r *EChartsRenderer) volumeChart(series candle.Series, o Options, xAxis []string) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:  fmt.Sprintf("%dpx", o.Width),
			Height: "160px",
		}),
		charts.WithTitleOpts(opts.Title{Title: "volume"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	data := make([]opts.BarData, 0, len(series))
	for _, c := range series {
		data = append(data, opts.BarData{Value: c.Volume})
	}
	bar.SetXAxis(xAxis).AddSeries("volume", data)
	return bar
}
