package candle

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV sample. Time is a unix timestamp in seconds.
type Candle struct {
	Time       int64   `json:"timestamp"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	VolumeUSDT float64 `json:"volume_usdt"`
	IsLong     bool    `json:"is_long"`
}

// Series is ordered ascending by Time with no duplicate timestamps.
type Series []Candle

// Normalize sorts the series and drops samples sharing a timestamp with an
// earlier one, keeping the first occurrence.
func (s Series) Normalize() Series {
	if len(s) == 0 {
		return s
	}
	out := make(Series, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	dedup := out[:1]
	for _, c := range out[1:] {
		if c.Time == dedup[len(dedup)-1].Time {
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}

type Provenance string

const (
	ProvenanceLive      Provenance = "live"
	ProvenanceSynthetic Provenance = "synthetic"
)

// Interval is a candle aggregation period in exchange notation, e.g. "1m".
type Interval string

var intervalDurations = map[Interval]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return iv, nil
}

func (i Interval) Duration() time.Duration {
	if d, ok := intervalDurations[i]; ok {
		return d
	}
	return time.Minute
}

func (i Interval) String() string { return string(i) }

type MarkerCategory string

const (
	MarkerPrimaryAlert MarkerCategory = "primary-alert"
	MarkerRelatedAlert MarkerCategory = "related-alert"
)

// Marker is an annotation overlaid on the chart at a time/price point.
type Marker struct {
	Time     int64           `json:"time"`
	Price    decimal.Decimal `json:"price"`
	Label    string          `json:"label"`
	Category MarkerCategory  `json:"category"`
}

// Request describes one chart-open. It is immutable for the lifetime of the
// chart session.
type Request struct {
	Symbol         string
	Interval       Interval
	ReferencePrice decimal.Decimal
	ReferenceTime  int64
	Markers        []Marker
}

// PrimaryMarker returns the marker derived from the opened alert itself, or
// synthesizes one from the reference price when the request carries none.
func (r *Request) PrimaryMarker() (Marker, bool) {
	for _, m := range r.Markers {
		if m.Category == MarkerPrimaryAlert {
			return m, true
		}
	}
	if r.ReferencePrice.IsZero() {
		return Marker{}, false
	}
	return Marker{
		Time:     r.ReferenceTime,
		Price:    r.ReferencePrice,
		Label:    "alert",
		Category: MarkerPrimaryAlert,
	}, true
}
