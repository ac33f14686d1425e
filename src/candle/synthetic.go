package candle

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultSyntheticSamples = 100

	// defaultBasePrice is used when the request carries no reference price.
	defaultBasePrice = 50000.0

	maxStepPercent   = 0.002 // per-sample close drift
	maxWickPercent   = 0.001 // high/low extension beyond the body
	maxSampleVolume  = 1000.0
	usdtVolumeFactor = 1.0
)

// Synthesize produces a best-effort series when no live source is reachable.
// It walks backward from end one step per sample, perturbing the price by a
// bounded percentage, so the shape is plausible but the data is random. The
// returned series is ascending and ends at end truncated to step.
func Synthesize(ref decimal.Decimal, n int, step time.Duration, end time.Time, rnd *rand.Rand) Series {
	if n <= 0 {
		n = DefaultSyntheticSamples
	}
	if step <= 0 {
		step = time.Minute
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	base := defaultBasePrice
	if !ref.IsZero() {
		base = ref.InexactFloat64()
	}

	endTime := end.Truncate(step)
	series := make(Series, n)
	price := base
	for i := n - 1; i >= 0; i-- {
		drift := (rnd.Float64()*2 - 1) * maxStepPercent
		open := price * (1 + drift)
		close := price

		high := open
		if close > high {
			high = close
		}
		low := open
		if close < low {
			low = close
		}
		high *= 1 + rnd.Float64()*maxWickPercent
		low *= 1 - rnd.Float64()*maxWickPercent

		volume := rnd.Float64() * maxSampleVolume
		series[i] = Candle{
			Time:       endTime.Add(-time.Duration(n-1-i) * step).Unix(),
			Open:       open,
			High:       high,
			Low:        low,
			Close:      close,
			Volume:     volume,
			VolumeUSDT: volume * close * usdtVolumeFactor,
			IsLong:     close >= open,
		}
		price = open
	}
	return series
}
