package marketdata

import (
	"context"
	"math/rand"
	"time"

	"chartview/src/candle"
	"chartview/src/common"
)

// Provider is the total data source the chart pipeline draws from: it tries
// its live fetchers in order and synthesizes a series when none delivers, so
// the caller always has something to render.
type Provider struct {
	fetchers []Fetcher
	rnd      *rand.Rand
	now      func() time.Time
}

func NewProvider(fetchers ...Fetcher) *Provider {
	return &Provider{
		fetchers: fetchers,
		now:      time.Now,
	}
}

// WithRand fixes the random source used for synthetic series. Tests only.
func (p *Provider) WithRand(rnd *rand.Rand) *Provider {
	p.rnd = rnd
	return p
}

// GetSeries never fails and never returns an empty series. Fetch errors are
// logged and absorbed into the synthetic fallback.
func (p *Provider) GetSeries(ctx context.Context, req *candle.Request, hours int) (candle.Series, candle.Provenance) {
	for _, f := range p.fetchers {
		series, err := f.FetchCandles(ctx, req.Symbol, req.Interval, hours)
		if err != nil {
			common.Logger.Sugar().Warnf("Provider %s fetch %s %s: %v", f.Name(), req.Symbol, req.Interval, err)
			continue
		}
		if len(series) == 0 {
			continue
		}
		return series, candle.ProvenanceLive
	}
	common.Logger.Sugar().Infof("Provider synthesizing %s %s series", req.Symbol, req.Interval)
	series := candle.Synthesize(req.ReferencePrice, candle.DefaultSyntheticSamples,
		req.Interval.Duration(), p.now(), p.rnd)
	return series, candle.ProvenanceSynthetic
}
