package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"chartview/src/backend"
	"chartview/src/candle"
	"chartview/src/marketdata"
	"chartview/src/scriptload"
)

const lwBundle = `var LightweightCharts = { createChart: function () {} };`

func testRequest() *candle.Request {
	return &candle.Request{
		Symbol:         "BTCUSDT",
		Interval:       "1m",
		ReferencePrice: decimal.NewFromInt(42000),
		ReferenceTime:  1700000000,
	}
}

func dataServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt64(hits, 1)
		}
		w.Write([]byte(`{"chart_data":[
			{"timestamp":1700000000,"open":42000,"high":42050,"low":41950,"close":42020,"volume":10,"volume_usdt":420200,"is_long":true},
			{"timestamp":1700000060,"open":42020,"high":42100,"low":42000,"close":42080,"volume":12,"volume_usdt":505000,"is_long":true}
		]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func scriptCandidates(cdn string) []backend.Descriptor {
	base := backend.DefaultCandidates()
	tv, lw, builtin := base[0], base[1], base[2]
	tv.ScriptURL = cdn + "/tradingview/tv.js"
	tv.LoadTimeout = 200 * time.Millisecond
	lw.ScriptURL = cdn + "/lightweight-charts/lw.js"
	lw.LoadTimeout = 200 * time.Millisecond
	return []backend.Descriptor{tv, lw, builtin}
}

func TestCascade(t *testing.T) {
	t.Run("PrimaryTimeoutFallsToNext", func(t *testing.T) {
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "tradingview") {
				time.Sleep(2 * time.Second) // never within the 200ms budget
				return
			}
			w.Write([]byte(lwBundle))
		}))
		defer cdn.Close()
		data := dataServer(t, nil)

		l := New(testRequest(), Config{
			Candidates: scriptCandidates(cdn.URL),
			Registry:   scriptload.NewRegistry(cdn.Client()),
			Provider:   marketdata.NewProvider(marketdata.NewAPIFetcher(data.URL)),
		})
		start := time.Now()
		err := l.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, StateReady, l.State())
		require.Equal(t, "lightweight", l.ActiveBackend())
		require.Equal(t, candle.ProvenanceLive, l.Provenance())
		require.Less(t, time.Since(start), time.Second)

		html, ok := l.HTML()
		require.True(t, ok)
		require.Contains(t, string(html), "BTCUSDT")
	})

	t.Run("DataUnreachableStillReady", func(t *testing.T) {
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(lwBundle))
		}))
		defer cdn.Close()
		candidates := scriptCandidates(cdn.URL)[1:] // lightweight first

		l := New(testRequest(), Config{
			Candidates: candidates,
			Registry:   scriptload.NewRegistry(cdn.Client()),
			Provider:   marketdata.NewProvider(marketdata.NewAPIFetcher("http://127.0.0.1:1")),
		})
		err := l.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, StateReady, l.State())
		require.Equal(t, candle.ProvenanceSynthetic, l.Provenance())

		html, ok := l.HTML()
		require.True(t, ok)
		require.Contains(t, string(html), `data-provenance="synthetic"`)
	})

	t.Run("AllScriptBackendsExhausted", func(t *testing.T) {
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer cdn.Close()
		candidates := scriptCandidates(cdn.URL)[:2] // no builtin fallback

		l := New(testRequest(), Config{
			Candidates: candidates,
			Registry:   scriptload.NewRegistry(cdn.Client()),
			Provider:   marketdata.NewProvider(),
		})
		err := l.Run(context.Background())
		require.ErrorIs(t, err, ErrAllBackendsExhausted)
		require.Equal(t, StateFailed, l.State())
		require.ErrorIs(t, l.Err(), ErrAllBackendsExhausted)
		require.Contains(t, l.DeepLink(), "tradingview.com")

		_, ok := l.HTML()
		require.False(t, ok)
	})

	t.Run("BuiltinNeverExhausts", func(t *testing.T) {
		// CDN down entirely, data down entirely: the built-in renderer
		// still produces a synthetic chart
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer cdn.Close()

		l := New(testRequest(), Config{
			Candidates: scriptCandidates(cdn.URL),
			Registry:   scriptload.NewRegistry(cdn.Client()),
			Provider:   marketdata.NewProvider(marketdata.NewAPIFetcher("http://127.0.0.1:1")),
		})
		err := l.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, StateReady, l.State())
		require.Equal(t, "builtin", l.ActiveBackend())
		require.Equal(t, candle.ProvenanceSynthetic, l.Provenance())
	})
}

func TestRetry(t *testing.T) {
	t.Run("FreshAttemptAfterFailure", func(t *testing.T) {
		var healthy atomic.Bool
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(lwBundle))
		}))
		defer cdn.Close()
		data := dataServer(t, nil)
		candidates := scriptCandidates(cdn.URL)[1:2] // lightweight only

		l := New(testRequest(), Config{
			Candidates: candidates,
			Registry:   scriptload.NewRegistry(cdn.Client()),
			Provider:   marketdata.NewProvider(marketdata.NewAPIFetcher(data.URL)),
		})
		err := l.Run(context.Background())
		require.ErrorIs(t, err, ErrAllBackendsExhausted)
		require.Equal(t, StateFailed, l.State())

		// CDN comes back: retry must refetch rather than replay the failure
		healthy.Store(true)
		require.NoError(t, l.Retry(context.Background()))
		require.Equal(t, StateReady, l.State())
		require.Equal(t, "lightweight", l.ActiveBackend())
	})

	t.Run("HardResetDropsCachedScripts", func(t *testing.T) {
		var hits int64
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&hits, 1)
			w.Write([]byte(lwBundle))
		}))
		defer cdn.Close()
		data := dataServer(t, nil)
		candidates := scriptCandidates(cdn.URL)[1:2]
		registry := scriptload.NewRegistry(cdn.Client())

		l := New(testRequest(), Config{
			Candidates: candidates,
			Registry:   registry,
			Provider:   marketdata.NewProvider(marketdata.NewAPIFetcher(data.URL)),
		})
		require.NoError(t, l.Run(context.Background()))
		require.Equal(t, int64(1), atomic.LoadInt64(&hits))

		require.NoError(t, l.Retry(context.Background()))
		require.Equal(t, StateReady, l.State())
		require.Equal(t, int64(2), atomic.LoadInt64(&hits), "retry must not reuse the cached bundle")
	})

	t.Run("BudgetExhausted", func(t *testing.T) {
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer cdn.Close()
		candidates := scriptCandidates(cdn.URL)[:2]

		l := New(testRequest(), Config{
			Candidates: candidates,
			Registry:   scriptload.NewRegistry(cdn.Client()),
			Provider:   marketdata.NewProvider(),
			MaxRetries: 2,
		})
		require.Error(t, l.Run(context.Background()))
		require.Error(t, l.Retry(context.Background()))
		require.Error(t, l.Retry(context.Background()))

		err := l.Retry(context.Background())
		require.ErrorIs(t, err, ErrRetryBudget)
		require.Contains(t, err.Error(), "tradingview.com", "budget error must point at the deep link")
	})
}

func TestParameterChanges(t *testing.T) {
	newReadyLoader := func(t *testing.T, fetches *int64) *Loader {
		data := dataServer(t, fetches)
		l := New(testRequest(), Config{
			Candidates: backend.DefaultCandidates()[2:], // builtin, no CDN needed
			Provider:   marketdata.NewProvider(marketdata.NewAPIFetcher(data.URL)),
		})
		require.NoError(t, l.Run(context.Background()))
		require.Equal(t, StateReady, l.State())
		return l
	}

	t.Run("StyleSwitchDoesNotRefetch", func(t *testing.T) {
		var fetches int64
		l := newReadyLoader(t, &fetches)
		before := atomic.LoadInt64(&fetches)

		require.NoError(t, l.SetStyle(backend.StyleLine))
		require.NoError(t, l.SetShowVolume(true))
		require.NoError(t, l.SetStyle(backend.StyleCandlestick))

		require.Equal(t, before, atomic.LoadInt64(&fetches))
		require.Equal(t, StateReady, l.State())
	})

	t.Run("IntervalSwitchRefetches", func(t *testing.T) {
		var fetches int64
		l := newReadyLoader(t, &fetches)
		before := atomic.LoadInt64(&fetches)

		require.NoError(t, l.SetInterval(context.Background(), "5m"))
		require.Equal(t, before+1, atomic.LoadInt64(&fetches))
		require.Equal(t, StateReady, l.State())
	})

	t.Run("ResizeDebounced", func(t *testing.T) {
		var fetches int64
		l := newReadyLoader(t, &fetches)

		for w := 400; w <= 800; w += 100 {
			l.Resize(w, 300)
		}
		time.Sleep(2 * DefaultResizeDebounce)
		html, ok := l.HTML()
		require.True(t, ok)
		require.Contains(t, string(html), "800px")
		require.NotContains(t, string(html), "700px")
	})
}

func TestClose(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		l := New(testRequest(), Config{Candidates: backend.DefaultCandidates()[2:]})
		require.NoError(t, l.Run(context.Background()))
		l.Close()
		l.Close() // second teardown must be a no-op, not a panic
		require.Equal(t, StateClosed, l.State())
		_, ok := l.HTML()
		require.False(t, ok)
	})

	t.Run("RejectsOperationsAfterClose", func(t *testing.T) {
		l := New(testRequest(), Config{Candidates: backend.DefaultCandidates()[2:]})
		require.NoError(t, l.Run(context.Background()))
		l.Close()
		require.ErrorIs(t, l.SetStyle(backend.StyleLine), ErrClosed)
		require.ErrorIs(t, l.Retry(context.Background()), ErrClosed)
		require.ErrorIs(t, l.Run(context.Background()), ErrClosed)
	})

	t.Run("ClosedEventSurvivesFullBuffer", func(t *testing.T) {
		data := dataServer(t, nil)
		l := New(testRequest(), Config{
			Candidates: backend.DefaultCandidates()[2:],
			Provider:   marketdata.NewProvider(marketdata.NewAPIFetcher(data.URL)),
		})
		require.NoError(t, l.Run(context.Background()))

		// saturate the event buffer with re-renders nobody is draining
		for i := 0; i < 20; i++ {
			require.NoError(t, l.SetStyle(backend.StyleLine))
		}
		l.Close()

		// the channel must still deliver Closed as its final event and
		// then terminate the range
		var last Event
		for e := range l.Events() {
			last = e
		}
		require.Equal(t, StateClosed, last.State)
	})

	t.Run("StaleLoadCannotOverwrite", func(t *testing.T) {
		release := make(chan struct{})
		cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
			w.Write([]byte(lwBundle))
		}))
		defer cdn.Close()
		defer close(release)
		candidates := scriptCandidates(cdn.URL)[1:2]

		l := New(testRequest(), Config{
			Candidates: candidates,
			Registry:   scriptload.NewRegistry(cdn.Client()),
			Provider:   marketdata.NewProvider(),
		})
		done := make(chan error, 1)
		go func() { done <- l.Run(context.Background()) }()

		time.Sleep(50 * time.Millisecond) // let the script load get in flight
		l.Close()
		require.NoError(t, <-done)
		require.Equal(t, StateClosed, l.State())
		_, ok := l.HTML()
		require.False(t, ok)
	})
}

func TestEvents(t *testing.T) {
	data := dataServer(t, nil)
	l := New(testRequest(), Config{
		Candidates: backend.DefaultCandidates()[2:],
		Provider:   marketdata.NewProvider(marketdata.NewAPIFetcher(data.URL)),
	})
	require.NoError(t, l.Run(context.Background()))

	var states []State
	for {
		select {
		case e := <-l.Events():
			states = append(states, e.State)
			continue
		default:
		}
		break
	}
	require.Contains(t, states, StateSelectingBackend)
	require.Contains(t, states, StateLoadingData)
	require.Contains(t, states, StateReady)
}
