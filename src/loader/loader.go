// Package loader drives one chart session through the backend fallback
// cascade: pick a candidate, load and verify its script, fetch data, render,
// and fall through to the next candidate on any failure along the way.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chartview/src/alert"
	"chartview/src/backend"
	"chartview/src/candle"
	"chartview/src/common"
	"chartview/src/marketdata"
	"chartview/src/scriptload"
)

const (
	DefaultLookbackHours  = 24
	DefaultMaxRetries     = 3
	DefaultResizeDebounce = 250 * time.Millisecond
)

type Config struct {
	Candidates     []backend.Descriptor
	Registry       *scriptload.Registry
	Provider       *marketdata.Provider
	Alerts         *alert.Client // optional related-alert marker source
	Options        backend.Options
	LookbackHours  int
	MaxRetries     int
	ResizeDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Candidates) == 0 {
		c.Candidates = backend.DefaultCandidates()
	}
	if c.Registry == nil {
		c.Registry = scriptload.NewRegistry(nil)
	}
	if c.Provider == nil {
		c.Provider = marketdata.NewProvider()
	}
	if c.LookbackHours <= 0 {
		c.LookbackHours = DefaultLookbackHours
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ResizeDebounce <= 0 {
		c.ResizeDebounce = DefaultResizeDebounce
	}
	return c
}

// Loader owns all per-session state. Every mutation happens under mu and is
// guarded by the closed flag plus a generation counter, so a slow superseded
// load can never overwrite a newer render and nothing mutates after Close.
type Loader struct {
	id  string
	cfg Config

	mu          sync.Mutex
	req         *candle.Request
	state       State
	gen         int
	closed      bool
	active      backend.Descriptor
	renderer    backend.Renderer
	series      candle.Series
	prov        candle.Provenance
	opts        backend.Options
	html        []byte
	retries     int
	err         error
	events      chan Event
	resizeTimer *time.Timer
	cancel      context.CancelFunc
}

func New(req *candle.Request, cfg Config) *Loader {
	cfg = cfg.withDefaults()
	return &Loader{
		id:     uuid.New().String(),
		cfg:    cfg,
		req:    req,
		state:  StateSelectingBackend,
		opts:   cfg.Options,
		events: make(chan Event, 16),
	}
}

func (l *Loader) ID() string { return l.id }

// Events streams state changes. Close delivers a final StateClosed event and
// then closes the channel, so ranging over it terminates with the session.
func (l *Loader) Events() <-chan Event { return l.events }

// Run drives the cascade until Ready or Failed. It returns nil when a chart
// was rendered (whatever the data provenance) and ErrAllBackendsExhausted
// when every candidate failed.
func (l *Loader) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	gen := l.gen
	l.mu.Unlock()

	l.fetchRelatedMarkers(runCtx)
	return l.cascade(runCtx, gen)
}

// fetchRelatedMarkers merges the backend's other active alerts for this
// symbol into the request markers. Best effort, once per session.
func (l *Loader) fetchRelatedMarkers(ctx context.Context) {
	if l.cfg.Alerts == nil {
		return
	}
	related := l.cfg.Alerts.RelatedMarkers(ctx, l.req.Symbol)
	if len(related) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	merged := *l.req
	merged.Markers = append(append([]candle.Marker{}, l.req.Markers...), related...)
	l.req = &merged
}

// cascade walks the candidate list in priority order. Script failures and
// render construction failures advance to the next candidate; only running
// out of candidates surfaces as an error.
func (l *Loader) cascade(ctx context.Context, gen int) error {
	for _, cand := range l.cfg.Candidates {
		if !l.setState(gen, StateSelectingBackend, cand, nil) {
			return nil
		}

		var renderer backend.Renderer
		if cand.NeedsScript() {
			if !l.setState(gen, StateLoadingScript, cand, nil) {
				return nil
			}
			asset, err := l.cfg.Registry.Load(ctx, scriptload.Spec{
				URL:          cand.ScriptURL,
				GlobalSymbol: cand.GlobalSymbol,
				Timeout:      cand.LoadTimeout,
			})
			if err != nil {
				common.Logger.Sugar().Warnf("Loader %s backend %s script: %v", l.id, cand.Name, err)
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			renderer = backend.NewWidgetRenderer(cand, asset)
		} else {
			renderer = backend.NewEChartsRenderer(cand)
		}

		if !l.setState(gen, StateLoadingData, cand, nil) {
			return nil
		}
		req := l.request()
		series, prov := l.cfg.Provider.GetSeries(ctx, req, l.cfg.LookbackHours)
		if ctx.Err() != nil {
			return nil
		}

		l.mu.Lock()
		if l.closed || l.gen != gen {
			l.mu.Unlock()
			return nil
		}
		l.active = cand
		l.renderer = renderer
		l.series = series
		l.prov = prov
		err := l.renderLocked(gen)
		l.mu.Unlock()

		if err != nil {
			common.Logger.Sugar().Warnf("Loader %s backend %s render: %v", l.id, cand.Name, err)
			continue
		}
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.gen != gen {
		return nil
	}
	l.err = ErrAllBackendsExhausted
	l.state = StateFailed
	l.emitLocked(Event{State: StateFailed, Error: ErrAllBackendsExhausted.Error()})
	return ErrAllBackendsExhausted
}

// renderLocked rebuilds the document from the held series and enters Ready.
// Entering Ready always drops the previous surface first so backend switches
// never leave two documents alive at once.
func (l *Loader) renderLocked(gen int) error {
	if l.closed || l.gen != gen {
		return nil
	}
	l.html = nil
	var buf bytes.Buffer
	if err := l.renderer.Render(&buf, l.req, l.series, l.prov, l.opts); err != nil {
		return err
	}
	l.html = buf.Bytes()
	l.state = StateReady
	l.err = nil
	l.emitLocked(Event{State: StateReady, Backend: l.active.Name, Provenance: string(l.prov)})
	return nil
}

func (l *Loader) setState(gen int, state State, cand backend.Descriptor, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.gen != gen {
		return false
	}
	l.state = state
	event := Event{State: state, Backend: cand.Name}
	if err != nil {
		event.Error = err.Error()
	}
	l.emitLocked(event)
	return true
}

func (l *Loader) emitLocked(e Event) {
	if l.closed {
		return
	}
	select {
	case l.events <- e:
	default:
	}
}

func (l *Loader) request() *candle.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.req
}

// SetStyle switches the primary series style. Re-renders in place from the
// held series without touching the network.
func (l *Loader) SetStyle(style backend.Style) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.opts.Style = style
	if l.state != StateReady {
		return nil
	}
	return l.renderLocked(l.gen)
}

// SetShowVolume toggles the volume pane. No refetch.
func (l *Loader) SetShowVolume(show bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.opts.ShowVolume = show
	if l.state != StateReady {
		return nil
	}
	return l.renderLocked(l.gen)
}

// SetInterval changes the candle interval, which needs fresh data: the
// loader re-enters LoadingData and re-renders on the active backend. Any
// load still in flight for the old interval is superseded.
func (l *Loader) SetInterval(ctx context.Context, interval candle.Interval) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.state != StateReady {
		l.mu.Unlock()
		return fmt.Errorf("interval change in state %s", l.state)
	}
	merged := *l.req
	merged.Interval = interval
	l.req = &merged
	l.gen++
	gen := l.gen
	l.state = StateLoadingData
	l.emitLocked(Event{State: StateLoadingData, Backend: l.active.Name})
	req := l.req
	l.mu.Unlock()

	series, prov := l.cfg.Provider.GetSeries(ctx, req, l.cfg.LookbackHours)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.gen != gen {
		return nil
	}
	l.series = series
	l.prov = prov
	return l.renderLocked(gen)
}

// Resize records the new container dimensions and re-renders once the burst
// of notifications settles.
func (l *Loader) Resize(width, height int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.opts.Width = width
	l.opts.Height = height
	if l.resizeTimer != nil {
		l.resizeTimer.Stop()
	}
	gen := l.gen
	l.resizeTimer = time.AfterFunc(l.cfg.ResizeDebounce, func() {
		defer common.HandlePanic()
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed || l.gen != gen || l.state != StateReady {
			return
		}
		if err := l.renderLocked(gen); err != nil {
			common.Logger.Sugar().Warnf("Loader %s resize render: %v", l.id, err)
		}
	})
}

// Retry is the manual recovery path. A previously loaded but malfunctioning
// library cannot be trusted to reinitialize, so the reset is hard: cached
// script assets for every candidate are dropped before the cascade restarts.
func (l *Loader) Retry(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.retries >= l.cfg.MaxRetries {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRetryBudget, backend.DeepLink(l.req.Symbol, l.req.Interval))
	}
	l.retries++
	l.gen++
	gen := l.gen
	l.state = StateRetrying
	l.err = nil
	l.emitLocked(Event{State: StateRetrying})
	candidates := l.cfg.Candidates
	l.mu.Unlock()

	for _, cand := range candidates {
		if cand.NeedsScript() {
			l.cfg.Registry.Unregister(cand.ScriptURL)
		}
	}
	return l.cascade(ctx, gen)
}

// Close tears the session down: cancels in-flight work, stops the resize
// debouncer, and releases the rendered document. Idempotent.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.state = StateClosed
	if l.cancel != nil {
		l.cancel()
	}
	if l.resizeTimer != nil {
		l.resizeTimer.Stop()
		l.resizeTimer = nil
	}
	l.html = nil
	l.series = nil
	l.renderer = nil
	// drop anything still queued so the final Closed event always lands,
	// then close the channel so consumers ranging over it terminate. All
	// sends happen under mu behind the closed flag, so nothing can send
	// after this. The drain must not block: a consumer may race us for
	// the queued events.
	for {
		select {
		case <-l.events:
			continue
		default:
		}
		break
	}
	l.events <- Event{State: StateClosed}
	close(l.events)
}

func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loader) Provenance() candle.Provenance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prov
}

func (l *Loader) ActiveBackend() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.Name
}

// HTML returns the latest rendered document, or false when nothing is
// rendered (still loading, failed, or closed).
func (l *Loader) HTML() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.html) == 0 {
		return nil, false
	}
	out := make([]byte, len(l.html))
	copy(out, l.html)
	return out, true
}

// DeepLink is always available as the manual escape hatch.
func (l *Loader) DeepLink() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return backend.DeepLink(l.req.Symbol, l.req.Interval)
}
