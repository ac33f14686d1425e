// Package scriptload keeps a process-wide registry of charting-library
// bundles. Every chart session shares it, so a library is fetched from its
// CDN at most once no matter how many charts are open.
package scriptload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chartview/src/common"
)

const DefaultLoadTimeout = 15 * time.Second

var (
	ErrLoadTimeout   = errors.New("script load timeout")
	ErrSymbolMissing = errors.New("global symbol missing after load")
)

// Spec names one loadable library bundle. Probe decides whether a fetched
// bundle actually defines the library entry point; when nil the registry
// falls back to scanning for GlobalSymbol.
type Spec struct {
	URL          string
	GlobalSymbol string
	Timeout      time.Duration
	Probe        func(body []byte) bool
}

// Asset is a verified bundle. Body is inlined into rendered documents so the
// served page does not depend on the CDN at view time.
type Asset struct {
	URL          string
	GlobalSymbol string
	Body         []byte
	LoadedAt     time.Time
}

type Registry struct {
	client *http.Client
	group  singleflight.Group

	mu     sync.Mutex
	loaded map[string]*Asset
}

func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{}
	}
	return &Registry{
		client: client,
		loaded: make(map[string]*Asset),
	}
}

// Load returns the cached asset for spec.URL, joins an in-flight load for it,
// or starts a fresh one. Concurrent callers for the same URL all observe the
// outcome of a single fetch. Failures are not cached: the next Load after a
// rejection starts from scratch.
func (r *Registry) Load(ctx context.Context, spec Spec) (*Asset, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("scriptload: empty URL")
	}
	r.mu.Lock()
	asset := r.loaded[spec.URL]
	r.mu.Unlock()
	if asset != nil {
		return asset, nil
	}

	ch := r.group.DoChan(spec.URL, func() (interface{}, error) {
		return r.fetch(spec)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Asset), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch runs detached from any single caller's context so that one caller
// giving up does not fail the load for the others sharing it.
func (r *Registry) fetch(spec Spec) (*Asset, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("scriptload: build request for %s: %w", spec.URL, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("scriptload: %s after %v: %w", spec.URL, timeout, ErrLoadTimeout)
		}
		return nil, fmt.Errorf("scriptload: fetch %s: %w", spec.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scriptload: fetch %s: status %d", spec.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("scriptload: %s after %v: %w", spec.URL, timeout, ErrLoadTimeout)
		}
		return nil, fmt.Errorf("scriptload: read %s: %w", spec.URL, err)
	}

	probe := spec.Probe
	if probe == nil {
		symbol := []byte(spec.GlobalSymbol)
		probe = func(b []byte) bool {
			return len(symbol) > 0 && bytes.Contains(b, symbol)
		}
	}
	if !probe(body) {
		return nil, fmt.Errorf("scriptload: %s loaded but %q undefined: %w",
			spec.URL, spec.GlobalSymbol, ErrSymbolMissing)
	}

	asset := &Asset{
		URL:          spec.URL,
		GlobalSymbol: spec.GlobalSymbol,
		Body:         body,
		LoadedAt:     time.Now(),
	}
	r.mu.Lock()
	r.loaded[spec.URL] = asset
	r.mu.Unlock()
	common.Logger.Sugar().Infof("Registry loaded %s (%d bytes)", spec.URL, len(body))
	return asset, nil
}

// Loaded reports whether a verified asset for url is cached.
func (r *Registry) Loaded(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded[url] != nil
}

// Unregister drops the cached asset for url so the next Load is a fresh
// fetch. Used by the hard-reset retry path.
func (r *Registry) Unregister(url string) {
	r.mu.Lock()
	delete(r.loaded, url)
	r.mu.Unlock()
	r.group.Forget(url)
}

// Purge unregisters every cached asset whose URL contains pattern and
// returns how many were dropped.
func (r *Registry) Purge(pattern string) int {
	r.mu.Lock()
	var urls []string
	for url := range r.loaded {
		if strings.Contains(url, pattern) {
			urls = append(urls, url)
		}
	}
	for _, url := range urls {
		delete(r.loaded, url)
	}
	r.mu.Unlock()
	for _, url := range urls {
		r.group.Forget(url)
	}
	return len(urls)
}
