// Package server hosts chart sessions for the dashboard: one loader per
// opened chart, documents over HTTP, and a websocket control channel for
// resize/retry/style commands and live updates.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"chartview/src/alert"
	"chartview/src/backend"
	"chartview/src/candle"
	"chartview/src/common"
	"chartview/src/loader"
	"chartview/src/marketdata"
	"chartview/src/scriptload"
)

// Deps are the process-wide collaborators every session shares. Registry in
// particular must be shared so two charts never double-load a library.
type Deps struct {
	Candidates []backend.Descriptor
	Registry   *scriptload.Registry
	Provider   *marketdata.Provider
	Alerts     *alert.Client
	Stream     *marketdata.Stream
	Options    backend.Options
	Lookback   int
}

type session struct {
	loader *loader.Loader
	symbol string

	mu       sync.Mutex
	interval candle.Interval
	conns    map[*websocket.Conn]bool
}

type Server struct {
	addr string
	deps Deps

	mu       sync.Mutex
	sessions map[string]*session
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func New(addr string, deps Deps) *Server {
	if len(deps.Candidates) == 0 {
		deps.Candidates = backend.DefaultCandidates()
	}
	if deps.Registry == nil {
		deps.Registry = scriptload.NewRegistry(nil)
	}
	if deps.Provider == nil {
		deps.Provider = marketdata.NewProvider()
	}
	return &Server{
		addr:     addr,
		deps:     deps,
		sessions: make(map[string]*session),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chart", s.handleOpenChart)
	mux.HandleFunc("GET /session/{id}", s.handleSessionDocument)
	mux.HandleFunc("DELETE /session/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// Run implements common.Component.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		defer common.HandlePanic()
		common.Logger.Sugar().Infof("ChartServer listening on %s", s.addr)
		errCh <- httpSrv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAllSessions()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		s.teardown(sess)
	}
}

func (s *Server) teardown(sess *session) {
	if s.deps.Stream != nil {
		sess.mu.Lock()
		interval := sess.interval
		sess.mu.Unlock()
		s.deps.Stream.Unsubscribe(sess.symbol, interval)
	}
	sess.loader.Close()
	sess.mu.Lock()
	for conn := range sess.conns {
		conn.Close()
	}
	sess.conns = make(map[*websocket.Conn]bool)
	sess.mu.Unlock()
}

// handleOpenChart creates a chart session and answers with the rendered
// document. The session id for the control channel travels in a header.
func (s *Server) handleOpenChart(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	interval := candle.Interval("1m")
	if raw := r.URL.Query().Get("interval"); raw != "" {
		var err error
		interval, err = candle.ParseInterval(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	req := &candle.Request{Symbol: symbol, Interval: interval}
	if raw := r.URL.Query().Get("price"); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad price %q", raw), http.StatusBadRequest)
			return
		}
		req.ReferencePrice = price
		req.ReferenceTime = time.Now().Unix()
	}

	opts := s.deps.Options
	if raw := r.URL.Query().Get("style"); raw != "" {
		opts.Style = backend.Style(raw)
	}
	if r.URL.Query().Get("volume") == "1" {
		opts.ShowVolume = true
	}

	l := loader.New(req, loader.Config{
		Candidates:    s.deps.Candidates,
		Registry:      s.deps.Registry,
		Provider:      s.deps.Provider,
		Alerts:        s.deps.Alerts,
		Options:       opts,
		LookbackHours: s.deps.Lookback,
	})
	sess := &session{
		loader:   l,
		symbol:   symbol,
		interval: interval,
		conns:    make(map[*websocket.Conn]bool),
	}
	s.mu.Lock()
	s.sessions[l.ID()] = sess
	s.mu.Unlock()
	s.pumpEvents(sess)

	if err := l.Run(r.Context()); err != nil {
		// the loader is still alive in Failed state: the client gets the
		// error panel semantics (retry + deep link) over the ws channel
		common.Logger.Sugar().Warnf("ChartServer open %s: %v", symbol, err)
		w.Header().Set("X-Chart-Session", l.ID())
		http.Error(w, fmt.Sprintf("%v\nfallback: %s", err, l.DeepLink()), http.StatusBadGateway)
		return
	}
	s.subscribeLive(sess)

	html, ok := l.HTML()
	if !ok {
		http.Error(w, "no document rendered", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Chart-Session", l.ID())
	w.Write(html)
}

// subscribeLive pushes closed live candles for the session's symbol to its
// websocket clients.
func (s *Server) subscribeLive(sess *session) {
	if s.deps.Stream == nil {
		return
	}
	sess.mu.Lock()
	interval := sess.interval
	sess.mu.Unlock()
	err := s.deps.Stream.Subscribe(sess.symbol, interval, func(c candle.Candle, final bool) {
		if !final {
			return
		}
		sess.broadcast(map[string]interface{}{"type": "candle", "candle": c})
	})
	if err != nil {
		common.Logger.Sugar().Warnf("ChartServer live subscribe %s: %v", sess.symbol, err)
	}
}

// pumpEvents forwards loader state changes to the session's websocket
// clients until the loader closes.
func (s *Server) pumpEvents(sess *session) {
	go func() {
		defer common.HandlePanic()
		for event := range sess.loader.Events() {
			sess.broadcast(map[string]interface{}{"type": "event", "event": event})
			if event.State == loader.StateClosed {
				return
			}
		}
	}()
}

func (sess *session) broadcast(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		common.Logger.Sugar().Warnf("session broadcast marshal: %v", err)
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for conn := range sess.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(sess.conns, conn)
			conn.Close()
		}
	}
}

func (s *Server) session(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) handleSessionDocument(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	html, ok := sess.loader.HTML()
	if !ok {
		http.Error(w, fmt.Sprintf("chart not ready: state %s", sess.loader.State()), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.teardown(sess)
	w.WriteHeader(http.StatusNoContent)
}

type sessionInfo struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	State    string `json:"state"`
	Backend  string `json:"backend"`
	DeepLink string `json:"deep_link"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	infos := make([]sessionInfo, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sess.mu.Lock()
		interval := sess.interval
		sess.mu.Unlock()
		infos = append(infos, sessionInfo{
			ID:       id,
			Symbol:   sess.symbol,
			Interval: interval.String(),
			State:    sess.loader.State().String(),
			Backend:  sess.loader.ActiveBackend(),
			DeepLink: sess.loader.DeepLink(),
		})
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": infos})
}

type command struct {
	Action   string `json:"action"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Style    string `json:"style"`
	Show     bool   `json:"show"`
	Interval string `json:"interval"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session")
	sess, ok := s.session(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		common.Logger.Sugar().Warnf("ChartServer ws upgrade: %v", err)
		return
	}
	sess.mu.Lock()
	sess.conns[conn] = true
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		delete(sess.conns, conn)
		sess.mu.Unlock()
		conn.Close()
	}()

	// commands may outlive this request's context once the socket closes,
	// so retry/interval work runs against the background context
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			sess.broadcast(map[string]interface{}{"type": "error", "message": "bad command"})
			continue
		}
		if err := s.apply(context.Background(), id, sess, cmd); err != nil {
			sess.broadcast(map[string]interface{}{"type": "error", "message": err.Error()})
		}
	}
}

func (s *Server) apply(ctx context.Context, id string, sess *session, cmd command) error {
	switch cmd.Action {
	case "resize":
		sess.loader.Resize(cmd.Width, cmd.Height)
		return nil
	case "retry":
		return sess.loader.Retry(ctx)
	case "style":
		return sess.loader.SetStyle(backend.Style(cmd.Style))
	case "volume":
		return sess.loader.SetShowVolume(cmd.Show)
	case "interval":
		interval, err := candle.ParseInterval(cmd.Interval)
		if err != nil {
			return err
		}
		if err := sess.loader.SetInterval(ctx, interval); err != nil {
			return err
		}
		if s.deps.Stream != nil {
			sess.mu.Lock()
			old := sess.interval
			sess.interval = interval
			sess.mu.Unlock()
			s.deps.Stream.Unsubscribe(sess.symbol, old)
			s.subscribeLive(sess)
		} else {
			sess.mu.Lock()
			sess.interval = interval
			sess.mu.Unlock()
		}
		return nil
	case "close":
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.teardown(sess)
		return nil
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}
