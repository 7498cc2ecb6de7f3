// Package server accepts sessions over TCP and WebSocket, resolves their
// handshakes against the peer registry and routes application frames through
// the dispatch table.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/config"
	"github.com/luciancaetano/arena/internal/dispatch"
	"github.com/luciancaetano/arena/internal/metrics"
	"github.com/luciancaetano/arena/internal/peer"
	"github.com/luciancaetano/arena/internal/secure"
	"github.com/luciancaetano/arena/internal/session"
	"github.com/luciancaetano/arena/internal/websocket"
)

var (
	ErrServerRunning    = errors.New(arena.ErrServerRunning)
	ErrPeerNotFound     = errors.New(arena.ErrPeerNotFound)
	ErrPeerHasNoSession = errors.New(arena.ErrPeerHasNoSession)
)

// OnOpenFn is called once a session completes its handshake.
type OnOpenFn func(s arena.Session, p arena.Peer)

// OnClosedFn is called once a session has torn down.
type OnClosedFn func(s arena.Session, reason arena.CloseReason)

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the root logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithPeerFactory sets the factory used for first connections.
func WithPeerFactory(f arena.PeerFactory) Option {
	return func(s *Server) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithRegistry registers the server collectors on reg and serves reg on the
// metrics endpoint.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.promRegistry = reg }
}

// OnOpen sets the callback run after a successful handshake.
func OnOpen(fn OnOpenFn) Option {
	return func(s *Server) { s.onOpen = fn }
}

// OnClosed sets the callback run after a session has torn down.
func OnClosed(fn OnClosedFn) Option {
	return func(s *Server) { s.onClosed = fn }
}

// Server implements arena.Server and session.Hooks.
type Server struct {
	cfg          config.Config
	opts         session.Options
	rateLimit    *websocket.RateLimitConfig
	table        *dispatch.Table
	factory      arena.PeerFactory
	log          zerolog.Logger
	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	registry     *peer.Registry
	compressor   *secure.Compressor
	upgrader     *websocket.Upgrader
	router       chi.Router
	onOpen       OnOpenFn
	onClosed     OnClosedFn

	sessions sync.Map // map[string]*session.Session

	mu         sync.Mutex
	running    bool
	listener   net.Listener
	httpServer *http.Server
	httpAddr   net.Addr
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a server. A nil table serves no application protocols.
func New(cfg config.Config, table *dispatch.Table, options ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:       cfg,
		opts:      session.OptionsFromConfig(cfg),
		rateLimit: websocket.RateLimitFromConfig(cfg.RateLimit),
		factory:   DefaultPeerFactory,
		log:       zerolog.Nop(),
		registry:  peer.NewRegistry(),
	}
	for _, opt := range options {
		opt(srv)
	}
	if srv.promRegistry == nil {
		srv.promRegistry = prometheus.NewRegistry()
	}
	srv.metrics = metrics.New(srv.promRegistry, cfg.Metrics.Namespace)

	if table == nil {
		table, _ = dispatch.NewTable()
	}
	srv.table = table.WithMetrics(srv.metrics)

	compressor, err := secure.NewCompressor(cfg.Session.MaxDecompressedSize)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	srv.compressor = compressor

	srv.upgrader = websocket.NewUpgrader(websocket.AllowOrigins(cfg.Server.AllowedOrigins))
	srv.router = srv.routes()
	return srv, nil
}

func (srv *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(srv.cfg.Server.WebSocketPath, srv.upgrader.Handler(func(c *websocket.Conn) {
		srv.accept(c)
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if srv.cfg.Metrics.Enabled {
		r.Handle(srv.cfg.Metrics.Path, promhttp.HandlerFor(srv.promRegistry, promhttp.HandlerOpts{}))
	}
	return r
}

// Handler returns the router serving the WebSocket endpoint, /healthz and
// the metrics endpoint.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

// Start binds the configured listeners and starts the accept loops and the
// grace sweeper.
func (srv *Server) Start(ctx context.Context) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.running {
		return ErrServerRunning
	}

	var lc net.ListenConfig
	if addr := srv.cfg.Server.TCPAddr; addr != "" {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		srv.listener = ln
	}
	if addr := srv.cfg.Server.HTTPAddr; addr != "" {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			if srv.listener != nil {
				_ = srv.listener.Close()
				srv.listener = nil
			}
			return fmt.Errorf("listen http %s: %w", addr, err)
		}
		hs := &http.Server{
			Handler:           srv.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		srv.httpAddr = ln.Addr()
		srv.httpServer = hs
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	bg, cancel := context.WithCancel(context.Background())
	srv.cancel = cancel

	if srv.listener != nil {
		srv.wg.Add(1)
		go srv.acceptLoop(srv.listener)
	}
	srv.wg.Add(1)
	go srv.sweepLoop(bg)

	srv.running = true
	srv.log.Info().
		Str("tcp_addr", srv.cfg.Server.TCPAddr).
		Str("http_addr", srv.cfg.Server.HTTPAddr).
		Str("ws_path", srv.cfg.Server.WebSocketPath).
		Msg("server started")
	return nil
}

// Stop closes the listeners, aborts every session with CloseServerShutdown
// and waits for their teardown or ctx.
func (srv *Server) Stop(ctx context.Context) error {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return nil
	}
	srv.running = false
	srv.cancel()
	if srv.listener != nil {
		_ = srv.listener.Close()
		srv.listener = nil
	}
	httpServer := srv.httpServer
	srv.httpServer = nil
	srv.httpAddr = nil
	srv.mu.Unlock()

	var errs []error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
	}

	var live []*session.Session
	srv.sessions.Range(func(_, v any) bool {
		s := v.(*session.Session)
		s.Abort(arena.CloseServerShutdown)
		live = append(live, s)
		return true
	})
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return errors.Join(errs...)
		}
	}

	srv.wg.Wait()
	srv.log.Info().Int("sessions", len(live)).Msg("server stopped")
	return errors.Join(errs...)
}

// TCPAddr returns the bound TCP address, nil when not listening.
func (srv *Server) TCPAddr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// HTTPAddr returns the bound HTTP address, nil when not listening.
func (srv *Server) HTTPAddr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.httpAddr
}

func (srv *Server) acceptLoop(ln net.Listener) {
	defer srv.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			srv.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		srv.accept(conn)
	}
}

// accept wraps transport in a server session and starts it.
func (srv *Server) accept(t session.Transport) *session.Session {
	opts := srv.opts
	opts.Limiter = srv.rateLimit.NewLimiter()

	s := session.New(session.RoleServer, uuid.NewString(), t, opts, srv, srv.table,
		srv.compressor, srv.metrics, srv.log)
	srv.sessions.Store(s.ID(), s)
	s.Logger().Debug().Msg("session accepted")
	s.Start()
	return s
}

func (srv *Server) sweepLoop(ctx context.Context) {
	defer srv.wg.Done()

	interval := srv.cfg.Server.SweepInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := srv.registry.Sweep(now); n > 0 {
				srv.log.Debug().Int("peers", n).Msg("discarded peers past reconnect grace")
			}
			srv.updateWaiting()
		}
	}
}

func (srv *Server) updateWaiting() {
	_, waiting := srv.registry.Counts()
	srv.metrics.SetWaitingPeers(waiting)
}

// liveSession returns the session registered under id if it has not closed.
func (srv *Server) liveSession(id string) (*session.Session, bool) {
	v, ok := srv.sessions.Load(id)
	if !ok {
		return nil, false
	}
	s := v.(*session.Session)
	if !s.IsAlive() {
		return nil, false
	}
	return s, true
}

// OnMessage implements session.Hooks.
func (srv *Server) OnMessage(ctx context.Context, s *session.Session, protocolID uint16, payload []byte) {
	_ = srv.table.Dispatch(ctx, s, protocolID, payload)
}

// OnClosed implements session.Hooks. A peer whose session ended with a reason
// allowing reconnection waits out the grace period; otherwise it is
// discarded unless another session already took it over.
func (srv *Server) OnClosed(s *session.Session, reason arena.CloseReason) {
	// The session stays listed until the peer is settled so a reconnecting
	// handshake can wait for it.
	defer srv.sessions.CompareAndDelete(s.ID(), s)

	if peerID := s.PeerID(); peerID != "" && reason != arena.CloseReplaced {
		if p, ok := srv.registry.Lookup(peerID); ok {
			srv.settlePeer(s, p, reason)
		}
	}
	srv.updateWaiting()

	if srv.onClosed != nil {
		srv.onClosed(s, reason)
	}
}

// settlePeer detaches p from the ended session s. The peer waits out the
// reconnect grace when reason allows it and is discarded otherwise.
func (srv *Server) settlePeer(s *session.Session, p *peer.Peer, reason arena.CloseReason) {
	grace := srv.cfg.Session.ReconnectGrace.Std()
	switch {
	case reason.AllowsReconnect() && grace > 0:
		if srv.registry.MarkWaitingReconnect(p, s.ID(), time.Now().Add(grace)) {
			s.Logger().Debug().Dur("grace", grace).Msg("peer waiting for reconnect")
		}
	case p.SwapSession(s.ID(), ""):
		srv.registry.Discard(p)
	}
}

// Session returns a live session by id.
func (srv *Server) Session(id string) (arena.Session, bool) {
	s, ok := srv.liveSession(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// Peer returns a registered peer by id.
func (srv *Server) Peer(id string) (arena.Peer, bool) {
	p, ok := srv.registry.Lookup(id)
	if !ok {
		return nil, false
	}
	return p, true
}

// SendToPeer sends an application frame on the peer's current session.
func (srv *Server) SendToPeer(ctx context.Context, peerID string, protocolID uint16, payload []byte) error {
	p, ok := srv.registry.Lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	sid := p.SessionID()
	if sid == "" {
		return fmt.Errorf("%w: %s", ErrPeerHasNoSession, peerID)
	}
	s, ok := srv.liveSession(sid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerHasNoSession, peerID)
	}
	return s.Send(ctx, protocolID, payload)
}

// Broadcast sends an application frame to every open session and returns
// the joined per-session errors.
func (srv *Server) Broadcast(ctx context.Context, protocolID uint16, payload []byte) error {
	var errs []error
	srv.sessions.Range(func(_, v any) bool {
		s := v.(*session.Session)
		if s.State() != arena.StateOpen {
			return true
		}
		if err := s.Send(ctx, protocolID, payload); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
		}
		return ctx.Err() == nil
	})
	return errors.Join(errs...)
}

// Counts returns the number of registered peers and how many of them wait
// for a reconnection.
func (srv *Server) Counts() (peers, waiting int) {
	return srv.registry.Counts()
}

var (
	_ arena.Server  = (*Server)(nil)
	_ session.Hooks = (*Server)(nil)
)
