// Package client is the connecting side of the arena protocol. It dials TCP
// or WebSocket, runs the handshake, keeps the session alive with pings and
// reconnects after a transport loss, presenting its last session and peer ids
// so the server hands the same peer back.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/config"
	"github.com/luciancaetano/arena/internal/dispatch"
	"github.com/luciancaetano/arena/internal/protocol"
	"github.com/luciancaetano/arena/internal/secure"
	"github.com/luciancaetano/arena/internal/session"
	"github.com/luciancaetano/arena/internal/websocket"
)

var (
	ErrClientClosed       = errors.New(arena.ErrClientClosed)
	ErrSessionNotOpen     = session.ErrSessionNotOpen
	ErrConnectionClosed   = session.ErrConnectionClosed
	ErrHandshakeRejected  = errors.New(arena.ErrHandshakeRejected)
	ErrHandshakeTimeout   = errors.New(arena.ErrHandshakeTimeout)
	ErrReconnectExhausted = errors.New(arena.ErrReconnectExhausted)
)

// DialFunc opens the transport for one connection attempt.
type DialFunc func(ctx context.Context) (session.Transport, error)

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithTable sets the table that supplies send policies and handles inbound
// application frames.
func WithTable(t *dispatch.Table) Option {
	return func(c *Client) {
		if t != nil {
			c.table = t
		}
	}
}

// WithDialer replaces address-based dialing.
func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// OnOpen is called after the first successful handshake.
func OnOpen(fn func(s arena.Session)) Option {
	return func(c *Client) { c.onOpen = fn }
}

// OnReconnect is called each time a reconnection succeeds.
func OnReconnect(fn func(s arena.Session)) Option {
	return func(c *Client) { c.onReconnect = fn }
}

// OnClose is called when the client gives up on its session: after a local
// close, a non-recoverable reason or exhausted reconnection attempts.
func OnClose(fn func(reason arena.CloseReason)) Option {
	return func(c *Client) { c.onClose = fn }
}

// Client implements arena.Client.
type Client struct {
	addr       string
	cfg        config.Config
	opts       session.Options
	table      *dispatch.Table
	compressor *secure.Compressor
	dial       DialFunc
	log        zerolog.Logger

	onOpen      func(arena.Session)
	onReconnect func(arena.Session)
	onClose     func(arena.CloseReason)

	mu              sync.Mutex
	sess            *session.Session
	sessionID       string
	peerID          string
	closed          bool
	cancelReconnect context.CancelFunc
}

// New creates a client for addr. Addresses with a ws:// or wss:// scheme use
// WebSocket; anything else, optionally prefixed with tcp://, dials TCP.
func New(addr string, cfg config.Config, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	compressor, err := secure.NewCompressor(cfg.Session.MaxDecompressedSize)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	c := &Client{
		addr:       addr,
		cfg:        cfg,
		opts:       session.OptionsFromConfig(cfg),
		compressor: compressor,
		log:        zerolog.Nop(),
	}
	c.table, _ = dispatch.NewTable()
	c.dial = c.dialAddr
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

func (c *Client) dialAddr(ctx context.Context) (session.Transport, error) {
	if strings.HasPrefix(c.addr, "ws://") || strings.HasPrefix(c.addr, "wss://") {
		return websocket.Dial(ctx, c.addr)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(c.addr, "tcp://"))
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Connect dials and completes the handshake, retrying per the connect
// settings. A rejected handshake is not retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	s, err := c.establish(ctx, c.cfg.Connect, false)
	if err != nil {
		return err
	}
	if c.onOpen != nil {
		c.onOpen(s)
	}
	return nil
}

// establish runs connection attempts until one opens a session. Reconnection
// attempts wait one interval before dialing.
func (c *Client) establish(ctx context.Context, retry config.Retry, reconnect bool) (*session.Session, error) {
	attempts := max(retry.MaxAttempts, 1)
	interval := retry.Interval.Std()

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if reconnect || i > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(interval):
			}
		}

		s, err := c.attempt(ctx)
		if err == nil {
			return s, nil
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", i).Int("max_attempts", attempts).
			Bool("reconnect", reconnect).Msg("connection attempt failed")

		if errors.Is(err, ErrHandshakeRejected) || errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
			return nil, err
		}
	}
	if reconnect {
		return nil, fmt.Errorf("%w: %w", ErrReconnectExhausted, lastErr)
	}
	return nil, lastErr
}

// attempt opens one transport and runs the handshake on it.
func (c *Client) attempt(ctx context.Context) (*session.Session, error) {
	transport, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}

	keySize := c.cfg.Session.KeySize
	if keySize == 0 {
		keySize = secure.DefaultKeySize
	}
	group, err := secure.GroupFor(keySize)
	if err != nil {
		transport.Close()
		return nil, err
	}
	keys, err := group.GenerateKey(nil)
	if err != nil {
		transport.Close()
		return nil, err
	}

	h := &handshake{client: c, keys: keys, result: make(chan error, 1)}
	s := session.New(session.RoleClient, "", transport, c.opts, h, c.table, c.compressor, nil, c.log)
	s.Start()

	c.mu.Lock()
	req := &protocol.HandshakeRequest{
		SessionID: c.sessionID,
		PeerID:    c.peerID,
		KeySize:   uint16(keySize),
		PublicKey: keys.PublicBytes(),
	}
	c.mu.Unlock()

	if err := s.BeginHandshake(req); err != nil {
		s.Abort(arena.CloseHandshakeFailed)
		return nil, err
	}

	select {
	case err := <-h.result:
		if err != nil {
			if errors.Is(err, ErrHandshakeRejected) {
				// The server no longer knows this identity.
				c.mu.Lock()
				c.sessionID, c.peerID = "", ""
				c.mu.Unlock()
			}
			return nil, err
		}
	case <-s.Done():
		if s.CloseReason() == arena.CloseHandshakeTimeout {
			return nil, ErrHandshakeTimeout
		}
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		s.Abort(arena.CloseNormal)
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.Abort(arena.CloseNormal)
		return nil, ErrClientClosed
	}
	// Teardown marks the session closed before OnClosed takes c.mu.
	if !s.IsAlive() {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.sess = s
	c.sessionID = s.ID()
	c.peerID = s.PeerID()
	c.mu.Unlock()
	return s, nil
}

// handshake receives the events of one attempt's session.
type handshake struct {
	client *Client
	keys   *secure.KeyPair
	result chan error
}

func (h *handshake) OnHandshake(s *session.Session, payload []byte) {
	resp, err := protocol.DecodeHandshakeResponse(payload)
	if err != nil {
		h.result <- err
		s.Abort(arena.CloseProtocolError)
		return
	}
	if resp.Code != arena.HandshakeSuccess {
		h.result <- fmt.Errorf("%w: %s", ErrHandshakeRejected, resp.Code)
		s.Abort(arena.CloseHandshakeFailed)
		return
	}

	secret, err := h.keys.SharedSecret(resp.PublicKey)
	if err != nil {
		h.result <- fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
		s.Abort(arena.CloseHandshakeFailed)
		return
	}
	cipher, err := secure.NewCipher(secret)
	if err != nil {
		h.result <- err
		s.Abort(arena.CloseHandshakeFailed)
		return
	}

	h.result <- s.Open(session.Params{
		SessionID:      resp.SessionID,
		PeerID:         resp.PeerID,
		Cipher:         cipher,
		SendTimeout:    time.Duration(resp.SendTimeoutMs) * time.Millisecond,
		MaxResendCount: int(resp.MaxResendCount),
		MaxFrameLength: int(resp.MaxFrameLength),
	})
}

func (h *handshake) OnMessage(ctx context.Context, s *session.Session, protocolID uint16, payload []byte) {
	_ = h.client.table.Dispatch(ctx, s, protocolID, payload)
}

func (h *handshake) OnClosed(s *session.Session, reason arena.CloseReason) {
	h.client.sessionClosed(s, reason)
}

// sessionClosed decides between reconnecting and reporting the close.
func (c *Client) sessionClosed(s *session.Session, reason arena.CloseReason) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	if c.closed || !reason.AllowsReconnect() || c.cfg.Reconnect.MaxAttempts == 0 {
		c.mu.Unlock()
		c.log.Info().Stringer("reason", reason).Msg("client session closed")
		if c.onClose != nil {
			c.onClose(reason)
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	c.mu.Unlock()

	c.log.Info().Stringer("reason", reason).Msg("session lost, reconnecting")
	go c.reconnect(ctx, reason)
}

func (c *Client) reconnect(ctx context.Context, reason arena.CloseReason) {
	s, err := c.establish(ctx, c.cfg.Reconnect, true)
	if err != nil {
		c.log.Warn().Err(err).Msg("reconnection failed")
		if c.onClose != nil {
			c.onClose(reason)
		}
		return
	}
	c.log.Info().Str("session_id", s.ID()).Str("peer_id", s.PeerID()).Msg("reconnected")
	if c.onReconnect != nil {
		c.onReconnect(s)
	}
}

// Send queues an application frame on the current session.
func (c *Client) Send(ctx context.Context, protocolID uint16, payload []byte) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.Send(ctx, protocolID, payload)
}

// Ping sends one heartbeat.
func (c *Client) Ping(context.Context) error {
	s, err := c.current()
	if err != nil {
		return err
	}
	return s.Ping()
}

func (c *Client) current() (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.sess == nil {
		return nil, ErrSessionNotOpen
	}
	return c.sess, nil
}

// Close closes the current session cooperatively, stops reconnection and
// waits for teardown or ctx.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sess
	if c.cancelReconnect != nil {
		c.cancelReconnect()
	}
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Close(ctx); err != nil {
		return err
	}
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		s.Abort(arena.CloseNormal)
		return ctx.Err()
	}
}

// Session returns the current session.
func (c *Client) Session() (arena.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, false
	}
	return c.sess, true
}

// SessionID returns the latest session id issued by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// PeerID returns the peer id issued by the server.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Latency returns the round-trip statistics of the current session.
func (c *Client) Latency() arena.LatencyStats {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return arena.LatencyStats{}
	}
	return s.Latency()
}

var _ arena.Client = (*Client)(nil)
