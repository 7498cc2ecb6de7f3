package session

import (
	"context"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/config"
	"github.com/luciancaetano/arena/internal/secure"
)

// Transport is the byte stream a session runs on. *net.TCPConn and
// *websocket.Conn both satisfy it.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// Role tells which side of the handshake a session plays.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// Hooks receives session events. Every method runs on the session's read
// goroutine except OnClosed, which runs on its write goroutine after teardown.
type Hooks interface {
	// OnHandshake receives the handshake request (server role) or response
	// (client role). The implementation answers by calling Open, Reply or Abort.
	OnHandshake(s *Session, payload []byte)

	// OnMessage receives a decoded, deduplicated application payload.
	OnMessage(ctx context.Context, s *Session, protocolID uint16, payload []byte)

	// OnClosed reports the teardown reason exactly once.
	OnClosed(s *Session, reason arena.CloseReason)
}

// PolicySource supplies the send policy of each protocol.
type PolicySource interface {
	Policy(protocolID uint16) secure.Policy
}

// Options are the per-session protocol settings.
type Options struct {
	SendTimeout      time.Duration
	MaxResendCount   int
	MaxFrameLength   int
	AckDelay         time.Duration
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	WriteTimeout     time.Duration
	SendQueueSize    int

	// PingInterval enables automatic pings once a client session is open.
	// Server sessions only answer pings.
	PingInterval time.Duration
	SampleWindow int
	LossTimeout  time.Duration

	// Limiter bounds inbound frames. Nil disables rate limiting.
	Limiter *rate.Limiter
}

// OptionsFromConfig maps the configuration onto session options. The
// limiter is left for the caller because it is per session.
func OptionsFromConfig(cfg config.Config) Options {
	o := Options{
		SendTimeout:      cfg.Session.SendTimeout.Std(),
		MaxResendCount:   cfg.Session.MaxResendCount,
		MaxFrameLength:   cfg.Session.MaxFrameLength,
		AckDelay:         cfg.Session.AckDelay.Std(),
		HandshakeTimeout: cfg.Session.HandshakeTimeout.Std(),
		CloseTimeout:     cfg.Session.CloseTimeout.Std(),
		WriteTimeout:     cfg.Session.WriteTimeout.Std(),
		SendQueueSize:    cfg.Session.SendQueueSize,
		SampleWindow:     cfg.Heartbeat.SampleWindow,
		LossTimeout:      cfg.Heartbeat.LossTimeout.Std(),
	}
	if cfg.Heartbeat.AutoPing {
		o.PingInterval = cfg.Heartbeat.Interval.Std()
	}
	return o
}

func (o *Options) setDefaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 1500 * time.Millisecond
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.LossTimeout <= 0 {
		o.LossTimeout = 5 * time.Second
	}
}

// Params are the values a successful handshake fixes for the session.
type Params struct {
	SessionID string
	PeerID    string
	Cipher    *secure.Cipher

	// Zero values keep the session's current settings.
	SendTimeout    time.Duration
	MaxResendCount int
	MaxFrameLength int
}
