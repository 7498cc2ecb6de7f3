package arena

import (
	"context"
	"net/http"
	"time"
)

// Server defines a game server that accepts sessions over TCP and WebSocket
// and speaks the arena frame protocol on both.
//
// Example usage:
//
//	import "github.com/luciancaetano/arena/engine"
//
//	table, _ := engine.NewTable(
//	    engine.Raw(engine.Descriptor{ID: 0x0001, Name: "chat", Encrypt: true},
//	        func(ctx context.Context, s arena.Session, payload []byte) error {
//	            return s.Send(ctx, 0x0001, payload)
//	        }),
//	)
//	server, _ := engine.NewServer(engine.DefaultConfig(), table)
//	server.Start(ctx)
type Server interface {
	// Start binds the configured listeners and begins accepting sessions.
	// It returns once the listeners are bound; accept loops run in the background.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop closes the listeners and every live session with CloseServerShutdown.
	Stop(ctx context.Context) error

	// Handler returns the HTTP handler that upgrades WebSocket connections into
	// sessions. It can be mounted on an existing router.
	Handler() http.Handler

	// Session returns a live session by id.
	Session(id string) (Session, bool)

	// Peer returns a registered peer by id, including peers waiting to reconnect.
	Peer(id string) (Peer, bool)

	// SendToPeer sends an application frame to the current session of a peer.
	//
	// Returns an error if the peer is unknown or currently has no session.
	SendToPeer(ctx context.Context, peerID string, protocolID uint16, payload []byte) error

	// Broadcast sends an application frame to every open session.
	//
	// Example:
	//
	//	data, _ := json.Marshal(notification)
	//	server.Broadcast(ctx, 0x0100, data)
	Broadcast(ctx context.Context, protocolID uint16, payload []byte) error
}

// Session represents one live, transport-bound connection.
//
// A session is ephemeral: on reconnection the peer moves to a new session and
// the old one is closed. Application state belongs to the peer, not the session.
type Session interface {
	// ID returns the session id issued during the handshake.
	ID() string

	// PeerID returns the id of the peer currently attached to this session,
	// or an empty string while the session is anonymous.
	PeerID() string

	// RemoteAddr returns the remote network address, for example "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the session's lifecycle context. It is cancelled on teardown.
	Context() context.Context

	// State returns the current lifecycle state.
	State() State

	// Send assigns the next sequence number to payload, applies the protocol's
	// compression and encryption policy and queues the frame for reliable delivery.
	//
	// Returns an error if the session is not open or the context is cancelled.
	//
	// Example:
	//
	//	if err := session.Send(ctx, 0x0001, []byte("message")); err != nil {
	//	    log.Printf("Failed to send: %v", err)
	//	}
	Send(ctx context.Context, protocolID uint16, payload []byte) error

	// Close starts a cooperative close: a close frame is sent and the session
	// tears down once the remote side answers or the close timeout elapses.
	Close(ctx context.Context) error

	// IsAlive returns true until the session reaches StateClosed.
	IsAlive() bool

	// Latency returns the locally measured round-trip statistics.
	Latency() LatencyStats

	// RemoteLatency returns the latency figures last reported by the remote side
	// in its ping frames.
	RemoteLatency() LatencyStats
}

// Peer is the durable identity of a participant. It survives transient
// disconnects and is reattached to a new session on reconnection.
type Peer interface {
	ID() string
	Type() PeerType

	// Data returns the application state attached by the PeerFactory.
	Data() any

	// SessionID returns the current session id, or an empty string while the
	// peer waits for a reconnection.
	SessionID() string

	// WaitingUntil returns the reconnection deadline, or the zero time when the
	// peer is attached to a session.
	WaitingUntil() time.Time
}

// PeerInfo is what a PeerFactory returns for a first connection.
type PeerInfo struct {
	ID   string
	Type PeerType
	Data any
}

// PeerFactory creates the peer for a first connection. It receives the
// authenticating session, the negotiated DH key size and the client's public key.
type PeerFactory func(s Session, keySize int, clientPublicKey []byte) (PeerInfo, error)

// LatencyStats summarises a window of round-trip samples.
type LatencyStats struct {
	Average    time.Duration
	StdDev     time.Duration
	Jitter     time.Duration
	PacketLoss float64
	Samples    int
}

// Client is the connecting side of a session. It owns the handshake,
// automatic pings and reconnection.
type Client interface {
	// Connect dials, performs the handshake and returns once the session is open.
	Connect(ctx context.Context) error

	// Send queues an application frame on the current session.
	Send(ctx context.Context, protocolID uint16, payload []byte) error

	// Ping sends a single heartbeat regardless of the auto-ping setting.
	Ping(ctx context.Context) error

	// Close closes the current session cooperatively and disables reconnection.
	Close(ctx context.Context) error

	// Session returns the current session, if any.
	Session() (Session, bool)

	SessionID() string
	PeerID() string
	Latency() LatencyStats
}
