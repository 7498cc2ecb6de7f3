package arena

// Reserved protocol IDs for engine control frames.
// Application protocols must use IDs below ProtoReservedBase.
const (
	ProtoReservedBase uint16 = 0xFF00

	ProtoHandshake    uint16 = 0xFF01
	ProtoHandshakeAck uint16 = 0xFF02
	ProtoPing         uint16 = 0xFF03
	ProtoPong         uint16 = 0xFF04
	ProtoAck          uint16 = 0xFF05
	ProtoClose        uint16 = 0xFF06
)

// IsReserved reports whether id belongs to the engine's control range.
func IsReserved(id uint16) bool {
	return id >= ProtoReservedBase
}

// Standard error messages
const (
	// Protocol errors
	ErrUnknownProtocol   = "unknown protocol"
	ErrReservedProtocol  = "protocol id is reserved"
	ErrDuplicateProtocol = "protocol id registered twice"

	// Session errors
	ErrSessionNotOpen     = "session is not open"
	ErrConnectionClosed   = "session connection is closed"
	ErrContextCancelled   = "session context cancelled"
	ErrFailedToEncode     = "failed to encode frame"
	ErrHandshakeTimeout   = "handshake timed out"
	ErrHandshakeRejected  = "handshake rejected"
	ErrPeerNotFound       = "peer not found"
	ErrPeerHasNoSession   = "peer has no session"
	ErrServerRunning      = "server already running"
	ErrClientClosed       = "client closed"
	ErrReconnectExhausted = "reconnect failed: max attempts reached"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseReason records why a session was torn down.
type CloseReason uint8

const (
	CloseNormal           CloseReason = iota // Close requested locally
	CloseRemote                              // Close requested by the remote side
	CloseProtocolError                       // Malformed or oversized frame
	CloseHandshakeFailed                     // Handshake answered with an error code
	CloseAuthRejected                        // Consumer refused the peer
	CloseDeliveryFailed                      // Resend limit exhausted
	CloseReplaced                            // Peer moved to a newer session
	CloseTransportError                      // Read or write failure
	CloseRateLimited                         // Inbound rate limit exceeded
	CloseHandshakeTimeout                    // Session stayed anonymous too long
	CloseServerShutdown                      // Server is stopping
)

// String returns the string representation of the close reason.
func (r CloseReason) String() string {
	switch r {
	case CloseNormal:
		return "Normal"
	case CloseRemote:
		return "Remote"
	case CloseProtocolError:
		return "ProtocolError"
	case CloseHandshakeFailed:
		return "HandshakeFailed"
	case CloseAuthRejected:
		return "AuthRejected"
	case CloseDeliveryFailed:
		return "DeliveryFailed"
	case CloseReplaced:
		return "Replaced"
	case CloseTransportError:
		return "TransportError"
	case CloseRateLimited:
		return "RateLimited"
	case CloseHandshakeTimeout:
		return "HandshakeTimeout"
	case CloseServerShutdown:
		return "ServerShutdown"
	default:
		return "Unknown"
	}
}

// AllowsReconnect reports whether the peer of a session closed for this
// reason is kept for a grace period.
func (r CloseReason) AllowsReconnect() bool {
	switch r {
	case CloseProtocolError, CloseDeliveryFailed, CloseTransportError, CloseHandshakeTimeout:
		return true
	default:
		return false
	}
}

// HandshakeCode is the result carried by a handshake acknowledgement.
type HandshakeCode uint8

const (
	HandshakeSuccess HandshakeCode = 0x00
	HandshakeInvalid HandshakeCode = 0x01
	HandshakeUnknown HandshakeCode = 0x02
)

// String returns the string representation of the handshake code.
func (c HandshakeCode) String() string {
	switch c {
	case HandshakeSuccess:
		return "Success"
	case HandshakeInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// PeerType distinguishes player peers from server-to-server links.
type PeerType uint8

const (
	PeerUser PeerType = iota
	PeerServer
)

// String returns the string representation of the peer type.
func (t PeerType) String() string {
	switch t {
	case PeerUser:
		return "User"
	case PeerServer:
		return "Server"
	default:
		return "Unknown"
	}
}
