// Package arena is a session protocol engine for game servers and real-time
// applications.
//
// Peers talk over TCP or WebSocket through long-lived sessions. A session
// negotiates a Diffie-Hellman key, then carries application frames that may be
// compressed, encrypted and delivered reliably. Peers keep their identity
// across connection loss: a client that reconnects within the grace period
// reclaims its peer and continues where it left off.
//
// # Architecture
//
// The root package holds the shared types (Session, Peer, CloseReason,
// protocol ids). Everything else lives behind the engine package:
//
//   - internal/protocol: frame codec and control payloads
//   - internal/secure: DH groups, key derivation, XChaCha20-Poly1305, zstd
//   - internal/session: state machine, write pump, reliable delivery, heartbeat
//   - internal/peer: peer registry and reconnect grace periods
//   - internal/dispatch: protocol table, send policies, handler invocation
//   - internal/server, internal/client: handshake resolution and reconnection
//   - fiber: single-goroutine executors for application state
//
// # Frame Format
//
// Every frame starts with a 13-byte little-endian header:
//
//	[8 bytes: seq (int64)][2 bytes: protocol id][1 byte: flags][2 bytes: length][N bytes: payload]
//
// Control frames (handshake, ping, pong, ack, close) use seq 0 and protocol
// ids from 0xFF00 up. Application protocols use ids below 0xFF00. Flags mark
// a payload as compressed, encrypted or reliable. Compression runs before
// encryption.
//
// # Handshake
//
// The client sends its key size, public key and, when reconnecting, its last
// session and peer ids. The server answers with its public key, the resolved
// ids and the session limits (send timeout, resend count, frame length).
// A handshake without ids creates a peer through the PeerFactory. A handshake
// naming a live session takes it over; one naming a session whose peer is
// waiting for a reconnect reclaims it.
//
// # Reconnection
//
// Sessions closed by a transport error, a protocol error, a delivery failure
// or a handshake timeout leave their peer waiting for the configured grace
// period. A cooperative close discards the peer at once. The client retries
// with the configured interval and attempt count.
//
// # Quick Start
//
//	table, _ := engine.NewTable(
//	    engine.Raw(engine.Descriptor{ID: 0x0001, Name: "echo", Encrypt: true},
//	        func(ctx context.Context, s arena.Session, payload []byte) error {
//	            return s.Send(ctx, 0x0001, payload)
//	        }),
//	)
//
//	srv, err := engine.NewServer(engine.DefaultConfig(), table)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop(context.Background())
//
// On the other side:
//
//	c, _ := engine.NewClient("127.0.0.1:7777", engine.DefaultConfig(), engine.WithTable(table))
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	c.Send(ctx, 0x0001, []byte("hello"))
//
// # Important
//
//   - Handlers run on the session's read goroutine; hand long work to a fiber
//   - A handler error is logged and counted; the session stays open
//   - Set server.allowed_origins in production (an empty list accepts any origin)
package arena
