package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/config"
	"github.com/luciancaetano/arena/internal/dispatch"
	"github.com/luciancaetano/arena/internal/protocol"
	"github.com/luciancaetano/arena/internal/secure"
	"github.com/luciancaetano/arena/internal/session"
)

const (
	protoEcho   uint16 = 0x0010
	protoNotify uint16 = 0x0011
	waitPeriod         = 3 * time.Second
)

type message struct {
	protocolID uint16
	payload    string
}

// testClient is the client side of a session driven by the test.
type testClient struct {
	t        *testing.T
	keys     *secure.KeyPair
	sess     *session.Session
	resp     chan *protocol.HandshakeResponse
	messages chan message
	closed   chan arena.CloseReason
}

func (c *testClient) OnHandshake(s *session.Session, payload []byte) {
	resp, err := protocol.DecodeHandshakeResponse(payload)
	if err != nil {
		s.Abort(arena.CloseProtocolError)
		return
	}
	if resp.Code == arena.HandshakeSuccess {
		secret, err := c.keys.SharedSecret(resp.PublicKey)
		if err != nil {
			c.t.Errorf("SharedSecret() failed: %v", err)
			return
		}
		cipher, _ := secure.NewCipher(secret)
		_ = s.Open(session.Params{SessionID: resp.SessionID, PeerID: resp.PeerID, Cipher: cipher})
	}
	c.resp <- resp
}

func (c *testClient) OnMessage(_ context.Context, _ *session.Session, id uint16, payload []byte) {
	c.messages <- message{id, string(payload)}
}

func (c *testClient) OnClosed(_ *session.Session, reason arena.CloseReason) {
	c.closed <- reason
}

func (c *testClient) waitMessage(t *testing.T) message {
	t.Helper()
	select {
	case m := <-c.messages:
		return m
	case <-time.After(waitPeriod):
		t.Fatal("no message received")
		return message{}
	}
}

func (c *testClient) waitClosed(t *testing.T) arena.CloseReason {
	t.Helper()
	select {
	case r := <-c.closed:
		return r
	case <-time.After(waitPeriod):
		t.Fatal("client session did not close")
		return 0
	}
}

// closeLog records server-side close reasons by session id.
type closeLog struct {
	mu      sync.Mutex
	reasons map[string]arena.CloseReason
	ch      chan string
}

func newCloseLog() *closeLog {
	return &closeLog{reasons: make(map[string]arena.CloseReason), ch: make(chan string, 16)}
}

func (l *closeLog) record(s arena.Session, reason arena.CloseReason) {
	l.mu.Lock()
	l.reasons[s.ID()] = reason
	l.mu.Unlock()
	l.ch <- s.ID()
}

func (l *closeLog) wait(t *testing.T, sessionID string) arena.CloseReason {
	t.Helper()
	timeout := time.After(waitPeriod)
	for {
		l.mu.Lock()
		r, ok := l.reasons[sessionID]
		l.mu.Unlock()
		if ok {
			return r
		}
		select {
		case <-l.ch:
		case <-timeout:
			t.Fatalf("server session %s did not close", sessionID)
		}
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.TCPAddr = ""
	cfg.Server.HTTPAddr = ""
	cfg.Session.KeySize = 1024
	cfg.Session.ReconnectGrace = config.Duration(time.Minute)
	cfg.Heartbeat.AutoPing = false
	cfg.RateLimit.Enabled = false
	return cfg
}

func testTable(t *testing.T) *dispatch.Table {
	t.Helper()
	table, err := dispatch.NewTable(
		dispatch.Raw(dispatch.Descriptor{ID: protoEcho, Name: "echo", Encrypt: true},
			func(ctx context.Context, s arena.Session, payload []byte) error {
				return s.Send(ctx, protoEcho, payload)
			}),
		dispatch.Raw(dispatch.Descriptor{ID: protoNotify, Name: "notify", Encrypt: true, CompressThreshold: 1024},
			func(context.Context, arena.Session, []byte) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewTable() failed: %v", err)
	}
	return table
}

func newTestServer(t *testing.T, cfg config.Config, opts ...Option) (*Server, *closeLog) {
	t.Helper()
	closes := newCloseLog()
	opts = append([]Option{OnClosed(closes.record)}, opts...)
	srv, err := New(cfg, testTable(t), opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		srv.sessions.Range(func(_, v any) bool {
			v.(*session.Session).Abort(arena.CloseServerShutdown)
			return true
		})
	})
	return srv, closes
}

// startClient runs a client session on transport and sends req.
func startClient(t *testing.T, transport session.Transport, table *dispatch.Table, req protocol.HandshakeRequest) (*testClient, *protocol.HandshakeResponse) {
	t.Helper()

	group, _ := secure.GroupFor(1024)
	keys, err := group.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}
	c := &testClient{
		t:        t,
		keys:     keys,
		resp:     make(chan *protocol.HandshakeResponse, 1),
		messages: make(chan message, 16),
		closed:   make(chan arena.CloseReason, 1),
	}
	comp, err := secure.NewCompressor(0)
	if err != nil {
		t.Fatalf("NewCompressor() failed: %v", err)
	}
	t.Cleanup(comp.Close)

	c.sess = session.New(session.RoleClient, "", transport, session.Options{}, c, table, comp, nil, zerolog.Nop())
	t.Cleanup(func() { c.sess.Abort(arena.CloseNormal) })
	c.sess.Start()

	if req.KeySize == 0 {
		req.KeySize = 1024
	}
	if req.PublicKey == nil {
		req.PublicKey = keys.PublicBytes()
	}
	if err := c.sess.BeginHandshake(&req); err != nil {
		t.Fatalf("BeginHandshake() failed: %v", err)
	}

	select {
	case resp := <-c.resp:
		return c, resp
	case <-time.After(waitPeriod):
		t.Fatal("no handshake response")
		return nil, nil
	}
}

// connect attaches a client to srv through an in-memory pipe.
func connect(t *testing.T, srv *Server, req protocol.HandshakeRequest) (*testClient, *protocol.HandshakeResponse) {
	t.Helper()
	sc, cc := net.Pipe()
	s := srv.accept(sc)
	c, resp := startClient(t, cc, srv.table, req)
	if resp.Code == arena.HandshakeSuccess {
		waitFor(t, "server session to open", func() bool { return s.State() == arena.StateOpen })
	}
	return c, resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitPeriod)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fixedPeer(id string) arena.PeerFactory {
	return func(arena.Session, int, []byte) (arena.PeerInfo, error) {
		return arena.PeerInfo{ID: id, Type: arena.PeerUser, Data: "profile:" + id}, nil
	}
}

func TestFirstConnectionCreatesPeer(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig(), WithPeerFactory(fixedPeer("U1")))
	c, resp := connect(t, srv, protocol.HandshakeRequest{})

	if resp.Code != arena.HandshakeSuccess {
		t.Fatalf("handshake code = %v, want Success", resp.Code)
	}
	if resp.PeerID != "U1" || resp.SessionID == "" {
		t.Errorf("response session=%q peer=%q", resp.SessionID, resp.PeerID)
	}
	if resp.SendTimeoutMs != 1500 || resp.MaxResendCount != 5 || resp.MaxFrameLength != 64*1024 {
		t.Errorf("negotiated limits = %d/%d/%d", resp.SendTimeoutMs, resp.MaxResendCount, resp.MaxFrameLength)
	}

	p, ok := srv.Peer("U1")
	if !ok {
		t.Fatal("peer U1 not registered")
	}
	if p.SessionID() != resp.SessionID || p.Data() != "profile:U1" {
		t.Errorf("peer session=%q data=%v", p.SessionID(), p.Data())
	}
	if _, ok := srv.Session(resp.SessionID); !ok {
		t.Error("Session() did not find the open session")
	}
	if c.sess.ID() != resp.SessionID {
		t.Errorf("client session id = %q, want %q", c.sess.ID(), resp.SessionID)
	}
}

func TestDefaultFactoryAssignsUUID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig())
	_, resp := connect(t, srv, protocol.HandshakeRequest{})

	if resp.Code != arena.HandshakeSuccess || len(resp.PeerID) != 36 {
		t.Errorf("code=%v peer=%q, want Success with a UUID", resp.Code, resp.PeerID)
	}
}

func TestHandshakeRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		factory arena.PeerFactory
		req     protocol.HandshakeRequest
		code    arena.HandshakeCode
		reason  arena.CloseReason
	}{
		{
			name:   "unsupported key size",
			req:    protocol.HandshakeRequest{KeySize: 512, PublicKey: []byte{2}},
			code:   arena.HandshakeInvalid,
			reason: arena.CloseHandshakeFailed,
		},
		{
			name:   "invalid public key",
			req:    protocol.HandshakeRequest{PublicKey: []byte{1}},
			code:   arena.HandshakeInvalid,
			reason: arena.CloseHandshakeFailed,
		},
		{
			name: "factory rejects",
			factory: func(arena.Session, int, []byte) (arena.PeerInfo, error) {
				return arena.PeerInfo{}, ErrPeerRejected
			},
			code:   arena.HandshakeInvalid,
			reason: arena.CloseAuthRejected,
		},
		{
			name: "factory fails",
			factory: func(arena.Session, int, []byte) (arena.PeerInfo, error) {
				return arena.PeerInfo{}, io.ErrUnexpectedEOF
			},
			code:   arena.HandshakeUnknown,
			reason: arena.CloseHandshakeFailed,
		},
		{
			name:   "unknown session without peer",
			req:    protocol.HandshakeRequest{SessionID: "gone"},
			code:   arena.HandshakeInvalid,
			reason: arena.CloseHandshakeFailed,
		},
		{
			name:   "unknown peer",
			req:    protocol.HandshakeRequest{SessionID: "gone", PeerID: "nobody"},
			code:   arena.HandshakeInvalid,
			reason: arena.CloseHandshakeFailed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, closes := newTestServer(t, testConfig(), WithPeerFactory(tt.factory))
			c, resp := connect(t, srv, tt.req)

			if resp.Code != tt.code {
				t.Errorf("handshake code = %v, want %v", resp.Code, tt.code)
			}
			if got := closes.wait(t, resp.SessionID); got != tt.reason {
				t.Errorf("server close reason = %v, want %v", got, tt.reason)
			}
			c.waitClosed(t)
			if total, _ := srv.Counts(); total != 0 {
				t.Errorf("%d peers registered after rejection", total)
			}
		})
	}
}

func TestTakeoverReplacesLiveSession(t *testing.T) {
	t.Parallel()

	srv, closes := newTestServer(t, testConfig(), WithPeerFactory(fixedPeer("U1")))
	first, resp1 := connect(t, srv, protocol.HandshakeRequest{})

	_, resp2 := connect(t, srv, protocol.HandshakeRequest{SessionID: resp1.SessionID, PeerID: "U1"})
	if resp2.Code != arena.HandshakeSuccess {
		t.Fatalf("takeover code = %v, want Success", resp2.Code)
	}
	if resp2.PeerID != "U1" || resp2.SessionID == resp1.SessionID {
		t.Errorf("takeover session=%q peer=%q", resp2.SessionID, resp2.PeerID)
	}

	if got := closes.wait(t, resp1.SessionID); got != arena.CloseReplaced {
		t.Errorf("old session reason = %v, want Replaced", got)
	}
	first.waitClosed(t)

	p, _ := srv.Peer("U1")
	if p.SessionID() != resp2.SessionID {
		t.Errorf("peer session = %q, want %q", p.SessionID(), resp2.SessionID)
	}
	if !p.WaitingUntil().IsZero() {
		t.Error("replaced session parked the peer")
	}
}

func TestReplacedSessionClosesBeforeSuccessorOpens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  func(first *protocol.HandshakeResponse) protocol.HandshakeRequest
	}{
		{
			name: "session id takeover",
			req: func(first *protocol.HandshakeResponse) protocol.HandshakeRequest {
				return protocol.HandshakeRequest{SessionID: first.SessionID, PeerID: "U1"}
			},
		},
		{
			name: "factory returns a connected peer",
			req: func(*protocol.HandshakeResponse) protocol.HandshakeRequest {
				return protocol.HandshakeRequest{}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				mu     sync.Mutex
				old    *session.Session
				states []arena.State
			)
			onOpen := func(s arena.Session, _ arena.Peer) {
				mu.Lock()
				defer mu.Unlock()
				if old != nil && s.ID() != old.ID() {
					states = append(states, old.State())
				}
			}

			srv, closes := newTestServer(t, testConfig(), WithPeerFactory(fixedPeer("U1")), OnOpen(onOpen))
			_, resp1 := connect(t, srv, protocol.HandshakeRequest{})
			v, ok := srv.sessions.Load(resp1.SessionID)
			if !ok {
				t.Fatal("first session not listed")
			}
			mu.Lock()
			old = v.(*session.Session)
			mu.Unlock()

			_, resp2 := connect(t, srv, tt.req(resp1))
			if resp2.Code != arena.HandshakeSuccess {
				t.Fatalf("second handshake code = %v, want Success", resp2.Code)
			}
			waitFor(t, "successor OnOpen", func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(states) == 1
			})

			mu.Lock()
			got := states[0]
			mu.Unlock()
			if got != arena.StateClosed {
				t.Errorf("replaced session state at successor open = %v, want Closed", got)
			}
			if r := closes.wait(t, resp1.SessionID); r != arena.CloseReplaced {
				t.Errorf("replaced session reason = %v, want Replaced", r)
			}
		})
	}
}

func TestTakeoverRejectsForeignPeer(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig(), WithPeerFactory(fixedPeer("U1")))
	_, resp1 := connect(t, srv, protocol.HandshakeRequest{})

	_, resp2 := connect(t, srv, protocol.HandshakeRequest{SessionID: resp1.SessionID, PeerID: "U2"})
	if resp2.Code != arena.HandshakeInvalid {
		t.Errorf("code = %v, want Invalid", resp2.Code)
	}
	if _, ok := srv.Session(resp1.SessionID); !ok {
		t.Error("original session was closed by a foreign takeover")
	}
}

func TestRateLimitedSessionSurvivesAckTraffic(t *testing.T) {
	t.Parallel()

	const total = 300

	cfg := testConfig()
	cfg.RateLimit = config.Default().RateLimit
	srv, closes := newTestServer(t, cfg, WithPeerFactory(fixedPeer("U1")))
	c, resp := connect(t, srv, protocol.HandshakeRequest{})

	var received atomic.Int64
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-c.messages:
				received.Add(1)
			case <-done:
				return
			}
		}
	}()

	ctx := context.Background()
	for i := 0; i < total; i++ {
		if err := srv.SendToPeer(ctx, "U1", protoNotify, []byte("tick")); err != nil {
			t.Fatalf("SendToPeer() #%d failed: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}
	waitFor(t, "all notifications", func() bool { return received.Load() == total })

	s, ok := srv.Session(resp.SessionID)
	if !ok || s.State() != arena.StateOpen {
		t.Fatal("session did not survive the client's acks")
	}
	if _, ok := srv.Peer("U1"); !ok {
		t.Error("peer U1 was discarded")
	}
	closes.mu.Lock()
	_, closed := closes.reasons[resp.SessionID]
	closes.mu.Unlock()
	if closed {
		t.Error("server recorded a close for the session")
	}
}

// TestReclaimPreservesIdentity reconnects after a transport loss
func TestReclaimPreservesIdentity(t *testing.T) {
	t.Parallel()

	srv, closes := newTestServer(t, testConfig(), WithPeerFactory(fixedPeer("U1")))
	first, resp1 := connect(t, srv, protocol.HandshakeRequest{})

	first.sess.Abort(arena.CloseTransportError)
	if got := closes.wait(t, resp1.SessionID); got != arena.CloseTransportError {
		t.Fatalf("server close reason = %v, want TransportError", got)
	}

	p, ok := srv.Peer("U1")
	if !ok {
		t.Fatal("peer discarded on transport loss")
	}
	waitFor(t, "peer to wait for reconnect", func() bool { return !p.WaitingUntil().IsZero() })
	if _, waiting := srv.Counts(); waiting != 1 {
		t.Errorf("waiting peers = %d, want 1", waiting)
	}

	second, resp2 := connect(t, srv, protocol.HandshakeRequest{SessionID: resp1.SessionID, PeerID: "U1"})
	if resp2.Code != arena.HandshakeSuccess {
		t.Fatalf("reclaim code = %v, want Success", resp2.Code)
	}
	if resp2.PeerID != "U1" || resp2.SessionID == resp1.SessionID {
		t.Errorf("reclaim session=%q peer=%q", resp2.SessionID, resp2.PeerID)
	}
	if p.SessionID() != resp2.SessionID || !p.WaitingUntil().IsZero() {
		t.Errorf("peer session=%q waiting=%v", p.SessionID(), p.WaitingUntil())
	}

	if err := srv.SendToPeer(context.Background(), "U1", protoNotify, []byte("welcome back")); err != nil {
		t.Fatalf("SendToPeer() failed: %v", err)
	}
	if m := second.waitMessage(t); m.payload != "welcome back" {
		t.Errorf("payload = %q", m.payload)
	}
}

func TestReclaimAfterGraceIsInvalid(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Session.ReconnectGrace = config.Duration(50 * time.Millisecond)
	srv, closes := newTestServer(t, cfg, WithPeerFactory(fixedPeer("U1")))
	first, resp1 := connect(t, srv, protocol.HandshakeRequest{})

	first.sess.Abort(arena.CloseTransportError)
	closes.wait(t, resp1.SessionID)
	time.Sleep(100 * time.Millisecond)

	_, resp2 := connect(t, srv, protocol.HandshakeRequest{SessionID: resp1.SessionID, PeerID: "U1"})
	if resp2.Code != arena.HandshakeInvalid {
		t.Errorf("code = %v, want Invalid", resp2.Code)
	}
	if _, ok := srv.Peer("U1"); ok {
		t.Error("expired peer is still registered")
	}
}

func TestCooperativeCloseDiscardsPeer(t *testing.T) {
	t.Parallel()

	srv, closes := newTestServer(t, testConfig(), WithPeerFactory(fixedPeer("U1")))
	c, resp := connect(t, srv, protocol.HandshakeRequest{})

	if err := c.sess.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if got := closes.wait(t, resp.SessionID); got != arena.CloseRemote {
		t.Errorf("server close reason = %v, want Remote", got)
	}
	if got := c.waitClosed(t); got != arena.CloseNormal {
		t.Errorf("client close reason = %v, want Normal", got)
	}
	if _, ok := srv.Peer("U1"); ok {
		t.Error("peer survived a cooperative close")
	}
	if _, ok := srv.Session(resp.SessionID); ok {
		t.Error("closed session is still listed")
	}
}

func TestDispatchAndBroadcast(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, testConfig())
	a, _ := connect(t, srv, protocol.HandshakeRequest{})
	b, _ := connect(t, srv, protocol.HandshakeRequest{})
	ctx := context.Background()

	if err := a.sess.Send(ctx, protoEcho, []byte("ping me back")); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if m := a.waitMessage(t); m != (message{protoEcho, "ping me back"}) {
		t.Errorf("echo = %+v", m)
	}

	if err := srv.Broadcast(ctx, protoNotify, []byte("round starts")); err != nil {
		t.Fatalf("Broadcast() failed: %v", err)
	}
	for _, c := range []*testClient{a, b} {
		if m := c.waitMessage(t); m != (message{protoNotify, "round starts"}) {
			t.Errorf("broadcast = %+v", m)
		}
	}

	if err := srv.SendToPeer(ctx, "nobody", protoNotify, nil); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("SendToPeer(unknown) error = %v, want ErrPeerNotFound", err)
	}
}

func TestStartServesTCPAndHTTP(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.TCPAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	srv, closes := newTestServer(t, cfg)
	ctx := context.Background()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := srv.Start(ctx); !errors.Is(err, ErrServerRunning) {
		t.Errorf("second Start() error = %v, want ErrServerRunning", err)
	}

	res, err := http.Get("http://" + srv.HTTPAddr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", res.StatusCode)
	}

	res, err = http.Get("http://" + srv.HTTPAddr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", res.StatusCode)
	}

	conn, err := net.Dial("tcp", srv.TCPAddr().String())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	c, resp := startClient(t, conn, srv.table, protocol.HandshakeRequest{})
	if resp.Code != arena.HandshakeSuccess {
		t.Fatalf("handshake over TCP code = %v", resp.Code)
	}

	stopCtx, cancel := context.WithTimeout(ctx, waitPeriod)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if got := closes.wait(t, resp.SessionID); got != arena.CloseServerShutdown {
		t.Errorf("server close reason = %v, want ServerShutdown", got)
	}
	c.waitClosed(t)

	if _, ok := srv.Peer(resp.PeerID); ok {
		t.Error("peer survived server shutdown")
	}
}
