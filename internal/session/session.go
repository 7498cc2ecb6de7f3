// Package session implements the per-connection state machine: framing,
// handshake hand-off, reliable delivery, heartbeats and the close handshake.
//
// A session owns three goroutines. The read loop decodes frames and runs
// handlers, the write pump is the only writer on the transport, and the resend
// loop retransmits unacknowledged frames. Teardown happens on the write pump
// so queued frames (a handshake rejection, a close reply) are flushed before
// the transport is closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/latency"
	"github.com/luciancaetano/arena/internal/logging"
	"github.com/luciancaetano/arena/internal/metrics"
	"github.com/luciancaetano/arena/internal/protocol"
	"github.com/luciancaetano/arena/internal/reliable"
	"github.com/luciancaetano/arena/internal/secure"
)

const readChunk = 4096

var (
	ErrSessionNotOpen   = errors.New(arena.ErrSessionNotOpen)
	ErrConnectionClosed = errors.New(arena.ErrConnectionClosed)
	ErrReservedProtocol = errors.New(arena.ErrReservedProtocol)
	ErrContextCancelled = errors.New(arena.ErrContextCancelled)
	ErrWrongState       = errors.New("session: operation not valid in current state")
)

// Session is one transport-bound connection.
type Session struct {
	role      Role
	transport Transport
	opts      Options
	hooks     Hooks
	policy    PolicySource
	metrics   *metrics.Metrics

	pipeline *secure.Pipeline
	window   *reliable.Window
	receiver reliable.Receiver // read goroutine only
	tracker  *latency.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	state    atomic.Int32
	seq      atomic.Int64
	maxFrame atomic.Int64
	lastRecv atomic.Int64

	mu            sync.Mutex
	id            string
	peerID        string
	base          zerolog.Logger
	log           zerolog.Logger
	remoteLatency arena.LatencyStats
	reason        arena.CloseReason
	reasonSet     bool
	timers        []*time.Timer

	sendMu     sync.Mutex
	sendCh     chan []byte
	ackPending atomic.Bool

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

// New creates a session on transport. Call Start to run it.
func New(role Role, id string, transport Transport, opts Options, hooks Hooks, policy PolicySource,
	compressor *secure.Compressor, m *metrics.Metrics, log zerolog.Logger) *Session {
	opts.setDefaults()

	s := &Session{
		role:      role,
		transport: transport,
		opts:      opts,
		hooks:     hooks,
		policy:    policy,
		metrics:   m,
		pipeline:  secure.NewPipeline(compressor),
		window:    reliable.NewWindow(opts.SendTimeout, opts.MaxResendCount),
		tracker:   latency.NewTracker(opts.SampleWindow, opts.LossTimeout),
		id:        id,
		sendCh:    make(chan []byte, opts.SendQueueSize),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.maxFrame.Store(int64(opts.MaxFrameLength))
	s.base = log.With().Str("remote_addr", s.RemoteAddr()).Logger()
	s.log = s.base.With().Str("session_id", id).Logger()
	s.ctx, s.cancel = context.WithCancel(s.log.WithContext(context.Background()))
	s.state.Store(int32(arena.StateConnecting))
	return s
}

// Start launches the session goroutines and the handshake timer.
func (s *Session) Start() {
	s.after(s.opts.HandshakeTimeout, func() {
		if s.State() < arena.StateOpen {
			s.Logger().Warn().Msg("handshake timed out")
			s.Abort(arena.CloseHandshakeTimeout)
		}
	})
	s.metrics.SessionOpened()

	go s.writePump()
	go s.readLoop()
	go s.resendLoop()
}

// ID returns the session id. A client session learns it from the handshake response.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// PeerID returns the attached peer id.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// RemoteAddr returns the transport's remote address.
func (s *Session) RemoteAddr() string {
	if addr := s.transport.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Context is cancelled on teardown. It carries the session logger.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once teardown has finished and OnClosed has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the lifecycle state.
func (s *Session) State() arena.State { return arena.State(s.state.Load()) }

// IsAlive reports whether the session has not reached StateClosed.
func (s *Session) IsAlive() bool { return s.State() != arena.StateClosed }

// Role returns the handshake role.
func (s *Session) Role() Role { return s.role }

// Logger returns the session logger.
func (s *Session) Logger() *zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log
	return &l
}

// CloseReason returns the recorded close reason. It is only meaningful once
// the session is closing.
func (s *Session) CloseReason() arena.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Latency returns locally measured round-trip statistics.
func (s *Session) Latency() arena.LatencyStats {
	return s.tracker.Stats(time.Now())
}

// RemoteLatency returns the figures from the remote side's last ping.
func (s *Session) RemoteLatency() arena.LatencyStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteLatency
}

// PendingAcks returns the number of unacknowledged application frames.
func (s *Session) PendingAcks() int { return s.window.Len() }

// BeginHandshake sends the client's handshake request and enters
// StateAuthenticating.
func (s *Session) BeginHandshake(req *protocol.HandshakeRequest) error {
	if s.role != RoleClient || !s.state.CompareAndSwap(int32(arena.StateConnecting), int32(arena.StateAuthenticating)) {
		return ErrWrongState
	}
	payload, err := protocol.EncodeHandshakeRequest(req)
	if err != nil {
		return fmt.Errorf("%s: %w", arena.ErrFailedToEncode, err)
	}
	return s.SendControl(arena.ProtoHandshake, payload)
}

// Reply queues a handshake response without changing state. The server uses
// it before Open on success or before Abort on rejection.
func (s *Session) Reply(resp *protocol.HandshakeResponse) error {
	payload, err := protocol.EncodeHandshakeResponse(resp)
	if err != nil {
		return fmt.Errorf("%s: %w", arena.ErrFailedToEncode, err)
	}
	s.metrics.Handshake(resp.Code.String())
	return s.SendControl(arena.ProtoHandshakeAck, payload)
}

// Open completes the handshake: the cipher is installed, negotiated limits
// are adopted and application traffic is allowed.
func (s *Session) Open(p Params) error {
	if p.Cipher != nil {
		s.pipeline.SetCipher(p.Cipher)
	}
	if p.MaxFrameLength > 0 {
		s.maxFrame.Store(int64(p.MaxFrameLength))
	}
	if p.SendTimeout > 0 || p.MaxResendCount > 0 {
		timeout, resends := s.opts.SendTimeout, s.opts.MaxResendCount
		if p.SendTimeout > 0 {
			timeout = p.SendTimeout
		}
		if p.MaxResendCount > 0 {
			resends = p.MaxResendCount
		}
		s.window.Configure(timeout, resends)
	}

	s.mu.Lock()
	if p.SessionID != "" {
		s.id = p.SessionID
	}
	s.peerID = p.PeerID
	s.log = logging.Session(s.base, s.id, p.PeerID)
	s.mu.Unlock()

	if !s.state.CompareAndSwap(int32(arena.StateAuthenticating), int32(arena.StateOpen)) {
		return ErrWrongState
	}

	if s.role == RoleClient && s.opts.PingInterval > 0 {
		go s.pingLoop(s.opts.PingInterval)
	}
	s.Logger().Info().Msg("session open")
	return nil
}

// Send assigns the next sequence number, applies the protocol policy and
// queues the frame for reliable delivery.
func (s *Session) Send(ctx context.Context, protocolID uint16, payload []byte) error {
	if arena.IsReserved(protocolID) {
		return fmt.Errorf("%w: %#04x", ErrReservedProtocol, protocolID)
	}
	if s.State() != arena.StateOpen {
		return ErrSessionNotOpen
	}

	var pol secure.Policy
	if s.policy != nil {
		pol = s.policy.Policy(protocolID)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq := s.seq.Add(1)
	body, flags, err := s.pipeline.Seal(seq, protocolID, payload, pol)
	if err != nil {
		return fmt.Errorf("%s: %w", arena.ErrFailedToEncode, err)
	}
	data, err := protocol.Encode(&protocol.Frame{Seq: seq, ProtocolID: protocolID, Flags: flags, Payload: body}, int(s.maxFrame.Load()))
	if err != nil {
		return fmt.Errorf("%s: %w", arena.ErrFailedToEncode, err)
	}

	// Tracked before queueing so an ack racing the write pump finds the entry.
	s.window.Track(seq, data, time.Now())
	select {
	case s.sendCh <- data:
	case <-ctx.Done():
		s.window.Forget(seq)
		return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
	case <-s.stopping:
		s.window.Forget(seq)
		return ErrConnectionClosed
	}
	s.metrics.FrameOut("app")
	return nil
}

// SendControl queues an unsequenced control frame.
func (s *Session) SendControl(protocolID uint16, payload []byte) error {
	data, err := protocol.Encode(&protocol.Frame{ProtocolID: protocolID, Payload: payload}, int(s.maxFrame.Load()))
	if err != nil {
		return fmt.Errorf("%s: %w", arena.ErrFailedToEncode, err)
	}
	select {
	case s.sendCh <- data:
		s.metrics.FrameOut("control")
		return nil
	case <-s.stopping:
		return ErrConnectionClosed
	}
}

// Ping sends a heartbeat carrying the local latency figures.
func (s *Session) Ping() error {
	stats := s.Latency()
	now := time.Now().UnixMilli()
	s.tracker.MarkSent(now)
	return s.SendControl(arena.ProtoPing, protocol.EncodePing(&protocol.Ping{
		AverageMs: float32(stats.Average.Seconds() * 1000),
		StdDevMs:  float32(stats.StdDev.Seconds() * 1000),
		SentAt:    now,
	}))
}

// Close starts a cooperative close. While open a close frame is sent and the
// session tears down when the remote answers or CloseTimeout elapses. Before
// the handshake completes the session is aborted. Close does not wait; use
// Done for that.
func (s *Session) Close(ctx context.Context) error {
	if s.state.CompareAndSwap(int32(arena.StateOpen), int32(arena.StateClosing)) {
		s.setReason(arena.CloseNormal)
		if err := s.SendControl(arena.ProtoClose, nil); err != nil {
			s.Abort(arena.CloseNormal)
			return nil
		}
		s.after(s.opts.CloseTimeout, func() {
			s.Logger().Debug().Msg("close handshake timed out")
			s.Abort(arena.CloseNormal)
		})
		return nil
	}

	switch s.State() {
	case arena.StateClosing, arena.StateClosed:
		return nil
	default:
		s.Abort(arena.CloseNormal)
		return nil
	}
}

// Abort tears the session down without a close handshake. The first reason
// recorded wins. Frames already queued are flushed within WriteTimeout.
func (s *Session) Abort(reason arena.CloseReason) {
	s.setReason(reason)
	s.stopOnce.Do(func() {
		for {
			cur := s.state.Load()
			if cur >= int32(arena.StateClosing) || s.state.CompareAndSwap(cur, int32(arena.StateClosing)) {
				break
			}
		}
		close(s.stopping)
	})
}

// setReason records reason unless one is already recorded.
func (s *Session) setReason(reason arena.CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reasonSet {
		s.reason = reason
		s.reasonSet = true
	}
}

func (s *Session) after(d time.Duration, fn func()) {
	t := time.AfterFunc(d, fn)
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
}

func (s *Session) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// writePump pumps frames from the send channel to the transport and performs
// teardown once the session is stopping.
func (s *Session) writePump() {
	defer s.finish()

	for {
		select {
		case data := <-s.sendCh:
			if err := s.write(data, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				s.Logger().Debug().Err(err).Msg("write failed")
				s.Abort(arena.CloseTransportError)
				return
			}
		case <-s.stopping:
			s.flush()
			return
		}
	}
}

func (s *Session) write(data []byte, deadline time.Time) error {
	s.transport.SetWriteDeadline(deadline)
	_, err := s.transport.Write(data)
	return err
}

// flush writes what is already queued without waiting for more.
func (s *Session) flush() {
	deadline := time.Now().Add(s.opts.WriteTimeout)
	for {
		select {
		case data := <-s.sendCh:
			if err := s.write(data, deadline); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) finish() {
	s.stopTimers()
	s.transport.Close()
	s.cancel()
	s.window.Reset()
	s.state.Store(int32(arena.StateClosed))

	reason := s.CloseReason()
	s.metrics.SessionClosed(reason.String())
	s.Logger().Info().Stringer("reason", reason).Msg("session closed")

	if s.hooks != nil {
		s.hooks.OnClosed(s, reason)
	}
	close(s.done)
}

// readLoop accumulates transport bytes and decodes complete frames.
func (s *Session) readLoop() {
	chunk := make([]byte, readChunk)
	var pending []byte

	for {
		n, err := s.transport.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			off := 0
			for {
				f, used, derr := protocol.TryDecode(pending[off:], int(s.maxFrame.Load()))
				if errors.Is(derr, protocol.ErrNeedMoreData) {
					break
				}
				if derr != nil {
					s.Logger().Warn().Err(derr).Msg("framing error")
					s.Abort(arena.CloseProtocolError)
					return
				}
				off += used
				if !s.handleFrame(f) {
					return
				}
			}
			pending = append(pending[:0], pending[off:]...)
		}
		if err != nil {
			if s.stopped() {
				return
			}
			if !errors.Is(err, io.EOF) {
				s.Logger().Debug().Err(err).Msg("read failed")
			}
			s.Abort(arena.CloseTransportError)
			return
		}
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// handleFrame processes one frame and reports whether reading continues.
func (s *Session) handleFrame(f *protocol.Frame) bool {
	if s.opts.Limiter != nil && charged(f.ProtocolID) && !s.opts.Limiter.Allow() {
		s.Logger().Warn().Msg("rate limit exceeded")
		s.Abort(arena.CloseRateLimited)
		return false
	}

	if !arena.IsReserved(f.ProtocolID) {
		s.metrics.FrameIn("app")
		return s.handleApplication(f)
	}
	s.metrics.FrameIn("control")

	switch f.ProtocolID {
	case arena.ProtoHandshake:
		if s.role != RoleServer || !s.state.CompareAndSwap(int32(arena.StateConnecting), int32(arena.StateAuthenticating)) {
			s.Logger().Warn().Stringer("state", s.State()).Msg("unexpected handshake request")
			s.Abort(arena.CloseProtocolError)
			return false
		}
		s.hooks.OnHandshake(s, f.Payload)

	case arena.ProtoHandshakeAck:
		if s.role != RoleClient || s.State() != arena.StateAuthenticating {
			s.Logger().Warn().Stringer("state", s.State()).Msg("unexpected handshake response")
			s.Abort(arena.CloseProtocolError)
			return false
		}
		s.hooks.OnHandshake(s, f.Payload)

	case arena.ProtoPing:
		ping, err := protocol.DecodePing(f.Payload)
		if err != nil {
			s.Logger().Warn().Err(err).Msg("malformed ping")
			s.Abort(arena.CloseProtocolError)
			return false
		}
		s.mu.Lock()
		s.remoteLatency = arena.LatencyStats{
			Average: time.Duration(float64(ping.AverageMs) * float64(time.Millisecond)),
			StdDev:  time.Duration(float64(ping.StdDevMs) * float64(time.Millisecond)),
		}
		s.mu.Unlock()
		s.SendControl(arena.ProtoPong, protocol.EncodePong(&protocol.Pong{
			SentAt:     ping.SentAt,
			ServerTime: time.Now().UnixMilli(),
		}))

	case arena.ProtoPong:
		pong, err := protocol.DecodePong(f.Payload)
		if err != nil {
			s.Logger().Warn().Err(err).Msg("malformed pong")
			s.Abort(arena.CloseProtocolError)
			return false
		}
		s.metrics.ObserveRTT(s.tracker.MarkAnswered(pong.SentAt, time.Now()))

	case arena.ProtoAck:
		ack, err := protocol.DecodeAck(f.Payload)
		if err != nil {
			s.Logger().Warn().Err(err).Msg("malformed ack")
			s.Abort(arena.CloseProtocolError)
			return false
		}
		s.window.Ack(ack.Seq)

	case arena.ProtoClose:
		if s.State() == arena.StateClosing {
			s.Abort(arena.CloseNormal)
			return false
		}
		s.SendControl(arena.ProtoClose, nil)
		s.Abort(arena.CloseRemote)
		return false

	default:
		s.Logger().Debug().Uint16("protocol_id", f.ProtocolID).Msg("dropping unknown control frame")
	}
	return true
}

// charged reports whether an inbound frame draws from the rate limit. Acks,
// pongs and close frames answer our own traffic and are never charged.
func charged(protocolID uint16) bool {
	switch protocolID {
	case arena.ProtoAck, arena.ProtoPong, arena.ProtoClose:
		return false
	}
	return true
}

func (s *Session) handleApplication(f *protocol.Frame) bool {
	if s.State() != arena.StateOpen {
		s.Logger().Debug().Uint16("protocol_id", f.ProtocolID).Stringer("state", s.State()).
			Msg("dropping application frame before open")
		return true
	}
	if f.Seq < 1 {
		s.Logger().Warn().Uint16("protocol_id", f.ProtocolID).Msg("application frame without sequence number")
		s.Abort(arena.CloseProtocolError)
		return false
	}

	if !s.receiver.Accept(f.Seq) {
		s.metrics.FrameIn("duplicate")
		s.scheduleAck()
		return true
	}

	payload, err := s.pipeline.Open(f.Seq, f.ProtocolID, f.Flags, f.Payload)
	if err != nil {
		s.Logger().Warn().Err(err).Int64("seq", f.Seq).Msg("failed to open payload")
		s.Abort(arena.CloseProtocolError)
		return false
	}

	s.lastRecv.Store(s.receiver.Last())
	s.scheduleAck()

	if s.hooks != nil {
		s.hooks.OnMessage(s.ctx, s, f.ProtocolID, payload)
	}
	return true
}

// scheduleAck acknowledges the highest accepted sequence now or after AckDelay.
func (s *Session) scheduleAck() {
	if s.opts.AckDelay <= 0 {
		s.sendAck()
		return
	}
	if s.ackPending.Swap(true) {
		return
	}
	s.after(s.opts.AckDelay, func() {
		s.ackPending.Store(false)
		s.sendAck()
	})
}

func (s *Session) sendAck() {
	s.SendControl(arena.ProtoAck, protocol.EncodeAck(&protocol.Ack{Seq: s.lastRecv.Load()}))
}

// resendLoop retransmits frames whose acknowledgement is overdue.
func (s *Session) resendLoop() {
	period := s.opts.SendTimeout / 4
	if period < 5*time.Millisecond {
		period = 5 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.State() != arena.StateOpen && s.State() != arena.StateClosing {
				continue
			}
			frames, seq, err := s.window.Due(time.Now())
			if errors.Is(err, reliable.ErrResendExhausted) {
				s.Logger().Warn().Int64("seq", seq).Msg("delivery failed, resend limit exhausted")
				s.metrics.DeliveryFailed()
				s.Abort(arena.CloseDeliveryFailed)
				return
			}
			for _, data := range frames {
				select {
				case s.sendCh <- data:
				case <-s.stopping:
					return
				}
			}
			s.metrics.Resent(len(frames))
		case <-s.stopping:
			return
		}
	}
}

func (s *Session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.State() != arena.StateOpen {
				continue
			}
			if err := s.Ping(); err != nil {
				return
			}
		case <-s.stopping:
			return
		}
	}
}
