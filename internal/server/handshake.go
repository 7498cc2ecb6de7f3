package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/peer"
	"github.com/luciancaetano/arena/internal/protocol"
	"github.com/luciancaetano/arena/internal/secure"
	"github.com/luciancaetano/arena/internal/session"
)

// ErrPeerRejected can be returned (or wrapped) by a PeerFactory to refuse a
// connection. The handshake is answered with Invalid and the session closes
// with CloseAuthRejected.
var ErrPeerRejected = errors.New("peer rejected")

var (
	errPeerMismatch = errors.New("handshake: peer does not own session")
	errSessionRace  = errors.New("handshake: session changed owner during takeover")
)

// Resolution kinds, also used as the reconnect metric label.
const (
	kindNew      = "new"
	kindTakeover = "takeover"
	kindReclaim  = "reclaim"
)

// result is the outcome of a handshake resolution.
type result struct {
	code   arena.HandshakeCode
	reason arena.CloseReason // close reason when code is not Success
	kind   string
	peer   *peer.Peer
}

func fail(code arena.HandshakeCode, reason arena.CloseReason) result {
	return result{code: code, reason: reason}
}

// DefaultPeerFactory assigns a random UUID user peer.
func DefaultPeerFactory(arena.Session, int, []byte) (arena.PeerInfo, error) {
	return arena.PeerInfo{ID: uuid.NewString(), Type: arena.PeerUser}, nil
}

// OnHandshake implements session.Hooks. It runs the key exchange, resolves
// the peer and answers the request.
func (srv *Server) OnHandshake(s *session.Session, payload []byte) {
	log := s.Logger()

	req, err := protocol.DecodeHandshakeRequest(payload)
	if err != nil {
		log.Warn().Err(err).Msg("malformed handshake request")
		srv.reject(s, fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed))
		return
	}

	group, err := secure.GroupFor(int(req.KeySize))
	if err != nil {
		log.Warn().Uint16("key_size", req.KeySize).Msg("unsupported key size")
		srv.reject(s, fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed))
		return
	}
	keys, err := group.GenerateKey(nil)
	if err != nil {
		log.Error().Err(err).Msg("key generation failed")
		srv.reject(s, fail(arena.HandshakeUnknown, arena.CloseHandshakeFailed))
		return
	}
	secret, err := keys.SharedSecret(req.PublicKey)
	if err != nil {
		log.Warn().Err(err).Msg("invalid client public key")
		srv.reject(s, fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed))
		return
	}
	cipher, err := secure.NewCipher(secret)
	if err != nil {
		log.Error().Err(err).Msg("cipher setup failed")
		srv.reject(s, fail(arena.HandshakeUnknown, arena.CloseHandshakeFailed))
		return
	}

	res, err := srv.resolve(s, req, group.Bits, time.Now())
	if err != nil {
		log.Warn().Err(err).Str("requested_session", req.SessionID).Str("requested_peer", req.PeerID).
			Stringer("code", res.code).Msg("handshake rejected")
		srv.reject(s, res)
		return
	}

	res.peer.SetKeyPair(keys)
	s.Reply(&protocol.HandshakeResponse{
		Code:           arena.HandshakeSuccess,
		SessionID:      s.ID(),
		PeerID:         res.peer.ID(),
		PublicKey:      keys.PublicBytes(),
		SendTimeoutMs:  uint32(srv.opts.SendTimeout / time.Millisecond),
		MaxResendCount: uint16(srv.opts.MaxResendCount),
		MaxFrameLength: uint32(srv.opts.MaxFrameLength),
	})
	if err := s.Open(session.Params{PeerID: res.peer.ID(), Cipher: cipher}); err != nil {
		log.Warn().Err(err).Msg("session left authenticating before open")
		srv.settlePeer(s, res.peer, s.CloseReason())
		srv.updateWaiting()
		return
	}

	if res.kind != kindNew {
		srv.metrics.Reconnect(res.kind)
	}
	srv.updateWaiting()
	if srv.onOpen != nil {
		srv.onOpen(s, res.peer)
	}
}

func (srv *Server) reject(s *session.Session, res result) {
	s.Reply(&protocol.HandshakeResponse{Code: res.code, SessionID: s.ID()})
	s.Abort(res.reason)
}

// resolve decides which peer the authenticating session belongs to.
//
//   - no session id: first connection, the factory creates the peer;
//   - id of a live session: the peer is taken over and the old session replaced;
//   - id of a dead session with a waiting peer: the peer is reclaimed;
//   - anything else, including an expired grace period: Invalid.
func (srv *Server) resolve(s *session.Session, req *protocol.HandshakeRequest, keySize int, now time.Time) (result, error) {
	if req.SessionID == "" {
		return srv.createPeer(s, keySize, req.PublicKey)
	}

	if v, ok := srv.sessions.Load(req.SessionID); ok {
		if old := v.(*session.Session); old != s {
			if old.IsAlive() {
				return srv.takeover(s, old, req)
			}
			// Teardown in progress: its OnClosed decides whether the peer waits.
			srv.awaitRetired(s, old)
		}
	}

	if req.PeerID == "" {
		return fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed), errPeerMismatch
	}
	if p, ok := srv.registry.Lookup(req.PeerID); ok && p.LastSessionID() != req.SessionID {
		return fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed), errPeerMismatch
	}

	p, err := srv.registry.Reclaim(req.PeerID, s.ID(), now)
	if err != nil {
		return fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed), err
	}
	return result{code: arena.HandshakeSuccess, kind: kindReclaim, peer: p}, nil
}

func (srv *Server) createPeer(s *session.Session, keySize int, publicKey []byte) (result, error) {
	info, err := srv.factory(s, keySize, publicKey)
	if err != nil {
		if errors.Is(err, ErrPeerRejected) {
			return fail(arena.HandshakeInvalid, arena.CloseAuthRejected), err
		}
		return fail(arena.HandshakeUnknown, arena.CloseHandshakeFailed), fmt.Errorf("peer factory: %w", err)
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}

	p, previous := srv.registry.CreateOrAttach(peer.Criteria{
		ID:        info.ID,
		Type:      info.Type,
		Data:      info.Data,
		SessionID: s.ID(),
	})
	if previous != "" {
		if old, ok := srv.liveSession(previous); ok {
			old.Abort(arena.CloseReplaced)
			srv.awaitRetired(s, old)
		}
		return result{code: arena.HandshakeSuccess, kind: kindTakeover, peer: p}, nil
	}
	return result{code: arena.HandshakeSuccess, kind: kindNew, peer: p}, nil
}

func (srv *Server) takeover(s, old *session.Session, req *protocol.HandshakeRequest) (result, error) {
	ownerID := old.PeerID()
	if ownerID == "" || (req.PeerID != "" && req.PeerID != ownerID) {
		return fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed), errPeerMismatch
	}
	p, ok := srv.registry.Lookup(ownerID)
	if !ok {
		return fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed), peer.ErrNotFound
	}
	if !p.SwapSession(old.ID(), s.ID()) {
		return fail(arena.HandshakeInvalid, arena.CloseHandshakeFailed), errSessionRace
	}
	old.Abort(arena.CloseReplaced)
	srv.awaitRetired(s, old)
	return result{code: arena.HandshakeSuccess, kind: kindTakeover, peer: p}, nil
}

// awaitRetired waits for old to tear down so a replaced session is closed
// before its successor opens. The wait ends early if s dies or the handshake
// timeout elapses.
func (srv *Server) awaitRetired(s, old *session.Session) {
	wait := srv.opts.HandshakeTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-old.Done():
	case <-s.Done():
	case <-timer.C:
		s.Logger().Warn().Str("old_session", old.ID()).Msg("replaced session still tearing down")
	}
}
