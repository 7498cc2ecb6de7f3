// Package peer keeps the durable identities that outlive a single session.
//
// A peer is attached to at most one session at a time. When its session dies
// with a reason that allows reconnection the peer is parked until a grace
// deadline, during which a new session may reclaim it exactly once.
package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/luciancaetano/arena"
	"github.com/luciancaetano/arena/internal/secure"
)

var (
	ErrNotFound     = errors.New("peer: not found")
	ErrNotWaiting   = errors.New("peer: not waiting for reconnect")
	ErrGraceExpired = errors.New("peer: reconnect grace period expired")
)

// Peer is one registered identity.
type Peer struct {
	id   string
	typ  arena.PeerType
	data any

	mu           sync.Mutex
	sessionID    string
	lastSession  string
	waitingUntil time.Time
	keys         *secure.KeyPair
	discarded    bool
}

// ID returns the peer id.
func (p *Peer) ID() string { return p.id }

// Type returns the peer type.
func (p *Peer) Type() arena.PeerType { return p.typ }

// Data returns the application data attached at creation.
func (p *Peer) Data() any { return p.data }

// SessionID returns the attached session id, empty while waiting.
func (p *Peer) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// WaitingUntil returns the reconnection deadline, zero when attached.
func (p *Peer) WaitingUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitingUntil
}

// LastSessionID returns the session the peer was detached from when it
// started waiting.
func (p *Peer) LastSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSession
}

// KeyPair returns the DH key pair of the latest handshake.
func (p *Peer) KeyPair() *secure.KeyPair {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys
}

// SetKeyPair stores the DH key pair of the latest handshake.
func (p *Peer) SetKeyPair(k *secure.KeyPair) {
	p.mu.Lock()
	p.keys = k
	p.mu.Unlock()
}

// SwapSession moves the peer from session old to session next if it is still
// attached to old. It reports whether the swap happened.
func (p *Peer) SwapSession(old, next string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionID != old {
		return false
	}
	p.sessionID = next
	if next != "" {
		p.waitingUntil = time.Time{}
	}
	return true
}

// Criteria describes the peer a handshake wants to create or attach.
type Criteria struct {
	ID        string
	Type      arena.PeerType
	Data      any
	SessionID string
}

// Registry is a concurrent map of peers keyed by id.
type Registry struct {
	peers sync.Map // map[string]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// CreateOrAttach returns the peer registered under c.ID, creating it when
// absent, and attaches it to c.SessionID. The session the peer was attached to
// before is returned so the caller can retire it.
func (r *Registry) CreateOrAttach(c Criteria) (*Peer, string) {
	for {
		fresh := &Peer{id: c.ID, typ: c.Type, data: c.Data, sessionID: c.SessionID}
		v, loaded := r.peers.LoadOrStore(c.ID, fresh)
		if !loaded {
			return fresh, ""
		}

		p := v.(*Peer)
		p.mu.Lock()
		if p.discarded {
			// Removed between LoadOrStore and the lock; register a new one.
			p.mu.Unlock()
			continue
		}
		previous := p.sessionID
		p.sessionID = c.SessionID
		p.waitingUntil = time.Time{}
		p.mu.Unlock()
		return p, previous
	}
}

// Lookup returns the peer registered under id.
func (r *Registry) Lookup(id string) (*Peer, bool) {
	v, ok := r.peers.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Peer), true
}

// MarkWaitingReconnect detaches p from sessionID and parks it until deadline.
// It does nothing and returns false if p has already moved to another session.
func (r *Registry) MarkWaitingReconnect(p *Peer, sessionID string, deadline time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionID != sessionID {
		return false
	}
	p.sessionID = ""
	p.lastSession = sessionID
	p.waitingUntil = deadline
	return true
}

// Discard removes p from the registry.
func (r *Registry) Discard(p *Peer) {
	p.mu.Lock()
	r.discardLocked(p)
	p.mu.Unlock()
}

// discardLocked marks p gone and removes it. The caller holds p.mu, so a
// concurrent Reclaim or CreateOrAttach either ran before or sees discarded.
func (r *Registry) discardLocked(p *Peer) {
	p.discarded = true
	r.peers.CompareAndDelete(p.id, p)
}

// Reclaim attaches the waiting peer id to sessionID. A peer can be reclaimed
// once per wait; after its deadline it is discarded and ErrGraceExpired is
// returned.
func (r *Registry) Reclaim(id, sessionID string, now time.Time) (*Peer, error) {
	p, ok := r.Lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	if err := r.attach(p, sessionID, now); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Registry) attach(p *Peer, sessionID string, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.discarded:
		return ErrNotFound
	case p.waitingUntil.IsZero():
		return ErrNotWaiting
	case now.After(p.waitingUntil):
		r.discardLocked(p)
		return ErrGraceExpired
	}
	p.sessionID = sessionID
	p.waitingUntil = time.Time{}
	return nil
}

// Sweep discards every peer whose grace deadline passed before now and
// returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	removed := 0
	r.peers.Range(func(_, v any) bool {
		p := v.(*Peer)
		p.mu.Lock()
		if !p.discarded && !p.waitingUntil.IsZero() && now.After(p.waitingUntil) {
			r.discardLocked(p)
			removed++
		}
		p.mu.Unlock()
		return true
	})
	return removed
}

// Counts returns the number of registered peers and how many of them wait
// for a reconnection.
func (r *Registry) Counts() (total, waiting int) {
	r.peers.Range(func(_, v any) bool {
		total++
		if !v.(*Peer).WaitingUntil().IsZero() {
			waiting++
		}
		return true
	})
	return total, waiting
}
