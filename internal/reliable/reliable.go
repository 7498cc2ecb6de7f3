// Package reliable keeps the bookkeeping for acknowledged delivery: the
// sender's window of unacknowledged frames and the receiver's duplicate filter.
//
// Neither type owns a timer or a goroutine; the session drives them with its
// clock so the rules stay testable in isolation.
package reliable

import (
	"errors"
	"sync"
	"time"
)

// ErrResendExhausted is returned by Due when a frame would exceed the resend limit.
var ErrResendExhausted = errors.New("reliable: resend limit exhausted")

type pending struct {
	seq     int64
	wire    []byte
	sentAt  time.Time
	resends int
}

// Window tracks outbound application frames until they are acknowledged.
// Entries are kept in send order, which is sequence order.
type Window struct {
	mu         sync.Mutex
	timeout    time.Duration
	maxResends int
	entries    []pending
}

// NewWindow creates a window that resends a frame after timeout and gives up
// after maxResends retransmissions.
func NewWindow(timeout time.Duration, maxResends int) *Window {
	return &Window{timeout: timeout, maxResends: maxResends}
}

// Configure replaces the resend timeout and limit. Pending entries keep their
// resend counters.
func (w *Window) Configure(timeout time.Duration, maxResends int) {
	w.mu.Lock()
	w.timeout = timeout
	w.maxResends = maxResends
	w.mu.Unlock()
}

// Track stores an encoded frame sent at now.
func (w *Window) Track(seq int64, wire []byte, now time.Time) {
	w.mu.Lock()
	w.entries = append(w.entries, pending{seq: seq, wire: wire, sentAt: now})
	w.mu.Unlock()
}

// Forget drops the entry for seq, used when a tracked frame was never queued.
func (w *Window) Forget(seq int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.entries {
		if w.entries[i].seq == seq {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

// Ack releases every entry with a sequence number <= seq and returns how many
// were released.
func (w *Window) Ack(seq int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for n < len(w.entries) && w.entries[n].seq <= seq {
		n++
	}
	if n == 0 {
		return 0
	}
	clear(w.entries[:n])
	w.entries = w.entries[n:]
	return n
}

// Due returns the encoded frames whose last transmission is older than the
// timeout and marks them as resent at now. If any such frame has already been
// resent maxResends times, Due returns ErrResendExhausted with the offending
// sequence number.
func (w *Window) Due(now time.Time) ([][]byte, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out [][]byte
	for i := range w.entries {
		e := &w.entries[i]
		if now.Sub(e.sentAt) < w.timeout {
			continue
		}
		if e.resends >= w.maxResends {
			return nil, e.seq, ErrResendExhausted
		}
		e.resends++
		e.sentAt = now
		out = append(out, e.wire)
	}
	return out, 0, nil
}

// Len returns the number of unacknowledged frames.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Reset drops every pending entry.
func (w *Window) Reset() {
	w.mu.Lock()
	w.entries = nil
	w.mu.Unlock()
}

// Receiver filters duplicate application frames. It is owned by the session's
// read goroutine and is not safe for concurrent use.
type Receiver struct {
	last int64
}

// Accept reports whether seq is new. Sequence numbers at or below the last
// accepted one are duplicates.
func (r *Receiver) Accept(seq int64) bool {
	if seq <= r.last {
		return false
	}
	r.last = seq
	return true
}

// Last returns the highest accepted sequence number.
func (r *Receiver) Last() int64 {
	return r.last
}
