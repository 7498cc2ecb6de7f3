package latency

import (
	"math"
	"sync"
	"time"

	"github.com/luciancaetano/arena"
)

// DefaultWindow is the number of samples kept when none is configured.
const DefaultWindow = 32

type sentPing struct {
	sentAt   int64 // unix ms, the ping's identity
	answered bool
}

// Tracker keeps a fixed ring of round-trip samples and of outstanding pings.
type Tracker struct {
	mu          sync.Mutex
	samples     []time.Duration
	next        int
	count       int
	pings       []sentPing
	pingNext    int
	pingCount   int
	lossTimeout time.Duration
}

// NewTracker creates a tracker holding window samples. A ping unanswered for
// lossTimeout counts as lost.
func NewTracker(window int, lossTimeout time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		samples:     make([]time.Duration, window),
		pings:       make([]sentPing, window),
		lossTimeout: lossTimeout,
	}
}

// MarkSent records a ping sent at sentAt (unix ms).
func (t *Tracker) MarkSent(sentAt int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pings[t.pingNext] = sentPing{sentAt: sentAt}
	t.pingNext = (t.pingNext + 1) % len(t.pings)
	if t.pingCount < len(t.pings) {
		t.pingCount++
	}
}

// MarkAnswered records the pong for the ping sent at sentAt and adds the
// round trip measured at now. Pongs for unknown pings still yield a sample.
func (t *Tracker) MarkAnswered(sentAt int64, now time.Time) time.Duration {
	rtt := now.Sub(time.UnixMilli(sentAt))
	if rtt < 0 {
		rtt = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < t.pingCount; i++ {
		if t.pings[i].sentAt == sentAt {
			t.pings[i].answered = true
			break
		}
	}
	t.addLocked(rtt)
	return rtt
}

// Add records a round-trip sample directly.
func (t *Tracker) Add(rtt time.Duration) {
	t.mu.Lock()
	t.addLocked(rtt)
	t.mu.Unlock()
}

func (t *Tracker) addLocked(rtt time.Duration) {
	t.samples[t.next] = rtt
	t.next = (t.next + 1) % len(t.samples)
	if t.count < len(t.samples) {
		t.count++
	}
}

// Stats computes the rolling figures at now.
func (t *Tracker) Stats(now time.Time) arena.LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := arena.LatencyStats{Samples: t.count, PacketLoss: t.lossLocked(now)}
	if t.count == 0 {
		return stats
	}

	ordered := t.ordered()
	var sum float64
	for _, s := range ordered {
		sum += float64(s)
	}
	mean := sum / float64(t.count)

	var variance, jitter float64
	for i, s := range ordered {
		d := float64(s) - mean
		variance += d * d
		if i > 0 {
			jitter += math.Abs(float64(s) - float64(ordered[i-1]))
		}
	}
	variance /= float64(t.count)
	if len(ordered) > 1 {
		jitter /= float64(len(ordered) - 1)
	}

	stats.Average = time.Duration(mean)
	stats.StdDev = time.Duration(math.Sqrt(variance))
	stats.Jitter = time.Duration(jitter)
	return stats
}

// ordered returns samples oldest first.
func (t *Tracker) ordered() []time.Duration {
	out := make([]time.Duration, 0, t.count)
	start := (t.next - t.count + len(t.samples)) % len(t.samples)
	for i := 0; i < t.count; i++ {
		out = append(out, t.samples[(start+i)%len(t.samples)])
	}
	return out
}

// lossLocked is the share of settled pings (answered, or older than the loss
// timeout) that never got an answer.
func (t *Tracker) lossLocked(now time.Time) float64 {
	cutoff := now.Add(-t.lossTimeout).UnixMilli()

	var settled, lost int
	for i := 0; i < t.pingCount; i++ {
		p := t.pings[i]
		switch {
		case p.answered:
			settled++
		case p.sentAt <= cutoff:
			settled++
			lost++
		}
	}
	if settled == 0 {
		return 0
	}
	return float64(lost) / float64(settled)
}
