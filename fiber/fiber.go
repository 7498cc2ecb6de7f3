// Package fiber provides a cooperative actor scheduler.
//
// A Fiber runs submitted actions one at a time, in submission order, on a
// single goroutine. Code that only touches its state from inside the fiber's
// actions needs no locks. Timers deliver their actions into the same queue,
// ordered by due time and then by scheduling order.
//
// Example:
//
//	f := fiber.New()
//	defer f.Dispose()
//
//	f.TryEnqueue(func() { room.Join(player) })
//	tick := f.Schedule(room.Tick, 0, 50*time.Millisecond)
//	defer tick.Cancel()
package fiber

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Fiber is a serial executor with timers.
type Fiber struct {
	log zerolog.Logger

	mu       sync.Mutex
	queue    []func()
	timers   timerHeap
	nextSeq  uint64
	disposed bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Fiber.
type Option func(*Fiber)

// WithLogger sets the logger used to report panicking actions.
func WithLogger(log zerolog.Logger) Option {
	return func(f *Fiber) {
		f.log = log
	}
}

// New starts a fiber.
func New(opts ...Option) *Fiber {
	f := &Fiber{
		log:  zerolog.Nop(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	go f.run()
	return f
}

// TryEnqueue appends action to the queue. It returns false once the fiber is
// disposed.
func (f *Fiber) TryEnqueue(action func()) bool {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return false
	}
	f.queue = append(f.queue, action)
	f.mu.Unlock()

	f.signal()
	return true
}

// Schedule runs action after initialDelay and then every period. A period
// <= 0 makes it a one-shot timer. The returned timer is already cancelled if
// the fiber is disposed.
func (f *Fiber) Schedule(action func(), initialDelay, period time.Duration) *Timer {
	t := &Timer{action: action, period: period}

	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		t.cancelled.Store(true)
		return t
	}
	t.due = time.Now().Add(initialDelay)
	t.seq = f.nextSeq
	f.nextSeq++
	heap.Push(&f.timers, t)
	f.mu.Unlock()

	f.signal()
	return t
}

// Dispose stops the fiber. Queued actions and timers are dropped; an action
// already running finishes but nothing starts afterwards. Dispose does not
// wait for the running action.
func (f *Fiber) Dispose() {
	f.mu.Lock()
	f.disposed = true
	clear(f.queue)
	f.queue = nil
	for _, t := range f.timers {
		t.cancelled.Store(true)
	}
	f.timers = nil
	f.mu.Unlock()

	f.closeOnce.Do(func() { close(f.done) })
}

// Done is closed once Dispose has been called.
func (f *Fiber) Done() <-chan struct{} {
	return f.done
}

// Disposed reports whether Dispose has been called.
func (f *Fiber) Disposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func (f *Fiber) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Fiber) run() {
	var sleep *time.Timer
	defer func() {
		if sleep != nil {
			sleep.Stop()
		}
	}()

	for {
		action, wait, ok := f.next(time.Now())
		if !ok {
			return
		}
		if action != nil {
			f.execute(action)
			continue
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			if sleep == nil {
				sleep = time.NewTimer(wait)
			} else {
				sleep.Reset(wait)
			}
			timerC = sleep.C
		}

		select {
		case <-f.wake:
		case <-timerC:
		case <-f.done:
			return
		}
		if sleep != nil && !sleep.Stop() {
			select {
			case <-sleep.C:
			default:
			}
		}
	}
}

// next moves due timers into the queue and pops the head. With nothing to run
// it returns how long to sleep, or -1 when no timer is pending.
func (f *Fiber) next(now time.Time) (func(), time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.disposed {
		return nil, 0, false
	}

	for len(f.timers) > 0 && !f.timers[0].due.After(now) {
		t := heap.Pop(&f.timers).(*Timer)
		if t.cancelled.Load() {
			continue
		}
		f.queue = append(f.queue, t.fire)
		if t.period > 0 {
			t.due = t.due.Add(t.period)
			if t.due.Before(now) {
				t.due = now.Add(t.period)
			}
			t.seq = f.nextSeq
			f.nextSeq++
			heap.Push(&f.timers, t)
		}
	}

	if len(f.queue) > 0 {
		action := f.queue[0]
		f.queue[0] = nil
		f.queue = f.queue[1:]
		return action, 0, true
	}
	if len(f.timers) > 0 {
		return nil, f.timers[0].due.Sub(now), true
	}
	return nil, -1, true
}

func (f *Fiber) execute(action func()) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Interface("panic", r).Msg("fiber action panicked")
		}
	}()
	action()
}

// Timer is a scheduled action.
type Timer struct {
	action    func()
	period    time.Duration
	due       time.Time
	seq       uint64
	index     int
	cancelled atomic.Bool
}

// Cancel stops future runs. A run already queued is skipped.
func (t *Timer) Cancel() {
	t.cancelled.Store(true)
}

func (t *Timer) fire() {
	if t.cancelled.Load() {
		return
	}
	t.action()
}

// timerHeap orders timers by due time, then by scheduling sequence.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
