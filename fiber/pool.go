package fiber

import (
	"runtime"

	"github.com/cespare/xxhash/v2"
)

// Pool is a fixed set of fibers. A key always maps to the same fiber, so work
// for one key stays serialized while different keys run in parallel.
type Pool struct {
	fibers []*Fiber
}

// NewPool starts n fibers. n <= 0 uses runtime.NumCPU().
func NewPool(n int, opts ...Option) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{fibers: make([]*Fiber, n)}
	for i := range p.fibers {
		p.fibers[i] = New(opts...)
	}
	return p
}

// Pick returns the fiber that owns key.
func (p *Pool) Pick(key string) *Fiber {
	return p.fibers[xxhash.Sum64String(key)%uint64(len(p.fibers))]
}

// Len returns the number of fibers.
func (p *Pool) Len() int { return len(p.fibers) }

// Dispose disposes every fiber.
func (p *Pool) Dispose() {
	for _, f := range p.fibers {
		f.Dispose()
	}
}
