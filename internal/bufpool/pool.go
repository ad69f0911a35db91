// Package bufpool implements length-bounded byte slots that auto-return
// to an owning pool. It is the slot allocator used throughout the tail
// transport, SWMR and TCB layers so that RDMA-sized buffers are reused
// rather than allocated per message.
package bufpool

import (
	"fmt"
	"sync"

	"github.com/LPD-EPFL/ubft-sub000/internal/ubfterr"
)

// Slot is a single owning handle over a byte buffer. A Slot has exactly
// one active holder at a time: the caller that obtained it from a Pool
// must either pass ownership on (by handing the Slot value to another
// component) or call Release.
type Slot struct {
	buf  []byte
	pool *Pool
}

// Bytes returns the slot's backing buffer, sized exactly to Size.
func (s *Slot) Bytes() []byte { return s.buf }

// Release returns the slot's buffer to its owning pool. Release is a
// no-op on a Slot obtained outside a Pool (pool == nil) and on a Slot
// already released: the first call clears the pool link, so a second
// call returns without effect.
func (s *Slot) Release() {
	if s == nil || s.pool == nil {
		return
	}
	p := s.pool
	s.pool = nil
	p.put(s.buf)
	s.buf = nil
}

// Pool hands out fixed-size Slots up to a bounded capacity and recycles
// them on Release. Every Pool method takes the pool's mutex, so a Pool
// may be shared between goroutines.
type Pool struct {
	mu       sync.Mutex
	size     int
	free     [][]byte
	capacity int
	issued   int
}

// New creates a Pool of buffers of the given byte size, able to have at
// most capacity buffers outstanding (issued but not yet released) at
// once.
func New(size, capacity int) *Pool {
	if size <= 0 || capacity <= 0 {
		panic(fmt.Sprintf("bufpool: invalid size=%d capacity=%d", size, capacity))
	}
	return &Pool{size: size, capacity: capacity}
}

// Get returns a writable Slot of the pool's configured size, or an
// ErrExhausted error if capacity outstanding slots are already issued
// and none have been released.
func (p *Pool) Get() (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.issued >= p.capacity && len(p.free) == 0 {
		return nil, fmt.Errorf("bufpool: no free slot of size %d: %w", p.size, ubfterr.ErrExhausted)
	}

	var buf []byte
	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		buf = make([]byte, p.size)
	}
	p.issued++
	return &Slot{buf: buf, pool: p}, nil
}

// Size reports the fixed buffer size this pool hands out.
func (p *Pool) Size() int { return p.size }

func (p *Pool) put(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range buf {
		buf[i] = 0
	}
	p.free = append(p.free, buf)
	p.issued--
}

// Outstanding reports how many slots are currently issued and not yet
// released. Intended for tests and diagnostics.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issued
}
