// Package ringbuf implements the single-producer/single-consumer byte
// ring that carries raw PCM from the real-time capture callback to the
// audio worker thread. It is wait-free on the producer side: writes only
// ever touch atomic counters and a fixed array, never a lock, never the
// allocator.
package ringbuf

import (
	"sync/atomic"
	"time"
)

// wakeupTimeout bounds how long Pop blocks waiting for a wakeup signal,
// so the reader periodically re-checks cancellation even if the producer
// goes quiet.
const wakeupTimeout = 100 * time.Millisecond

// Ring is a fixed-capacity byte ring buffer. Capacity must be a power of
// two; New rounds up if it isn't. Exactly one goroutine may call Push and
// exactly one goroutine may call Pop.
type Ring struct {
	buf  []byte
	mask uint64

	head atomic.Uint64 // advanced by the writer only
	tail atomic.Uint64 // advanced by the reader only

	overflow atomic.Uint64

	wake chan struct{} // capacity 1: a pending wakeup is coalesced
}

// New allocates a ring with capacity at least minBytes, rounded up to the
// next power of two.
func New(minBytes int) *Ring {
	cap := nextPowerOfTwo(minBytes)
	return &Ring{
		buf:  make([]byte, cap),
		mask: uint64(cap - 1),
		wake: make(chan struct{}, 1),
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Push copies data into the ring. If there is not enough room for the
// entire chunk, the chunk is dropped in its entirety (the overflow
// counter is incremented) so that the freshest audio is preserved on the
// next callback rather than partially overwriting the ring. Push never
// allocates and never blocks.
func (r *Ring) Push(data []byte) bool {
	if len(data) == 0 {
		return true
	}

	head := r.head.Load()
	tail := r.tail.Load()
	capacity := uint64(len(r.buf))

	if capacity-(head-tail) < uint64(len(data)) {
		r.overflow.Add(1)
		return false
	}

	start := head & r.mask
	n := copy(r.buf[start:], data)
	if n < len(data) {
		copy(r.buf, data[n:])
	}

	r.head.Add(uint64(len(data)))
	r.postWakeup()
	return true
}

// postWakeup posts a non-blocking, coalesced wakeup: if one is already
// pending the send is dropped, since the reader only needs to know "there
// may be data," not how many times.
func (r *Ring) postWakeup() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pop reads up to len(dst) available bytes into dst, blocking until data
// arrives or wakeupTimeout elapses. It returns the number of bytes read,
// which may be zero on a timeout with no data available.
func (r *Ring) Pop(dst []byte) int {
	n := r.drain(dst)
	if n > 0 {
		return n
	}

	timer := time.NewTimer(wakeupTimeout)
	defer timer.Stop()
	select {
	case <-r.wake:
	case <-timer.C:
	}
	return r.drain(dst)
}

func (r *Ring) drain(dst []byte) int {
	head := r.head.Load()
	tail := r.tail.Load()
	available := head - tail
	if available == 0 {
		return 0
	}

	want := uint64(len(dst))
	if want > available {
		want = available
	}

	start := tail & r.mask
	n := copy(dst[:want], r.buf[start:])
	if uint64(n) < want {
		copy(dst[n:want], r.buf)
	}

	r.tail.Add(want)
	return int(want)
}

// Available reports the number of unread bytes currently in the ring.
func (r *Ring) Available() int {
	return int(r.head.Load() - r.tail.Load())
}

// Overflow reports the cumulative number of chunks dropped due to the
// ring being full. Safe to call from any goroutine.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}

// Capacity returns the ring's fixed byte capacity.
func (r *Ring) Capacity() int {
	return len(r.buf)
}
