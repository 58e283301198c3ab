// Package ringbuf provides a fixed-capacity overwriting ring of bars. Each
// live subscription keeps one so a late consumer can read the most recent
// emissions without waiting for the next poll tick. The writer is the
// subscription's own commit path; readers may be any goroutine.
package ringbuf

import (
	"sync"

	"chartfeed/internal/model"
)

// Ring holds the last Cap() bars pushed into it, overwriting the oldest
// entry once full. Capacity is rounded up to a power of two for bitwise
// index masking.
type Ring struct {
	mu   sync.RWMutex
	buf  []model.Bar
	mask uint64
	head uint64 // total pushes; next write slot = head & mask
}

// New creates a ring buffer. capacity is rounded up to the next power of
// two. Minimum capacity is 2.
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([]model.Bar, n),
		mask: uint64(n - 1),
	}
}

// Push appends a bar, overwriting the oldest entry when full.
func (r *Ring) Push(b model.Bar) {
	r.mu.Lock()
	r.buf[r.head&r.mask] = b
	r.head++
	r.mu.Unlock()
}

// Last returns up to n of the most recent bars in chronological push order.
func (r *Ring) Last(n int) []model.Bar {
	r.mu.RLock()
	defer r.mu.RUnlock()

	avail := r.head
	if avail > uint64(len(r.buf)) {
		avail = uint64(len(r.buf))
	}
	if n <= 0 || uint64(n) > avail {
		n = int(avail)
	}

	out := make([]model.Bar, n)
	start := r.head - uint64(n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+uint64(i))&r.mask]
	}
	return out
}

// Len returns the number of bars currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.head > uint64(len(r.buf)) {
		return len(r.buf)
	}
	return int(r.head)
}

// Cap returns the buffer capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
