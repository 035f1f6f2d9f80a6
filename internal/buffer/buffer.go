// Package buffer keeps the most recent readings in a fixed-capacity ring that
// one producer appends to while any number of readers take copies.
package buffer

import (
	"sync"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// DefaultCapacity is the number of readings retained when no capacity is
// configured.
const DefaultCapacity = 1000

// Buffer is a bounded FIFO of readings. Push must only be called from a
// single goroutine; Snapshot, Latest and Len may be called from any number of
// goroutines. Entries are kept non-decreasing in CapturedAt.
type Buffer struct {
	mu    sync.RWMutex
	ring  []telemetry.Reading
	start int // index of the oldest entry
	size  int
}

// New returns an empty buffer. A non-positive capacity uses DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{ring: make([]telemetry.Reading, capacity)}
}

// Push appends r, evicting the oldest entry when the buffer is full. A
// reading stamped before the newest entry is clamped to that entry's time.
func (b *Buffer) Push(r telemetry.Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.ring)
	if b.size > 0 {
		newest := b.ring[(b.start+b.size-1)%capacity]
		if r.CapturedAt.Before(newest.CapturedAt) {
			r.CapturedAt = newest.CapturedAt
		}
	}

	if b.size < capacity {
		b.ring[(b.start+b.size)%capacity] = r
		b.size++
		return
	}
	b.ring[b.start] = r
	b.start = (b.start + 1) % capacity
}

// Snapshot returns a copy of the newest min(n, Len()) readings, oldest first.
// It returns an empty, non-nil slice when n <= 0 or the buffer is empty.
func (b *Buffer) Snapshot(n int) []telemetry.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return []telemetry.Reading{}
	}

	out := make([]telemetry.Reading, n)
	capacity := len(b.ring)
	first := (b.start + b.size - n) % capacity
	copied := copy(out, b.ring[first:min(first+n, capacity)])
	if copied < n {
		copy(out[copied:], b.ring[:n-copied])
	}
	return out
}

// Latest returns the newest reading, or false when the buffer is empty.
func (b *Buffer) Latest() (telemetry.Reading, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return telemetry.Reading{}, false
	}
	return b.ring[(b.start+b.size-1)%len(b.ring)], true
}

// Len returns the number of readings held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
