// Package recoverybuf implements the in-memory recovery ring: a bounded,
// contiguous window of the most recently transmitted MoldUDP64 messages,
// keyed by sequence number. It gives the recovery server O(1) lookup for the
// hot tail of a stream; anything evicted falls back to the on-disk log.
package recoverybuf

import (
	"sync"

	"github.com/alxayo/moldpublisher/internal/mold/wire"
)

// DefaultCapacity is used when a Buffer is constructed with capacity <= 0.
const DefaultCapacity = 100_000

// Buffer is a fixed-capacity ring of (seq, encoded message) pairs forming a
// contiguous window [low, high] of transmitted history.
type Buffer struct {
	mu       sync.RWMutex
	cap      int
	entries  []wire.EncodedMessage // entries[i] holds seq low+i, ring-indexed
	head     int                   // ring index of seq == low
	size     int                   // number of entries currently held
	low      uint64
	high     uint64
	hasEntry bool
}

// New creates a Buffer with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		cap:     capacity,
		entries: make([]wire.EncodedMessage, capacity),
	}
}

// Insert adds a new (seq, encoded) pair. Per the stream publisher's
// invariant, seq must equal high+1 (or be the very first insert); the
// publisher is the sole writer and assigns sequence numbers strictly in
// order, so this is not re-validated here.
func (b *Buffer) Insert(seq uint64, enc wire.EncodedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.hasEntry {
		b.low = seq
		b.high = seq
		b.hasEntry = true
		b.entries[0] = enc
		b.head = 0
		b.size = 1
		return
	}

	if b.size < b.cap {
		idx := (b.head + b.size) % b.cap
		b.entries[idx] = enc
		b.size++
	} else {
		// Buffer full: drop the entry at low, advance head, append at the
		// freed slot.
		b.entries[b.head] = enc
		b.head = (b.head + 1) % b.cap
		b.low++
	}
	b.high = seq
}

// Lookup returns the encoded message for seq if it lies within [low, high].
func (b *Buffer) Lookup(seq uint64) (wire.EncodedMessage, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.hasEntry || seq < b.low || seq > b.high {
		return wire.EncodedMessage{}, false
	}
	idx := (b.head + int(seq-b.low)) % b.cap
	return b.entries[idx], true
}

// LookupRange returns the prefix of [seq, seq+count) that lies wholly inside
// [low, high]. A partial hit (the request extends below low or above high)
// returns only the in-buffer portion; callers supplement the rest from the
// log or truncate as appropriate.
func (b *Buffer) LookupRange(seq uint64, count int) []wire.EncodedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.hasEntry || count <= 0 {
		return nil
	}
	start := seq
	if start < b.low {
		start = b.low
	}
	end := seq + uint64(count)
	if end > b.high+1 {
		end = b.high + 1
	}
	if start >= end {
		return nil
	}
	out := make([]wire.EncodedMessage, 0, end-start)
	for s := start; s < end; s++ {
		idx := (b.head + int(s-b.low)) % b.cap
		out = append(out, b.entries[idx])
	}
	return out
}

// Bounds returns the current contiguous window held by the buffer. ok is
// false if nothing has been inserted yet.
func (b *Buffer) Bounds() (low, high uint64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.low, b.high, b.hasEntry
}

// Len returns the number of entries currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
