// Package sendbuf holds packets waiting on a route to their destination.
package sendbuf

import (
	"sync"

	"github.com/meshcl/mcl/internal/addr"
)

// DefaultTimeout is SENDBUF_TIMEOUT: a queued packet older than this is
// dropped rather than sent once a route finally appears.
const DefaultTimeout = 2*addr.Second + 100*addr.Millisecond

// DefaultMaxPerDest bounds how many packets may queue for one destination
// at once, oldest-first eviction once full.
const DefaultMaxPerDest = 5

// Entry is one buffered outbound packet.
type Entry struct {
	Payload  []byte
	Queued   addr.Time
	Priority bool
}

// Buffer holds packets blocked on route discovery, keyed by destination.
type Buffer struct {
	mu         sync.Mutex
	timeout    addr.Time
	maxPerDest int
	queues     map[addr.VirtualAddress][]Entry
}

// New returns an empty send buffer using the given eviction timeout and
// per-destination queue depth.
func New(timeout addr.Time, maxPerDest int) *Buffer {
	return &Buffer{
		timeout:    timeout,
		maxPerDest: maxPerDest,
		queues:     make(map[addr.VirtualAddress][]Entry),
	}
}

// NewDefault returns a send buffer configured with DefaultTimeout and
// DefaultMaxPerDest.
func NewDefault() *Buffer {
	return New(DefaultTimeout, DefaultMaxPerDest)
}

// Enqueue queues payload for dest, evicting the oldest entry for that
// destination if the queue is already at capacity.
func (b *Buffer) Enqueue(dest addr.VirtualAddress, payload []byte, now addr.Time, priority bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[dest]
	if len(q) >= b.maxPerDest {
		q = q[1:]
	}
	q = append(q, Entry{Payload: payload, Queued: now, Priority: priority})
	b.queues[dest] = q
}

// Drain removes and returns every non-expired entry queued for dest, in
// FIFO order, dropping expired entries along the way. Returns ok=false if
// nothing was queued.
func (b *Buffer) Drain(dest addr.VirtualAddress, now addr.Time) ([]Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[dest]
	if !ok {
		return nil, false
	}
	delete(b.queues, dest)

	out := make([]Entry, 0, len(q))
	for _, e := range q {
		if now-e.Queued > b.timeout {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Expire drops every entry older than the configured timeout across all
// destinations, returning how many were dropped. Call periodically from the
// scavenge timer so packets for destinations that never resolve don't sit
// forever.
func (b *Buffer) Expire(now addr.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for dest, q := range b.queues {
		kept := q[:0]
		for _, e := range q {
			if now-e.Queued > b.timeout {
				dropped++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(b.queues, dest)
		} else {
			b.queues[dest] = kept
		}
	}
	return dropped
}

// Destinations returns every destination that still has queued packets, so
// the scavenge timer can re-originate route discovery for them.
func (b *Buffer) Destinations() []addr.VirtualAddress {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]addr.VirtualAddress, 0, len(b.queues))
	for dest := range b.queues {
		out = append(out, dest)
	}
	return out
}

// Pending reports whether any packets are queued for dest.
func (b *Buffer) Pending(dest addr.VirtualAddress) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[dest]) > 0
}

// Len returns the total number of queued packets across all destinations.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q)
	}
	return n
}
