// Package reqtable deduplicates and rate-limits forwarded Route Requests,
// and exponentially backs off locally originated ones.
package reqtable

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/meshcl/mcl/internal/addr"
)

const (
	firstBackoff = 100 * time.Millisecond
	maxBackoff   = 2 * time.Second

	// seenIdentifiers bounds how many recent Route Request identifiers are
	// remembered per originator.
	seenIdentifiers = 8
)

// seenEntry is one previously forwarded Route Request: its identifier and
// the path-metric comparator value it was forwarded with, so a strictly
// better duplicate can still be let through.
type seenEntry struct {
	identifier uint32
	pathConv   uint64
}

// originEntry is the per-originator state: recently seen identifiers plus
// the backoff schedule for locally originated requests to that originator.
type originEntry struct {
	seen []seenEntry

	backoff     *backoff.ExponentialBackOff
	lastAttempt addr.Time
	nextDelay   time.Duration
}

func newOriginEntry() *originEntry {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     firstBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
	}
	b.Reset()
	return &originEntry{backoff: b, nextDelay: firstBackoff}
}

// Table is the request table for one virtual adapter.
type Table struct {
	mu      sync.Mutex
	entries map[addr.VirtualAddress]*originEntry
}

// New returns an empty request table.
func New() *Table {
	return &Table{entries: make(map[addr.VirtualAddress]*originEntry)}
}

// AcceptForward reports whether a forwarded Route Request with the given
// originator, identifier and path-metric comparator should be forwarded (as
// opposed to suppressed as a duplicate). The first arrival for an
// (originator, identifier) pair is always accepted; later arrivals are
// accepted only if pathConv is strictly better than every previously
// recorded value for that identifier.
func (t *Table) AcceptForward(originator addr.VirtualAddress, identifier uint32, pathConv uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[originator]
	if !ok {
		e = newOriginEntry()
		t.entries[originator] = e
	}

	for i := range e.seen {
		if e.seen[i].identifier == identifier {
			if pathConv < e.seen[i].pathConv {
				e.seen[i].pathConv = pathConv
				return true
			}
			return false
		}
	}

	if len(e.seen) >= seenIdentifiers {
		e.seen = e.seen[1:]
	}
	e.seen = append(e.seen, seenEntry{identifier: identifier, pathConv: pathConv})
	return true
}

// ShouldOriginate reports whether a locally originated Route Request to dest
// may be (re)sent now, honoring the exponential backoff schedule. It
// advances the schedule as a side effect when it returns true.
func (t *Table) ShouldOriginate(dest addr.VirtualAddress, now addr.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[dest]
	if !ok {
		e = newOriginEntry()
		t.entries[dest] = e
	}

	if e.lastAttempt != 0 && now < e.lastAttempt+addr.FromDuration(e.nextDelay) {
		return false
	}

	e.lastAttempt = now
	e.nextDelay = e.backoff.NextBackOff()
	return true
}

// ResetBackoff restores dest's origination backoff to FIRST_BACKOFF,
// e.g. after a fresh route is learned.
func (t *Table) ResetBackoff(dest addr.VirtualAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[dest]; ok {
		e.backoff.Reset()
		e.nextDelay = firstBackoff
	}
}
