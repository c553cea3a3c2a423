// Package neighcache maps (virtual address, incoming physical interface) to
// the last observed physical (MAC) address, the way an ARP/neighbour table
// would, but keyed by the mesh's own opaque addressing.
package neighcache

import (
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/meshcl/mcl/internal/addr"
)

// State mirrors netlink's neighbour unreachability-detection states; reused
// here as the liveness vocabulary for a NeighborCacheEntry even though this
// cache owns no real netlink table. Every observed frame (Observe) moves an
// entry to Reachable; a declared link failure moves it to Failed.
type State int

const (
	StateNone      = State(netlink.NUD_NONE)
	StateReachable = State(netlink.NUD_REACHABLE)
	StateStale     = State(netlink.NUD_STALE)
	StateFailed    = State(netlink.NUD_FAILED)
	StatePermanent = State(netlink.NUD_PERMANENT)
)

func (s State) String() string {
	switch s {
	case StateReachable:
		return "REACHABLE"
	case StateStale:
		return "STALE"
	case StateFailed:
		return "FAILED"
	case StatePermanent:
		return "PERMANENT"
	default:
		return "NONE"
	}
}

// Key identifies one neighbour cache entry.
type Key struct {
	VirtualAddr addr.VirtualAddress
	InIf        addr.LQSRIf
}

// Entry is one neighbour cache row.
type Entry struct {
	Physical  addr.PhysicalAddress
	State     State
	UpdatedAt addr.Time
}

// Cache is the neighbour cache for one virtual adapter: newer observations
// always overwrite older ones.
type Cache struct {
	mu        sync.RWMutex
	entries   map[Key]Entry
	byPhysical map[physKey]addr.VirtualAddress
}

type physKey struct {
	Physical addr.PhysicalAddress
	InIf     addr.LQSRIf
}

// New returns an empty neighbour cache.
func New() *Cache {
	return &Cache{
		entries:    make(map[Key]Entry),
		byPhysical: make(map[physKey]addr.VirtualAddress),
	}
}

// Observe records (or overwrites) a sighting of virt's physical address on
// inIf.
func (c *Cache) Observe(virt addr.VirtualAddress, inIf addr.LQSRIf, phys addr.PhysicalAddress, now addr.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[Key{VirtualAddr: virt, InIf: inIf}] = Entry{Physical: phys, State: StateReachable, UpdatedAt: now}
	c.byPhysical[physKey{Physical: phys, InIf: inIf}] = virt
}

// ReverseLookup maps a physical address observed on inIf back to the
// virtual address last associated with it, for option types (Probe, Ack,
// Link Info) that identify their sender only by the frame's Ethernet
// source.
func (c *Cache) ReverseLookup(phys addr.PhysicalAddress, inIf addr.LQSRIf) (addr.VirtualAddress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byPhysical[physKey{Physical: phys, InIf: inIf}]
	return v, ok
}

// Lookup returns the physical address last observed for (virt, inIf).
func (c *Cache) Lookup(virt addr.VirtualAddress, inIf addr.LQSRIf) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[Key{VirtualAddr: virt, InIf: inIf}]
	return e, ok
}

// MarkState updates the liveness state of an existing entry (e.g. to
// StateFailed when the maintenance buffer declares the link broken).
func (c *Cache) MarkState(virt addr.VirtualAddress, inIf addr.LQSRIf, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := Key{VirtualAddr: virt, InIf: inIf}
	if e, ok := c.entries[key]; ok {
		e.State = state
		c.entries[key] = e
	}
}

// Flush clears every entry; used by the control surface's flush operation.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]Entry)
	c.byPhysical = make(map[physKey]addr.VirtualAddress)
}

// Dump returns a snapshot of every neighbour cache entry, for the control
// surface's query operation.
func (c *Cache) Dump() map[Key]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Key]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}
