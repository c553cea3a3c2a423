package linkcache

import (
	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/metric"
)

// LinkHandle is an opaque, non-owning reference to a Link held in the link
// cache's arena. Cached routes carry handles, never pointers, so the arena
// can refuse to evict a link that is still referenced.
type LinkHandle uint32

const invalidHandle LinkHandle = 0

// Link is a directed edge of the link cache's graph.
type Link struct {
	handle LinkHandle

	Source, Target NodeIndex
	OutIf, InIf     addr.LQSRIf
	Metric          addr.LinkMetric
	MetricState     metric.State

	TimeStamp addr.Time
	RefCount  int32

	Usage    uint64
	Failures uint64

	// DropRatio is a fault-injection knob (0 disables): the fraction, in
	// parts-per-1000, of packets on this link that are artificially
	// dropped.
	DropRatio       uint32
	ArtificialDrops uint64
	QueueDrops      uint64
}

// HopEntry is one (addr, in_if, out_if, metric) entry of a source route, the
// wire-visible shape of a Link Info / Source Route hop.
type HopEntry struct {
	Addr   addr.VirtualAddress
	InIf   addr.LQSRIf
	OutIf  addr.LQSRIf
	Metric addr.LinkMetric
}

// SourceRoute is an ordered list of hops from originator to destination.
type SourceRoute struct {
	Hops   []HopEntry
	Static bool
}

// arena owns every Link; the link cache never exposes raw pointers across
// its lock boundary, only handles, resolved back to *Link under lock.
type arena struct {
	links  map[LinkHandle]*Link
	nextID LinkHandle
}

func newArena() *arena {
	return &arena{links: make(map[LinkHandle]*Link)}
}

func (a *arena) create(l Link) LinkHandle {
	a.nextID++
	id := a.nextID
	l.handle = id
	a.links[id] = &l
	return id
}

func (a *arena) get(h LinkHandle) (*Link, bool) {
	l, ok := a.links[h]
	return l, ok
}

// evict removes a link only if nothing references it; returns false if the
// link is still held by a cached route.
func (a *arena) evict(h LinkHandle) bool {
	l, ok := a.links[h]
	if !ok {
		return true
	}
	if l.RefCount > 0 {
		return false
	}
	delete(a.links, h)
	return true
}

func (a *arena) all() []*Link {
	out := make([]*Link, 0, len(a.links))
	for _, l := range a.links {
		out = append(out, l)
	}
	return out
}
