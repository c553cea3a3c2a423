package linkcache

import (
	"github.com/meshcl/mcl/internal/addr"
)

// NodeIndex indexes into LinkCache's node table. Index 0 is always self.
type NodeIndex int

const selfIndex NodeIndex = 0

// RouteUsageEntry records one distinct source route this node has actually
// used to reach a destination, and how many times.
type RouteUsageEntry struct {
	Hops  []HopEntry
	Count uint64
}

// routeUsageCap bounds the per-node usage history so a flapping destination
// cannot grow this list without bound.
const routeUsageCap = 16

// Node is one row of the link cache's node table: a mesh address plus its
// adjacency lists and cached route to it.
type Node struct {
	Address addr.VirtualAddress

	AdjOut []LinkHandle
	AdjIn  []LinkHandle

	// Route is the cached source route to this node, or nil if none is
	// cached. Hops mirrors Route's length and records which Link backs each
	// hop, for ref-counting.
	Route      *SourceRoute
	Hops       []LinkHandle
	PathMetric uint64
	FirstUsage addr.Time

	RouteChangeCounter uint64
	Usage              []RouteUsageEntry
}

// recordUsage appends (or bumps) a usage history entry for the hops actually
// used to reach this node.
func (n *Node) recordUsage(hops []HopEntry) {
	for i := range n.Usage {
		if hopsEqual(n.Usage[i].Hops, hops) {
			n.Usage[i].Count++
			return
		}
	}
	if len(n.Usage) >= routeUsageCap {
		n.Usage = n.Usage[1:]
	}
	n.Usage = append(n.Usage, RouteUsageEntry{Hops: append([]HopEntry(nil), hops...), Count: 1})
}

func hopsEqual(a, b []HopEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
