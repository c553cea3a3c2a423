package linkcache

import "github.com/meshcl/mcl/internal/addr"

// PenalizeAllLinks applies PenalizeLink to every directed link from -> to
// regardless of interface pair. A Route Error option names only
// the two endpoint addresses, not the interfaces the broken link used, so
// the receiver of the error can't address a single link precisely.
func (lc *LinkCache) PenalizeAllLinks(from, to addr.VirtualAddress) {
	lc.mu.Lock()
	fi, ok := lc.nodeIndex[from]
	if !ok {
		lc.mu.Unlock()
		return
	}
	ti, ok := lc.nodeIndex[to]
	if !ok {
		lc.mu.Unlock()
		return
	}
	fn, ok := node(lc.nodes, fi)
	if !ok {
		lc.mu.Unlock()
		return
	}
	var pairs [][2]addr.LQSRIf
	for _, lh := range fn.AdjOut {
		l, ok := lc.links.get(lh)
		if !ok || l.Target != ti {
			continue
		}
		pairs = append(pairs, [2]addr.LQSRIf{l.OutIf, l.InIf})
	}
	lc.mu.Unlock()

	for _, p := range pairs {
		lc.PenalizeLink(from, to, p[0], p[1])
	}
}

// InvalidateRoute drops dest's cached source route (if any and non-static),
// forcing the next FillSourceRoute to recompute from Dijkstra. Used when a
// Route Error reports that the route is no longer usable.
func (lc *LinkCache) InvalidateRoute(dest addr.VirtualAddress) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	idx, ok := lc.nodeIndex[dest]
	if !ok {
		return
	}
	n := lc.nodes[idx]
	if n.Route == nil || n.Route.Static {
		return
	}
	lc.releaseRouteRefs(n)
}
