// Package linkcache is the authoritative database of mesh nodes and
// directed links with per-link metrics. It runs Dijkstra to produce
// shortest paths, caches per-destination source routes with route-flap
// damping, and keeps optional change logs.
package linkcache

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/errs"
	"github.com/meshcl/mcl/internal/metric"
)

// Config are the persisted, per-adapter tunables that shape link cache
// behaviour.
type Config struct {
	// LinkTimeout is how long an unrefreshed, unreferenced link survives.
	LinkTimeout addr.Time
	// RouteFlapDampingFactor is D in the flap-damping fudge formula; 0
	// disables damping.
	RouteFlapDampingFactor uint32
	// MaxSRLen bounds the number of hops in any route this cache returns.
	MaxSRLen int
	// MaxLinkInfoEntries bounds how many of self's outgoing links
	// CreateLinkInfo packs into one option.
	MaxLinkInfoEntries int
}

// DefaultConfig returns the stock link cache tuning.
func DefaultConfig() Config {
	return Config{
		LinkTimeout:            2 * addr.Minute,
		RouteFlapDampingFactor: 32,
		MaxSRLen:               32,
		MaxLinkInfoEntries:     64,
	}
}

const cacheTimeout = addr.Second

// LinkCache is the node/link database and shortest-path route cache for one
// virtual adapter.
type LinkCache struct {
	mu sync.RWMutex

	cfg    Config
	engine metric.Engine
	clock  addr.Clock
	log    *zap.SugaredLogger

	nodes     []*Node
	nodeIndex map[addr.VirtualAddress]NodeIndex
	links     *arena

	dijkstra        *dijkstraResult
	dijkstraTimeout addr.Time

	linkChanges  *ring[LinkChangeRecord]
	routeChanges *ring[RouteChangeRecord]

	linkInfoTruncations uint64
}

// New constructs a LinkCache for self, which always occupies node index 0.
func New(self addr.VirtualAddress, engine metric.Engine, clock addr.Clock, cfg Config, log *zap.SugaredLogger) *LinkCache {
	lc := &LinkCache{
		cfg:          cfg,
		engine:       engine,
		clock:        clock,
		log:          log,
		nodeIndex:    map[addr.VirtualAddress]NodeIndex{self: selfIndex},
		links:        newArena(),
		linkChanges:  newRing[LinkChangeRecord](NumLinkChangeRecords),
		routeChanges: newRing[RouteChangeRecord](NumRouteChangeRecords),
	}
	lc.nodes = append(lc.nodes, &Node{Address: self})
	return lc
}

// lookupOrCreateNode returns the index for addr, creating a Node if unseen.
func (lc *LinkCache) lookupOrCreateNode(a addr.VirtualAddress) NodeIndex {
	if idx, ok := lc.nodeIndex[a]; ok {
		return idx
	}
	idx := NodeIndex(len(lc.nodes))
	lc.nodes = append(lc.nodes, &Node{Address: a})
	lc.nodeIndex[a] = idx
	return idx
}

func (lc *LinkCache) findLink(from, to NodeIndex, outIf, inIf addr.LQSRIf) (LinkHandle, *Link, bool) {
	fn, ok := node(lc.nodes, from)
	if !ok {
		return invalidHandle, nil, false
	}
	for _, lh := range fn.AdjOut {
		l, ok := lc.links.get(lh)
		if !ok {
			continue
		}
		if l.Target == to && l.OutIf == outIf && l.InIf == inIf {
			return lh, l, true
		}
	}
	return invalidHandle, nil, false
}

// AddLink records a sighting of a directed link from -> to over
// (outIf,inIf) with the given metric. reason tags the change log entry.
//
// Direct links from self under a non-HOP metric ignore third-party metric
// updates: our own probes are authoritative for our own adjacency.
func (lc *LinkCache) AddLink(from, to addr.VirtualAddress, outIf, inIf addr.LQSRIf, m addr.LinkMetric, reason ChangeReason) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	now := lc.clock.Now()
	fi := lc.lookupOrCreateNode(from)
	ti := lc.lookupOrCreateNode(to)

	if _, existing, ok := lc.findLink(fi, ti, outIf, inIf); ok {
		if fi == selfIndex && lc.engine.Type() != addr.MetricHOP && reason != ReasonAddManual {
			// Our own probes own direct-link metrics; third-party reports
			// only refresh the sighting.
			existing.TimeStamp = now
			return
		}
		lc.maybeInvalidateDijkstra(existing.Metric, m, now)
		existing.Metric = m
		existing.TimeStamp = now
		lc.logLinkChange(from, to, m, reason)
		return
	}

	st := lc.engine.InitLink()
	lh := lc.links.create(Link{
		Source:      fi,
		Target:      ti,
		OutIf:       outIf,
		InIf:        inIf,
		Metric:      m,
		MetricState: st,
		TimeStamp:   now,
	})
	fn, _ := node(lc.nodes, fi)
	fn.AdjOut = append(fn.AdjOut, lh)
	tn, _ := node(lc.nodes, ti)
	tn.AdjIn = append(tn.AdjIn, lh)

	// A brand-new link has no old metric and may reach nodes the current
	// tree does not, so it always invalidates the Dijkstra cache.
	if lc.dijkstra != nil {
		lc.dijkstraTimeout = now
	}
	lc.logLinkChange(from, to, m, reason)
}

func (lc *LinkCache) maybeInvalidateDijkstra(old, new addr.LinkMetric, now addr.Time) {
	lc.maybeInvalidateDijkstraConv(lc.engine.ConvLinkMetric(old), lc.engine.ConvLinkMetric(new), now)
}

// maybeInvalidateDijkstraConv takes already-converted metrics.
func (lc *LinkCache) maybeInvalidateDijkstraConv(oldConv, newConv uint64, now addr.Time) {
	if lc.dijkstra == nil {
		return
	}
	delta := diff(oldConv, newConv)
	if delta > lc.dijkstra.smallestMetric &&
		(oldConv <= lc.dijkstra.largestMetric || newConv <= lc.dijkstra.largestMetric) {
		lc.dijkstraTimeout = now
	}
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (lc *LinkCache) logLinkChange(from, to addr.VirtualAddress, m addr.LinkMetric, reason ChangeReason) {
	lc.linkChanges.push(LinkChangeRecord{
		Time:   lc.clock.Now(),
		Source: from,
		Target: to,
		Metric: m,
		Reason: reason,
	})
	lc.log.Debugw("link change",
		zap.Stringer("source", from),
		zap.Stringer("target", to),
		zap.Uint32("metric", uint32(m)),
		zap.Stringer("reason", reason),
	)
}

// PenalizeLink applies the metric engine's penalty to the named link,
// logs a PENALIZED change and invalidates the Dijkstra cache.
func (lc *LinkCache) PenalizeLink(from, to addr.VirtualAddress, outIf, inIf addr.LQSRIf) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	fi, ok := lc.nodeIndex[from]
	if !ok {
		return
	}
	ti, ok := lc.nodeIndex[to]
	if !ok {
		return
	}
	_, l, ok := lc.findLink(fi, ti, outIf, inIf)
	if !ok {
		return
	}
	now := lc.clock.Now()
	old := l.Metric
	l.Metric = lc.engine.Penalize(now, l.MetricState, l.Metric)
	l.Failures++
	lc.maybeInvalidateDijkstra(old, l.Metric, now)
	lc.logLinkChange(from, to, l.Metric, ReasonPenalized)
}

// CheckForDrop consults a link's ArtificialDrop fault-injection knob and
// reports whether the caller should drop the packet it is about to send.
// On a link with a nonzero DropRatio it counts the use and, on a drop, the
// artificial drop; otherwise nothing is counted. DropRatio is in
// parts-per-1000.
func (lc *LinkCache) CheckForDrop(from, to addr.VirtualAddress, outIf, inIf addr.LQSRIf) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	fi, ok := lc.nodeIndex[from]
	if !ok {
		return false
	}
	ti, ok := lc.nodeIndex[to]
	if !ok {
		return false
	}
	_, l, ok := lc.findLink(fi, ti, outIf, inIf)
	if !ok || l.DropRatio == 0 {
		return false
	}
	l.Usage++
	if rand.Uint32()%1000 < l.DropRatio { //nolint:gosec // fault injection, not security sensitive
		l.ArtificialDrops++
		return true
	}
	return false
}

// ControlLink sets or clears a link's artificial-drop ratio (parts-per-1000;
// 0 disables). Used only by the control surface's fault-injection knob.
func (lc *LinkCache) ControlLink(from, to addr.VirtualAddress, outIf, inIf addr.LQSRIf, dropRatio uint32) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	fi, ok := lc.nodeIndex[from]
	if !ok {
		return errs.ErrInvalidConfiguration
	}
	ti, ok := lc.nodeIndex[to]
	if !ok {
		return errs.ErrInvalidConfiguration
	}
	_, l, ok := lc.findLink(fi, ti, outIf, inIf)
	if !ok {
		return errs.ErrInvalidConfiguration
	}
	l.DropRatio = dropRatio
	return nil
}

// CountLinkUse records that a link was actually used to forward a packet.
func (lc *LinkCache) CountLinkUse(lh LinkHandle) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if l, ok := lc.links.get(lh); ok {
		l.Usage++
	}
}

// DeleteInterface revokes every link touching ifIndex (as either endpoint
// interface) and synchronously invalidates Dijkstra.
func (lc *LinkCache) DeleteInterface(ifIndex addr.LQSRIf) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for _, l := range lc.links.all() {
		if l.OutIf != ifIndex && l.InIf != ifIndex {
			continue
		}
		l.RefCount = 0 // interface deletion revokes regardless of cached-route refs
		from := lc.nodes[l.Source].Address
		to := lc.nodes[l.Target].Address
		lc.removeLinkFromAdjacency(l)
		lc.links.evict(l.handle)
		lc.logLinkChange(from, to, l.Metric, ReasonDeleteInterface)
	}
	lc.dijkstraTimeout = lc.clock.Now()
}

func (lc *LinkCache) removeLinkFromAdjacency(l *Link) {
	if sn, ok := node(lc.nodes, l.Source); ok {
		sn.AdjOut = removeHandle(sn.AdjOut, l.handle)
	}
	if tn, ok := node(lc.nodes, l.Target); ok {
		tn.AdjIn = removeHandle(tn.AdjIn, l.handle)
	}
	for _, n := range lc.nodes {
		if n.Route != nil {
			for _, hh := range n.Hops {
				if hh == l.handle {
					n.Route = nil
					n.Hops = nil
					break
				}
			}
		}
	}
}

func removeHandle(hs []LinkHandle, target LinkHandle) []LinkHandle {
	out := hs[:0]
	for _, h := range hs {
		if h == target {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Flush removes every link, node and cached route, static routes included,
// regardless of age or ref count; used by the control surface's explicit
// flush operation.
func (lc *LinkCache) Flush() {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.links = newArena()
	self := lc.nodes[selfIndex].Address
	lc.nodes = []*Node{{Address: self}}
	lc.nodeIndex = map[addr.VirtualAddress]NodeIndex{self: selfIndex}
	lc.dijkstra = nil
}

// expireLinks drops links that are stale, unreferenced, and not subject to
// fault-injection (DropRatio==0).
func (lc *LinkCache) expireLinks(now addr.Time) {
	for _, l := range lc.links.all() {
		if l.RefCount > 0 || l.DropRatio != 0 {
			continue
		}
		if l.TimeStamp+lc.cfg.LinkTimeout >= now {
			continue
		}
		from := lc.nodes[l.Source].Address
		to := lc.nodes[l.Target].Address
		lc.removeLinkFromAdjacency(l)
		lc.links.evict(l.handle)
		lc.logLinkChange(from, to, l.Metric, ReasonDeleteTimeout)
	}
}

// MyDegree returns the number of outgoing links from self.
func (lc *LinkCache) MyDegree() int {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return len(lc.nodes[selfIndex].AdjOut)
}

// AddStaticRoute installs an administrator-provided source route to dest
// that Dijkstra will never override (and never expires it by age).
func (lc *LinkCache) AddStaticRoute(dest addr.VirtualAddress, hops []HopEntry) error {
	if len(hops) < 2 || len(hops) > lc.cfg.MaxSRLen {
		return errs.ErrInvalidConfiguration
	}
	if hops[0].InIf != addr.IfUnspecified || hops[len(hops)-1].OutIf != addr.IfUnspecified {
		return errs.ErrInvalidConfiguration
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if hops[0].Addr != lc.nodes[selfIndex].Address {
		return errs.ErrInvalidConfiguration
	}

	di := lc.lookupOrCreateNode(dest)
	dn := lc.nodes[di]

	lc.releaseRouteRefs(dn)

	var handles []LinkHandle
	prev := hops[0]
	for _, h := range hops[1:] {
		fi := lc.nodeIndex[prev.Addr]
		ti := lc.lookupOrCreateNode(h.Addr)
		lh, l, ok := lc.findLink(fi, ti, prev.OutIf, h.InIf)
		if !ok {
			st := lc.engine.InitLink()
			lh = lc.links.create(Link{
				Source:      fi,
				Target:      ti,
				OutIf:       prev.OutIf,
				InIf:        h.InIf,
				Metric:      h.Metric,
				MetricState: st,
				TimeStamp:   lc.clock.Now(),
			})
			l, _ = lc.links.get(lh)
			lc.nodes[fi].AdjOut = append(lc.nodes[fi].AdjOut, lh)
			lc.nodes[ti].AdjIn = append(lc.nodes[ti].AdjIn, lh)
		}
		l.RefCount++
		handles = append(handles, lh)
		prev = h
	}

	dn.Route = &SourceRoute{Hops: append([]HopEntry(nil), hops...), Static: true}
	dn.Hops = handles
	dn.FirstUsage = lc.clock.Now()
	return nil
}

func (lc *LinkCache) releaseRouteRefs(n *Node) {
	for _, h := range n.Hops {
		if l, ok := lc.links.get(h); ok {
			l.RefCount--
		}
	}
	n.Hops = nil
	n.Route = nil
}

// GetSourceRoute is a read-only lookup of the currently cached route to
// dest, performing no recomputation.
func (lc *LinkCache) GetSourceRoute(dest addr.VirtualAddress) (*SourceRoute, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	idx, ok := lc.nodeIndex[dest]
	if !ok {
		return nil, false
	}
	n := lc.nodes[idx]
	if n.Route == nil {
		return nil, false
	}
	cp := *n.Route
	cp.Hops = append([]HopEntry(nil), n.Route.Hops...)
	return &cp, true
}

// ensureDijkstra recomputes shortest paths if the cache has expired
// (CACHE_TIMEOUT) or was explicitly invalidated.
func (lc *LinkCache) ensureDijkstra(now addr.Time) {
	lc.expireLinks(now)
	if lc.dijkstra != nil && now < lc.dijkstraTimeout {
		return
	}
	lc.dijkstra = runDijkstra(lc.nodes, lc.links, lc.engine, lc.cfg.MaxSRLen)
	lc.dijkstraTimeout = now + cacheTimeout
}

// FillSourceRoute returns a route to dest: the cached route if it is static
// or current, otherwise the result of a fresh (or cached) Dijkstra run,
// subject to route-flap damping.
func (lc *LinkCache) FillSourceRoute(dest addr.VirtualAddress) (*SourceRoute, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	now := lc.clock.Now()
	di, ok := lc.nodeIndex[dest]
	if !ok {
		di = lc.lookupOrCreateNode(dest)
	}
	dn := lc.nodes[di]

	if dn.Route != nil && dn.Route.Static {
		return dn.Route, nil
	}

	lc.ensureDijkstra(now)

	newMetric, ok := lc.dijkstra.tentative[di]
	if !ok || newMetric == ^uint64(0) {
		if dn.Route != nil {
			return dn.Route, nil
		}
		return nil, errs.ErrNoRoute
	}

	if dn.Route != nil {
		age := now - dn.FirstUsage
		if keepOldRoute(dn.PathMetric, newMetric, age, lc.cfg.RouteFlapDampingFactor) {
			return dn.Route, nil
		}
	}

	route, handles := lc.reconstructRoute(di)
	if len(route) == 0 {
		return nil, errs.ErrNoRoute
	}

	lc.releaseRouteRefs(dn)
	for _, h := range handles {
		if l, ok := lc.links.get(h); ok {
			l.RefCount++
		}
	}

	lc.routeChanges.push(RouteChangeRecord{Time: now, Destination: dest, OldMetric: dn.PathMetric, NewMetric: newMetric})

	dn.Route = &SourceRoute{Hops: route}
	dn.Hops = handles
	dn.PathMetric = newMetric
	dn.FirstUsage = now
	dn.RouteChangeCounter++
	dn.recordUsage(route)

	return dn.Route, nil
}

// reconstructRoute walks the Dijkstra predecessor chain from dest back to
// self and returns it in forward (self -> dest) order.
func (lc *LinkCache) reconstructRoute(dest NodeIndex) ([]HopEntry, []LinkHandle) {
	type step struct {
		link LinkHandle
		node NodeIndex
	}
	var chain []step
	cur := dest
	for cur != selfIndex {
		lh, ok := lc.dijkstra.prevLink[cur]
		if !ok {
			return nil, nil
		}
		chain = append(chain, step{link: lh, node: cur})
		cur = lc.dijkstra.prevNode[cur]
	}

	hops := make([]HopEntry, 0, len(chain)+1)
	handles := make([]LinkHandle, 0, len(chain))
	// self's hop: in_if is always unspecified for hop 0.
	hops = append(hops, HopEntry{Addr: lc.nodes[selfIndex].Address, InIf: addr.IfUnspecified})

	for i := len(chain) - 1; i >= 0; i-- {
		l, ok := lc.links.get(chain[i].link)
		if !ok {
			return nil, nil
		}
		hops[len(hops)-1].OutIf = l.OutIf
		hops = append(hops, HopEntry{Addr: lc.nodes[chain[i].node].Address, InIf: l.InIf, Metric: l.Metric})
		handles = append(handles, chain[i].link)
	}
	hops[len(hops)-1].OutIf = addr.IfUnspecified

	return hops, handles
}

// CreateLinkInfo returns up to cfg.MaxLinkInfoEntries of self's outgoing
// links as hop entries for a Link Info option, counting truncation events.
func (lc *LinkCache) CreateLinkInfo() []HopEntry {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	self := lc.nodes[selfIndex]
	out := make([]HopEntry, 0, min(len(self.AdjOut), lc.cfg.MaxLinkInfoEntries))
	for i, lh := range self.AdjOut {
		if i >= lc.cfg.MaxLinkInfoEntries {
			lc.linkInfoTruncations++
			break
		}
		l, ok := lc.links.get(lh)
		if !ok {
			continue
		}
		out = append(out, HopEntry{
			Addr:   lc.nodes[l.Target].Address,
			InIf:   l.InIf,
			OutIf:  l.OutIf,
			Metric: l.Metric,
		})
	}
	return out
}

// LinkChanges returns the link-state change log, oldest first.
func (lc *LinkCache) LinkChanges() []LinkChangeRecord {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.linkChanges.dump()
}

// RouteChanges returns the route-selection change log, oldest first.
func (lc *LinkCache) RouteChanges() []RouteChangeRecord {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.routeChanges.dump()
}

// LinkState is a read-only snapshot of one link, for the control surface's
// "query link cache" operation.
type LinkState struct {
	Source, Target addr.VirtualAddress
	OutIf, InIf    addr.LQSRIf
	Metric         addr.LinkMetric
	RefCount       int32
	Usage          uint64
	Failures       uint64
}

// NodeState is a read-only snapshot of one cached node, for the control
// surface's "query cache node" operation.
type NodeState struct {
	Address            addr.VirtualAddress
	Degree             int
	Route              *SourceRoute
	PathMetric         uint64
	FirstUsage         addr.Time
	RouteChangeCounter uint64
	Usage              []RouteUsageEntry
}

// DumpNode returns a snapshot of the cached state for a single address.
func (lc *LinkCache) DumpNode(a addr.VirtualAddress) (NodeState, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	idx, ok := lc.nodeIndex[a]
	if !ok {
		return NodeState{}, false
	}
	n := lc.nodes[idx]
	st := NodeState{
		Address:            n.Address,
		Degree:             len(n.AdjOut),
		PathMetric:         n.PathMetric,
		FirstUsage:         n.FirstUsage,
		RouteChangeCounter: n.RouteChangeCounter,
		Usage:              append([]RouteUsageEntry(nil), n.Usage...),
	}
	if n.Route != nil {
		cp := *n.Route
		cp.Hops = append([]HopEntry(nil), n.Route.Hops...)
		st.Route = &cp
	}
	return st, true
}

// DumpLinks returns a snapshot of every link currently in the cache.
func (lc *LinkCache) DumpLinks() []LinkState {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	out := make([]LinkState, 0, len(lc.links.links))
	for _, l := range lc.links.all() {
		out = append(out, LinkState{
			Source:   lc.nodes[l.Source].Address,
			Target:   lc.nodes[l.Target].Address,
			OutIf:    l.OutIf,
			InIf:     l.InIf,
			Metric:   l.Metric,
			RefCount: l.RefCount,
			Usage:    l.Usage,
			Failures: l.Failures,
		})
	}
	return out
}
