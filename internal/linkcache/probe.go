package linkcache

import (
	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/metric"
)

// ProbeTask is one metric-engine probe the orchestrator should transmit to
// a neighbor over a specific outgoing interface.
type ProbeTask struct {
	Neighbor addr.VirtualAddress
	OutIf    addr.LQSRIf
	Probe    metric.Probe
}

// broadcastCounts reports self's locally observed per-neighbor receive
// counts for ETX/WCETT broadcast probes. Kept outside the Engine capability
// set (fixed at nine methods); dispatch here is a value-typed-tag switch.
func (lc *LinkCache) broadcastCounts() map[addr.VirtualAddress]uint32 {
	self := lc.nodes[selfIndex]
	var historyLen func(metric.State) uint32
	switch e := lc.engine.(type) {
	case *metric.ETXEngine:
		historyLen = e.HistoryLen
	case *metric.WCETTEngine:
		historyLen = e.HistoryLen
	default:
		return nil
	}

	counts := make(map[addr.VirtualAddress]uint32, len(self.AdjOut))
	for _, lh := range self.AdjOut {
		l, ok := lc.links.get(lh)
		if !ok {
			continue
		}
		counts[lc.nodes[l.Target].Address] = historyLen(l.MetricState)
	}
	return counts
}

// SendProbes drives every outgoing link's metric engine probe schedule,
// returning the probes to transmit now and the earliest tick at which
// SendProbes should be called again.
func (lc *LinkCache) SendProbes(now addr.Time) ([]ProbeTask, addr.Time) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	self := lc.nodes[selfIndex]
	nextAt := addr.MaxTime
	var tasks []ProbeTask
	counts := lc.broadcastCounts()

	for _, lh := range self.AdjOut {
		l, ok := lc.links.get(lh)
		if !ok {
			continue
		}
		probes, next := lc.engine.SendProbes(now, l.MetricState)
		if len(probes) == 0 && next == now {
			// The engine has an outstanding probe it now considers lost
			// (the RTT sweep); Penalize both scores the loss
			// and clears the engine's own outstanding-probe bookkeeping.
			old := l.Metric
			l.Metric = lc.engine.Penalize(now, l.MetricState, l.Metric)
			l.Failures++
			lc.maybeInvalidateDijkstra(old, l.Metric, now)
			lc.logLinkChange(self.Address, lc.nodes[l.Target].Address, l.Metric, ReasonPenalized)
			continue
		}
		if next < nextAt {
			nextAt = next
		}
		for _, p := range probes {
			if counts != nil && p.Type != addr.MetricRTT && p.Type != addr.MetricPktPair {
				p.Counts = cloneCounts(counts)
			}
			tasks = append(tasks, ProbeTask{Neighbor: lc.nodes[l.Target].Address, OutIf: l.OutIf, Probe: p})
		}
	}
	return tasks, nextAt
}

func cloneCounts(m map[addr.VirtualAddress]uint32) map[addr.VirtualAddress]uint32 {
	// Each probe gets its own copy, so no two probes share one map.
	out := make(map[addr.VirtualAddress]uint32, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ReceiveProbe dispatches an inbound Probe to the link representing self's
// adjacency to from (creating it on first sighting with a zero metric and
// fresh engine state), recording arrival history and folding in any
// reported forward counts. Returns the reply to send back, if the metric
// wants one.
func (lc *LinkCache) ReceiveProbe(from addr.VirtualAddress, outIf, inIf addr.LQSRIf, p metric.Probe) *metric.ProbeReply {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	now := lc.clock.Now()
	ti := lc.lookupOrCreateNode(from)

	lh, l, ok := lc.findLink(selfIndex, ti, outIf, inIf)
	if !ok {
		st := lc.engine.InitLink()
		lh = lc.links.create(Link{Source: selfIndex, Target: ti, OutIf: outIf, InIf: inIf, MetricState: st, TimeStamp: now})
		l, _ = lc.links.get(lh)
		self := lc.nodes[selfIndex]
		self.AdjOut = append(self.AdjOut, lh)
		lc.nodes[ti].AdjIn = append(lc.nodes[ti].AdjIn, lh)
	}

	reply := lc.engine.ReceiveProbe(now, l.MetricState, p)

	if fwd, ok := fwdCountFor(p, lc.nodes[selfIndex].Address); ok {
		old := l.Metric
		switch e := lc.engine.(type) {
		case *metric.ETXEngine:
			l.Metric = e.UpdateFromBroadcast(now, l.MetricState, l.Metric, fwd)
		case *metric.WCETTEngine:
			l.Metric = e.UpdateLoss(now, l.MetricState, fwd)
		}
		lc.maybeInvalidateDijkstra(old, l.Metric, now)
	}
	l.TimeStamp = now
	return reply
}

func fwdCountFor(p metric.Probe, self addr.VirtualAddress) (uint32, bool) {
	count, ok := p.Counts[self]
	return count, ok
}

// ReceiveProbeReply applies a unicast ProbeReply to the link self->from,
// updating its LinkMetric and refreshing its time stamp.
func (lc *LinkCache) ReceiveProbeReply(from addr.VirtualAddress, outIf, inIf addr.LQSRIf, r metric.ProbeReply) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	ti, ok := lc.nodeIndex[from]
	if !ok {
		return
	}
	_, l, ok := lc.findLink(selfIndex, ti, outIf, inIf)
	if !ok {
		return
	}
	now := lc.clock.Now()
	old := l.Metric
	l.Metric = lc.engine.ReceiveProbeReply(now, l.MetricState, l.Metric, r)
	l.TimeStamp = now
	lc.maybeInvalidateDijkstra(old, l.Metric, now)
}

// Self returns this link cache's own virtual address (node index 0).
func (lc *LinkCache) Self() addr.VirtualAddress {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.nodes[selfIndex].Address
}
