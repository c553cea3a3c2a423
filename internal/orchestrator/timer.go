package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/codec"
	"github.com/meshcl/mcl/internal/maintbuf"
	"github.com/meshcl/mcl/internal/metric"
	"github.com/meshcl/mcl/internal/neighcache"
	"github.com/meshcl/mcl/internal/piggyback"
)

// tickInterval is how often the periodic timer wakes to drive probing,
// piggy-back expiry, maintenance-buffer retransmits, send-buffer expiry and
// link-info flooding; each task reads its own deadlines and no-ops between
// them.
const tickInterval = 50 * time.Millisecond

// Run drives every periodic task for this virtual adapter until ctx is
// canceled.
func (l *LQSR) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return l.runTicker(ctx) })

	return g.Wait()
}

func (l *LQSR) runTicker(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick()
		}
	}
}

// tick runs one round of every periodic maintenance concern. It is exported
// indirectly through Run/runTicker but kept callable on its own so tests can
// drive it deterministically against a fake clock.
func (l *LQSR) tick() {
	now := l.clock.Now()

	l.sendProbes(now)
	l.drainForwardQueue(now)
	l.drainDueMaintenance(now)
	l.drainDuePiggyback(now)
	l.expireSendBuffer(now)
	l.retryPendingDiscovery(now)
	l.maintBuf.Expire(now)
	l.maybeFloodLinkInfo(now)
}

// retryPendingDiscovery re-originates a Route Request for every destination
// still waiting in the send buffer, subject to the request table's backoff.
func (l *LQSR) retryPendingDiscovery(now addr.Time) {
	for _, dest := range l.sendBuf.Destinations() {
		if route, err := l.linkCache.FillSourceRoute(dest); err == nil && route != nil {
			l.drainSendBuffer(dest, now)
			continue
		}
		if l.reqTable.ShouldOriginate(dest, now) {
			l.originateRouteRequest(dest)
		}
	}
}

// drainForwardQueue flushes broadcasts held back by the broadcast-gap pacer.
// One timer tick is longer than the gap, so the whole queue can go out.
func (l *LQSR) drainForwardQueue(now addr.Time) {
	l.mu.Lock()
	queued := l.forwardQueue
	l.forwardQueue = nil
	if len(queued) > 0 {
		l.lastBroadcast = now
	}
	l.mu.Unlock()

	for _, t := range queued {
		l.broadcastNow(t.pkt, t.exclude)
	}
}

// sendProbes drives every link's metric-engine probe schedule and
// transmits whatever it returns.
func (l *LQSR) sendProbes(now addr.Time) {
	tasks, _ := l.linkCache.SendProbes(now)
	for _, t := range tasks {
		adapter, ok := l.adapter(t.OutIf)
		if !ok {
			continue
		}
		entry, ok := l.neighCache.Lookup(t.Neighbor, t.OutIf)
		phys := addr.BroadcastPhysical
		if ok {
			phys = entry.Physical
		}
		cp := fromMetricProbeToCodec(t.Probe)
		frame, err := codec.EmitEthernet(&codec.SRPacket{Probe: cp}, adapter.MAC(), phys, l.macKey())
		if err != nil {
			continue
		}
		if err := adapter.SendFrame(frame); err != nil {
			continue
		}
		l.counters.SentPackets.Add(1)
	}
}

func fromMetricProbeToCodec(p metric.Probe) *codec.Probe {
	cp := &codec.Probe{Type: p.Type, Seq: p.Seq, Size: p.Size, SentTick: p.SentTick}
	for n, c := range p.Counts {
		cp.Counts = append(cp.Counts, codec.ProbeCount{Neighbor: n, Count: c})
	}
	return cp
}

// drainDueMaintenance asks the maintenance buffer which neighbors need a
// retransmit or a broken-link declaration, acting on each.
func (l *LQSR) drainDueMaintenance(now addr.Time) {
	for _, ev := range l.maintenanceTick(now) {
		if ev.LinkBroken {
			l.neighCache.MarkState(ev.Key.Neighbor, ev.Key.OutIf, neighcache.StateFailed)
			l.linkCache.PenalizeAllLinks(l.cfg.Self, ev.Key.Neighbor)
			l.linkCache.InvalidateRoute(ev.Key.Neighbor)
			l.reportBrokenLink(ev.Key.Neighbor, ev.Dropped)
			continue
		}
		if ev.Retransmit != nil {
			if adapter, ok := l.adapter(ev.Key.OutIf); ok {
				_ = adapter.SendFrame(ev.Retransmit)
			}
		}
	}
}

func (l *LQSR) maintenanceTick(now addr.Time) []maintbuf.Event {
	return l.maintBuf.Tick(now)
}

// reportBrokenLink sends a Route Error to the originator of every frame the
// maintenance buffer abandoned when it declared neighbor unreachable.
func (l *LQSR) reportBrokenLink(neighbor addr.VirtualAddress, dropped [][]byte) {
	seen := make(map[addr.VirtualAddress]bool)
	for _, frame := range dropped {
		p, err := codec.ParseEthernet(frame, l.macKey())
		if err != nil || p.SourceRoute == nil {
			continue
		}
		origin := p.SourceRoute.Hops[0].Addr
		if seen[origin] {
			continue
		}
		seen[origin] = true
		l.routeErrorBack(origin, l.cfg.Self, neighbor)
	}
}

// drainDuePiggyback forces a standalone frame for any neighbor whose
// piggybacked option missed its deadline without a data packet to ride on.
func (l *LQSR) drainDuePiggyback(now addr.Time) {
	for nextHop, opts := range l.piggy.Due(now) {
		adapter := l.adapterToward(nextHop)
		if adapter == nil {
			continue
		}
		p := &codec.SRPacket{}
		for _, o := range opts {
			switch o.Kind {
			case piggyback.OptionAck:
				if ack, err := codec.DecodeAckOption(o.Payload); err == nil {
					p.Ack = append(p.Ack, *ack)
				}
			case piggyback.OptionRouteReply:
				if rep, err := codec.DecodeRouteReplyOption(o.Payload); err == nil {
					p.Rep = append(p.Rep, *rep)
				}
			case piggyback.OptionRouteError:
				if rerr, err := codec.DecodeRouteErrorOption(o.Payload); err == nil {
					p.Err = append(p.Err, *rerr)
				}
			}
		}
		entry, ok := l.neighCache.Lookup(nextHop, adapter.Index())
		phys := addr.BroadcastPhysical
		if ok {
			phys = entry.Physical
		}
		frame, err := codec.EmitEthernet(p, adapter.MAC(), phys, l.macKey())
		if err != nil {
			continue
		}
		if adapter.SendFrame(frame) == nil {
			l.counters.PiggybackAlone.Add(1)
			l.counters.SentPackets.Add(1)
		}
	}
}

// adapterToward picks the adapter the neighbor cache last saw nextHop on,
// falling back to any attached adapter.
func (l *LQSR) adapterToward(nextHop addr.VirtualAddress) PhysicalAdapter {
	all := l.allAdapters()
	if len(all) == 0 {
		return nil
	}
	for _, a := range all {
		if _, ok := l.neighCache.Lookup(nextHop, a.Index()); ok {
			return a
		}
	}
	return all[0]
}

// expireSendBuffer drops send-buffer entries older than their timeout,
// counting each as a queue drop.
func (l *LQSR) expireSendBuffer(now addr.Time) {
	dropped := l.sendBuf.Expire(now)
	if dropped > 0 {
		l.counters.QueueDrop.Add(uint64(dropped))
	}
}

// maybeFloodLinkInfo broadcasts self's current adjacency once per
// LinkInfoPeriod.
func (l *LQSR) maybeFloodLinkInfo(now addr.Time) {
	l.mu.Lock()
	due := now-l.lastLinkInfo >= LinkInfoPeriod
	if due {
		l.lastLinkInfo = now
	}
	l.mu.Unlock()
	if !due {
		return
	}

	hops := l.linkCache.CreateLinkInfo()
	if len(hops) == 0 {
		return
	}
	entries := make([]codec.LinkInfoEntry, 0, len(hops))
	for _, h := range hops {
		entries = append(entries, codec.LinkInfoEntry{Peer: h.Addr, InIf: h.InIf, OutIf: h.OutIf, Metric: h.Metric})
	}
	l.broadcast(&codec.SRPacket{LinkInfo: []codec.LinkInfo{{Entries: entries}}}, addr.IfUnspecified)
}
