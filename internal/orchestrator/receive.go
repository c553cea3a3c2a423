package orchestrator

import (
	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/codec"
	"github.com/meshcl/mcl/internal/linkcache"
	"github.com/meshcl/mcl/internal/maintbuf"
	"github.com/meshcl/mcl/internal/metric"
	"github.com/meshcl/mcl/internal/piggyback"
)

// ReceiveFrame is the entry point a physical adapter calls with a raw
// Ethernet frame it captured on inIf. Option
// processing follows a fixed order: route discovery, source-routed
// forwarding/delivery, reliability (route error, ack request/ack),
// diagnostics (info request/reply), metric probes, and link-state
// flooding.
func (l *LQSR) ReceiveFrame(inIf addr.LQSRIf, frame []byte) {
	p, err := codec.ParseEthernet(frame, l.macKey())
	if err != nil {
		l.counters.RecvBadMAC.Add(1)
		return
	}
	l.counters.RecvPackets.Add(1)
	now := l.clock.Now()

	if sender, ok := l.immediateSender(p); ok {
		l.neighCache.Observe(sender, inIf, p.EtherSource, now)
	}

	if p.Req != nil {
		l.handleRouteRequest(p.Req, inIf, now)
	}
	if p.SourceRoute != nil {
		l.handleSourceRoute(p, inIf, now)
	}
	for i := range p.Rep {
		l.handleRouteReply(&p.Rep[i], now)
	}
	for i := range p.Err {
		l.handleRouteError(&p.Err[i])
	}
	if p.AckReq != nil {
		l.handleAckRequest(p, inIf, now)
	}
	for i := range p.Ack {
		l.handleAck(&p.Ack[i], p, inIf, now)
	}
	if p.InfoReq != nil {
		l.handleInfoRequest(p, inIf)
	}
	if p.Probe != nil {
		l.handleProbe(p, inIf, now)
	}
	if p.ProbeReply != nil {
		l.handleProbeReply(p, inIf)
	}
	for i := range p.LinkInfo {
		l.handleLinkInfo(&p.LinkInfo[i], p, inIf)
	}
}

// immediateSender identifies who handed us this frame when the option shape
// names them explicitly (a Route Request's last appended hop, or a source
// route's previous hop). Probe/Ack/LinkInfo-only frames are attributed at
// their own call sites via neighcache.ReverseLookup instead.
func (l *LQSR) immediateSender(p *codec.SRPacket) (addr.VirtualAddress, bool) {
	switch {
	case p.SourceRoute != nil:
		n := len(p.SourceRoute.Hops)
		idx := n - int(p.SourceRoute.SegmentsLeft)
		if idx-1 >= 0 && idx-1 < n {
			return p.SourceRoute.Hops[idx-1].Addr, true
		}
	case p.Req != nil:
		return p.Req.Hops[len(p.Req.Hops)-1].Addr, true
	}
	return addr.VirtualAddress{}, false
}

// handleRouteRequest answers an inbound Route Request directly if we are
// the target, otherwise forwards a deduplicated copy with ourselves
// appended to the hop list on every adapter but the one it arrived on.
func (l *LQSR) handleRouteRequest(req *codec.RouteRequest, inIf addr.LQSRIf, now addr.Time) {
	originator := req.Hops[0].Addr

	if req.Target == l.cfg.Self {
		l.replyToRouteRequest(req, inIf)
		return
	}
	if !l.reqTable.AcceptForward(originator, req.Identifier, l.reqPathConv(req)) {
		return
	}
	if hopListContains(req.Hops, l.cfg.Self) {
		return // loop: we already forwarded this request
	}

	incomingMetric := l.lastHopMetric(req, inIf)
	fwd := &codec.RouteRequest{
		Target:     req.Target,
		Identifier: req.Identifier,
		Hops:       append(append([]codec.RouteHop(nil), req.Hops...), codec.RouteHop{Addr: l.cfg.Self, InIf: inIf, Metric: incomingMetric}),
	}
	l.broadcast(&codec.SRPacket{Req: fwd}, inIf)
}

func hopListContains(hops []codec.RouteHop, a addr.VirtualAddress) bool {
	for _, h := range hops {
		if h.Addr == a {
			return true
		}
	}
	return false
}

// reqPathConv folds a Route Request's accumulated hop metrics into the
// engine's path-comparator units, for reqtable's strictly-better-duplicate
// test.
func (l *LQSR) reqPathConv(req *codec.RouteRequest) uint64 {
	conv := make([]uint64, 0, len(req.Hops))
	for _, h := range req.Hops {
		conv = append(conv, l.engine.ConvLinkMetric(h.Metric))
	}
	return l.engine.PathMetric(conv)
}

// lastHopMetric looks up the metric of the direct link we just received
// this broadcast over, falling back to the hop-count unit when the link has
// never been probed.
func (l *LQSR) lastHopMetric(req *codec.RouteRequest, inIf addr.LQSRIf) addr.LinkMetric {
	sender := req.Hops[len(req.Hops)-1].Addr
	for _, ls := range l.linkCache.DumpLinks() {
		if ls.Source == l.cfg.Self && ls.Target == sender && ls.InIf == inIf {
			return ls.Metric
		}
	}
	if l.engine.Type() == addr.MetricHOP {
		return metric.DefaultHOPMetric
	}
	return 0
}

// replyToRouteRequest answers a Route Request addressed to us, unicasting a
// Route Reply back along the reversed request path.
func (l *LQSR) replyToRouteRequest(req *codec.RouteRequest, inIf addr.LQSRIf) {
	path := append(append([]codec.RouteHop(nil), req.Hops...),
		codec.RouteHop{Addr: l.cfg.Self, InIf: inIf, Metric: l.lastHopMetric(req, inIf)})
	reversed := reversedHops(path)
	l.installReplyLinks(path)
	l.installReplyLinks(reversed)

	// The reply travels the reversed request path, not whatever the cache
	// holds: the request proves those links forwarded a packet just now.
	route := &linkcache.SourceRoute{Hops: make([]linkcache.HopEntry, 0, len(reversed))}
	for _, h := range reversed {
		route.Hops = append(route.Hops, linkcache.HopEntry{Addr: h.Addr, InIf: h.InIf, OutIf: h.OutIf, Metric: h.Metric})
	}

	rep := codec.RouteReply{Hops: path}
	_ = l.sendViaRoute(route, nil, func(p *codec.SRPacket) { p.Rep = append(p.Rep, rep) })
}

// reversedHops turns an accumulated forward hop list into the hop list of
// the reverse path, assuming link symmetry: order flips, each hop's
// interface pair swaps, and each link's metric moves with the link.
func reversedHops(hops []codec.RouteHop) []codec.RouteHop {
	n := len(hops)
	out := make([]codec.RouteHop, n)
	for j := range out {
		src := hops[n-1-j]
		out[j] = codec.RouteHop{Addr: src.Addr, InIf: src.OutIf, OutIf: src.InIf}
		if j > 0 {
			out[j].Metric = hops[n-j].Metric
		}
	}
	return out
}

// installReplyLinks installs every consecutive hop pair of a discovered path
// into the link cache.
func (l *LQSR) installReplyLinks(hops []codec.RouteHop) {
	for i := 1; i < len(hops); i++ {
		l.linkCache.AddLink(hops[i-1].Addr, hops[i].Addr, hops[i-1].OutIf, hops[i].InIf, hops[i].Metric, linkcache.ReasonAddReply)
	}
}

// handleSourceRoute advances a source-routed packet one hop: delivering it
// to the host if this node is the final listed hop, otherwise forwarding
// it with SegmentsLeft decremented.
func (l *LQSR) handleSourceRoute(p *codec.SRPacket, inIf addr.LQSRIf, now addr.Time) {
	sr := p.SourceRoute
	n := len(sr.Hops)
	if int(sr.SegmentsLeft) > n {
		return
	}
	if l.snooping.Load() {
		l.snoopSourceRoute(sr)
	}
	newSL := sr.SegmentsLeft - 1
	currentIndex := n - int(sr.SegmentsLeft)
	if currentIndex < 0 || currentIndex >= n {
		return
	}

	if newSL == 0 {
		payload, err := l.crypto.Decrypt(p.IV, p.Payload)
		if err != nil {
			return
		}
		if len(payload) > 0 {
			_ = l.host.Deliver(payload)
		}
		return
	}

	nextIdx := currentIndex + 1
	if nextIdx >= n {
		return
	}
	nextHop := sr.Hops[nextIdx]
	outIf := sr.Hops[currentIndex].OutIf

	// End-to-end options ride along; link-local ones (ack request, acks)
	// are consumed here and regenerated per hop.
	fwd := &codec.SRPacket{
		SourceRoute: &codec.SourceRouteOption{Hops: sr.Hops, SegmentsLeft: newSL},
		Rep:         p.Rep,
		Err:         p.Err,
		InfoRep:     p.InfoRep,
		Payload:     p.Payload,
		IV:          p.IV,
	}
	if err := l.transmitHop(fwd, nextHop.Addr, outIf, nextHop.InIf, now); err != nil {
		l.routeErrorBack(sr.Hops[0].Addr, l.cfg.Self, nextHop.Addr)
		l.counters.ForwardDrop.Add(1)
		return
	}
	l.counters.Forwarded.Add(1)
}

// snoopSourceRoute opportunistically learns the links named by a source
// route passing through (or terminating at) this node.
func (l *LQSR) snoopSourceRoute(sr *codec.SourceRouteOption) {
	for i := 1; i < len(sr.Hops); i++ {
		prev, cur := sr.Hops[i-1], sr.Hops[i]
		l.linkCache.AddLink(prev.Addr, cur.Addr, prev.OutIf, cur.InIf, cur.Metric, linkcache.ReasonAddReply)
	}
}

// routeErrorBack reports a broken next hop to the original source of a
// source-routed packet we failed to forward, if we currently have a route
// back to them; if we are the source ourselves, applies it locally instead
// of routing it anywhere.
func (l *LQSR) routeErrorBack(source, brokenSource, brokenDest addr.VirtualAddress) {
	rerr := codec.RouteError{BrokenSource: brokenSource, BrokenDest: brokenDest, UnreachableDest: brokenDest}
	if source == l.cfg.Self {
		l.handleRouteError(&rerr)
		return
	}
	route, err := l.linkCache.FillSourceRoute(source)
	if err != nil {
		return
	}
	_ = l.sendViaRoute(route, nil, func(p *codec.SRPacket) { p.Err = append(p.Err, rerr) })
}

// handleRouteReply installs the discovered path's links, resets the
// origination backoff for the confirmed-reachable destination and retries
// draining anything still queued for it.
func (l *LQSR) handleRouteReply(rep *codec.RouteReply, now addr.Time) {
	if len(rep.Hops) == 0 {
		return
	}
	l.installReplyLinks(rep.Hops)
	l.installReplyLinks(reversedHops(rep.Hops))
	dest := rep.Hops[len(rep.Hops)-1].Addr
	l.reqTable.ResetBackoff(dest)
	l.drainSendBuffer(dest, now)
}

// handleRouteError penalizes the reported link and invalidates any cached
// route riding on the now-unreachable destination.
func (l *LQSR) handleRouteError(rerr *codec.RouteError) {
	l.linkCache.PenalizeAllLinks(rerr.BrokenSource, rerr.BrokenDest)
	l.linkCache.InvalidateRoute(rerr.UnreachableDest)
}

// drainSendBuffer flushes every payload queued for dest now that a route is
// believed to exist. If no route is found they are re-queued; a payload
// whose send fails is dropped and counted as a queue drop.
func (l *LQSR) drainSendBuffer(dest addr.VirtualAddress, now addr.Time) {
	entries, ok := l.sendBuf.Drain(dest, now)
	if !ok {
		return
	}
	route, err := l.linkCache.FillSourceRoute(dest)
	if err != nil {
		for _, e := range entries {
			l.sendBuf.Enqueue(dest, e.Payload, e.Queued, e.Priority)
		}
		return
	}
	for _, e := range entries {
		if err := l.sendViaRoute(route, e.Payload, nil); err != nil {
			l.counters.QueueDrop.Add(1)
		}
	}
}

// handleAckRequest schedules an Ack to ride the next packet back to
// whichever neighbor asked for one, identified by reverse physical lookup.
// A newer Ack always supersedes the pending one for that neighbor; only
// when the new request quotes the same identifier did the peer retransmit,
// meaning we held the pending Ack too long, and that is counted.
func (l *LQSR) handleAckRequest(p *codec.SRPacket, inIf addr.LQSRIf, now addr.Time) {
	sender, ok := l.neighCache.ReverseLookup(p.EtherSource, inIf)
	if !ok {
		return
	}
	ack := codec.Ack{Identifier: p.AckReq.Identifier, OutIf: p.AckReq.OutIf, InIf: p.AckReq.InIf}
	displaced := l.piggy.Add(sender, piggyback.Option{
		Kind:        piggyback.OptionAck,
		Payload:     codec.EncodeAckOption(&ack),
		Deadline:    now + MaxAckDelay,
		CoalesceKey: "ack",
	})
	if displaced == nil {
		return
	}
	old, err := codec.DecodeAckOption(displaced.Payload)
	if err != nil || old.Identifier != ack.Identifier {
		return
	}
	l.counters.RecvDupAckReq.Add(1)
	if displaced.Deadline > now {
		atomicIncrHighwater(&l.counters.AckMaxDupTime, uint64(displaced.Deadline-now))
	}
}

// handleAck applies an inbound Ack to the maintenance buffer entry it names:
// the echoed routing tuple is already in our own perspective, since we put
// it in the Ack Request the peer is answering.
func (l *LQSR) handleAck(ack *codec.Ack, p *codec.SRPacket, inIf addr.LQSRIf, now addr.Time) {
	sender, ok := l.neighCache.ReverseLookup(p.EtherSource, inIf)
	if !ok {
		return
	}
	key := maintbuf.Key{Neighbor: sender, OutIf: ack.OutIf, InIf: ack.InIf}
	l.maintBuf.Ack(key, ack.Identifier, now)
}

// handleInfoRequest answers an Info Request with a standalone Info Reply
// carrying our current link cache size.
func (l *LQSR) handleInfoRequest(p *codec.SRPacket, inIf addr.LQSRIf) {
	adapter, ok := l.adapter(inIf)
	if !ok {
		return
	}
	rep := codec.InfoReply{
		NumLinks:            uint32(len(l.linkCache.DumpLinks())),
		LinkInfoTruncations: 0,
	}
	reply := &codec.SRPacket{InfoRep: []codec.InfoReply{rep}}
	frame, err := codec.EmitEthernet(reply, adapter.MAC(), p.EtherSource, l.macKey())
	if err != nil {
		return
	}
	_ = adapter.SendFrame(frame)
}

// handleProbe dispatches an inbound metric probe to the link cache, keyed
// to whichever neighbor the physical source resolves to, and unicasts a
// reply immediately if the engine wants one (probes are latency-sensitive
// and not worth delaying for a piggyback opportunity).
func (l *LQSR) handleProbe(p *codec.SRPacket, inIf addr.LQSRIf, now addr.Time) {
	sender, ok := l.neighCache.ReverseLookup(p.EtherSource, inIf)
	if !ok {
		return
	}
	reply := l.linkCache.ReceiveProbe(sender, addr.IfUnspecified, inIf, toMetricProbe(p.Probe))
	if reply == nil {
		return
	}
	adapter, ok := l.adapter(inIf)
	if !ok {
		return
	}
	frame, err := codec.EmitEthernet(&codec.SRPacket{ProbeReply: fromMetricProbeReply(reply)}, adapter.MAC(), p.EtherSource, l.macKey())
	if err != nil {
		return
	}
	_ = adapter.SendFrame(frame)
}

// handleProbeReply applies an inbound probe reply to the originating link.
func (l *LQSR) handleProbeReply(p *codec.SRPacket, inIf addr.LQSRIf) {
	sender, ok := l.neighCache.ReverseLookup(p.EtherSource, inIf)
	if !ok {
		return
	}
	l.linkCache.ReceiveProbeReply(sender, addr.IfUnspecified, inIf, toMetricProbeReply(p.ProbeReply))
}

// handleLinkInfo installs or refreshes the adjacency entries a neighbor
// reported about itself.
func (l *LQSR) handleLinkInfo(li *codec.LinkInfo, p *codec.SRPacket, inIf addr.LQSRIf) {
	reporter, ok := l.neighCache.ReverseLookup(p.EtherSource, inIf)
	if !ok {
		return
	}
	for _, e := range li.Entries {
		l.linkCache.AddLink(reporter, e.Peer, e.OutIf, e.InIf, e.Metric, linkcache.ReasonAddReply)
	}
}

func toMetricProbe(p *codec.Probe) metric.Probe {
	mp := metric.Probe{Type: p.Type, Seq: p.Seq, Size: p.Size, SentTick: p.SentTick}
	if len(p.Counts) > 0 {
		mp.Counts = make(map[addr.VirtualAddress]uint32, len(p.Counts))
		for _, c := range p.Counts {
			mp.Counts[c.Neighbor] = c.Count
		}
	}
	return mp
}

func fromMetricProbeReply(r *metric.ProbeReply) *codec.ProbeReply {
	return &codec.ProbeReply{Type: r.Type, Seq: r.Seq, EchoedTick: r.EchoedTick, InterArrival: r.InterArrival}
}

func toMetricProbeReply(r *codec.ProbeReply) metric.ProbeReply {
	return metric.ProbeReply{Type: r.Type, Seq: r.Seq, EchoedTick: r.EchoedTick, InterArrival: r.InterArrival}
}
