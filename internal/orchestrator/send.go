package orchestrator

import (
	"encoding/binary"
	"fmt"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/codec"
	"github.com/meshcl/mcl/internal/errs"
	"github.com/meshcl/mcl/internal/linkcache"
	"github.com/meshcl/mcl/internal/maintbuf"
	"github.com/meshcl/mcl/internal/piggyback"
)

// Send is the host-originated data path: if a source
// route to dest is already cached, the payload goes straight into the
// maintenance buffer; otherwise it waits in the send buffer for a Route
// Reply to arrive, and a Route Request is originated (subject to
// reqtable's exponential backoff).
func (l *LQSR) Send(dest addr.VirtualAddress, payload []byte) error {
	now := l.clock.Now()

	if dest == l.cfg.Self {
		return l.host.Deliver(payload)
	}

	route, err := l.linkCache.FillSourceRoute(dest)
	if err == nil {
		return l.sendViaRoute(route, payload, nil)
	}
	if err != errs.ErrNoRoute {
		return err
	}

	l.sendBuf.Enqueue(dest, payload, now, false)
	if l.reqTable.ShouldOriginate(dest, now) {
		l.originateRouteRequest(dest)
	}
	return nil
}

// originateRouteRequest broadcasts a fresh Route Request for dest on every
// attached adapter, the originator's hop list starting with just itself.
func (l *LQSR) originateRouteRequest(dest addr.VirtualAddress) {
	l.mu.Lock()
	id := l.nextReqID.next()
	l.mu.Unlock()

	req := &codec.RouteRequest{
		Target:     dest,
		Identifier: id,
		Hops:       []codec.RouteHop{{Addr: l.cfg.Self}},
	}
	l.broadcast(&codec.SRPacket{Req: req}, addr.IfUnspecified)
}

// broadcast emits p as an Ethernet-broadcast frame on every adapter other
// than exclude (the interface a forwarded request arrived on, or
// IfUnspecified to broadcast on all of them). Broadcasts are paced at
// MinBroadcastGap: a broadcast arriving inside the gap is queued (bounded at
// MaxForwardQueue) and drained by the periodic timer.
func (l *LQSR) broadcast(p *codec.SRPacket, exclude addr.LQSRIf) {
	now := l.clock.Now()

	l.mu.Lock()
	if now-l.lastBroadcast < MinBroadcastGap {
		if len(l.forwardQueue) >= MaxForwardQueue {
			l.mu.Unlock()
			l.counters.ForwardDrop.Add(1)
			return
		}
		l.forwardQueue = append(l.forwardQueue, forwardTask{pkt: p, exclude: exclude})
		depth := uint64(len(l.forwardQueue))
		l.mu.Unlock()
		atomicIncrHighwater(&l.counters.MaxForwardQueueDepth, depth)
		return
	}
	l.lastBroadcast = now
	l.mu.Unlock()

	l.broadcastNow(p, exclude)
}

func (l *LQSR) broadcastNow(p *codec.SRPacket, exclude addr.LQSRIf) {
	for _, a := range l.allAdapters() {
		if a.Index() == exclude {
			continue
		}
		if p.Req != nil && len(p.Req.Hops) > 0 {
			// The last appended hop (ours, when forwarding or originating)
			// records the interface each copy actually leaves on.
			p.Req.Hops[len(p.Req.Hops)-1].OutIf = a.Index()
		}
		frame, err := codec.EmitEthernet(p, a.MAC(), addr.BroadcastPhysical, l.macKey())
		if err != nil {
			l.log.Warnw("failed to encode broadcast frame", "error", err)
			continue
		}
		if err := a.SendFrame(frame); err != nil {
			l.log.Debugw("broadcast send failed", "interface", a.Index(), "error", err)
			continue
		}
		l.counters.SentPackets.Add(1)
	}
}

// sendViaRoute source-routes payload along route, attaching extra (a Route
// Reply or Route Error riding with it) when non-nil, and hands the
// assembled frame to the maintenance buffer for the first hop.
func (l *LQSR) sendViaRoute(route *linkcache.SourceRoute, payload []byte, extra func(*codec.SRPacket)) error {
	if len(route.Hops) < 2 {
		return fmt.Errorf("orchestrator: route has fewer than two hops")
	}
	now := l.clock.Now()

	sr := &codec.SourceRouteOption{SegmentsLeft: uint8(len(route.Hops) - 1)}
	for _, h := range route.Hops {
		sr.Hops = append(sr.Hops, codec.SourceRouteHop{Addr: h.Addr, InIf: h.InIf, OutIf: h.OutIf, Metric: h.Metric})
	}

	p := &codec.SRPacket{SourceRoute: sr}
	if extra != nil {
		extra(p)
	}
	if len(payload) > 0 {
		binary.BigEndian.PutUint32(p.IV[0:4], l.rand.Uint32())
		binary.BigEndian.PutUint32(p.IV[4:8], l.rand.Uint32())
		binary.BigEndian.PutUint32(p.IV[8:12], l.rand.Uint32())
		binary.BigEndian.PutUint32(p.IV[12:16], l.rand.Uint32())
		enc, err := l.crypto.Encrypt(p.IV, payload)
		if err != nil {
			return err
		}
		p.Payload = enc
	}

	nextHop := route.Hops[1]
	outIf := route.Hops[0].OutIf
	return l.transmitHop(p, nextHop.Addr, outIf, nextHop.InIf, now)
}

// transmitHop attaches any due piggyback options for nextHop, assembles the
// Ethernet frame and both transmits it immediately and registers it with
// the maintenance buffer for retransmit/ack tracking.
func (l *LQSR) transmitHop(p *codec.SRPacket, nextHop addr.VirtualAddress, outIf, inIf addr.LQSRIf, now addr.Time) error {
	adapter, ok := l.adapter(outIf)
	if !ok {
		return fmt.Errorf("orchestrator: no adapter for interface %d", outIf)
	}

	if l.artificialDrop.Load() && l.linkCache.CheckForDrop(l.cfg.Self, nextHop, outIf, inIf) {
		return nil // injected fault: pretend the air ate it
	}

	l.attachPiggyback(p, nextHop, adapter.MTU())

	entry, ok := l.neighCache.Lookup(nextHop, outIf)
	phys := addr.BroadcastPhysical
	if ok {
		phys = entry.Physical
	}

	key := maintbuf.Key{Neighbor: nextHop, OutIf: outIf, InIf: inIf}
	frame, _, err := l.maintBuf.Send(key, now, func(ackID uint32, withAck bool) ([]byte, error) {
		if withAck {
			p.AckReq = &codec.AckRequest{Identifier: ackID, OutIf: outIf, InIf: inIf}
		}
		return codec.EmitEthernet(p, adapter.MAC(), phys, l.macKey())
	})
	if err != nil {
		return err
	}
	if err := adapter.SendFrame(frame); err != nil {
		return err
	}
	l.counters.SentPackets.Add(1)
	return nil
}

// attachPiggyback pulls as many pending options for nextHop as fit within
// the adapter's MTU budget and folds them into p before it is serialized.
func (l *LQSR) attachPiggyback(p *codec.SRPacket, nextHop addr.VirtualAddress, mtu int) {
	opts := l.piggy.Take(nextHop, mtu/4)
	if len(opts) == 0 {
		return
	}
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
	l.counters.PiggybackCarried.Add(uint64(len(opts)))
}
