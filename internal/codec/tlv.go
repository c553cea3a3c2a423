package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/errs"
)

const (
	addrLen          = 6
	hopLen           = addrLen + 1 + 1 + 4 // Addr + InIf + OutIf + Metric
	srHopLen         = addrLen + 1 + 1 + 4
	linkInfoEntryLen = addrLen + 1 + 1 + 4
	probeCountLen    = addrLen + 4
)

func putAddr(b []byte, a addr.VirtualAddress) { copy(b, a[:]) }

func getAddr(b []byte) addr.VirtualAddress {
	var a addr.VirtualAddress
	copy(a[:], b)
	return a
}

func encodeRouteRequest(r *RouteRequest) ([]byte, error) {
	n := addrLen + 4 + len(r.Hops)*hopLen
	if n > 255 {
		return nil, fmt.Errorf("%w: route request too long", errs.ErrInvalidPacket)
	}
	out := make([]byte, n)
	putAddr(out[0:addrLen], r.Target)
	binary.BigEndian.PutUint32(out[addrLen:addrLen+4], r.Identifier)
	off := addrLen + 4
	for _, h := range r.Hops {
		putRouteHop(out[off:off+hopLen], h)
		off += hopLen
	}
	return out, nil
}

func putRouteHop(b []byte, h RouteHop) {
	putAddr(b[0:addrLen], h.Addr)
	b[addrLen] = byte(h.InIf)
	b[addrLen+1] = byte(h.OutIf)
	binary.BigEndian.PutUint32(b[addrLen+2:hopLen], uint32(h.Metric))
}

func getRouteHop(b []byte) RouteHop {
	return RouteHop{
		Addr:   getAddr(b[0:addrLen]),
		InIf:   addr.LQSRIf(b[addrLen]),
		OutIf:  addr.LQSRIf(b[addrLen+1]),
		Metric: addr.LinkMetric(binary.BigEndian.Uint32(b[addrLen+2 : hopLen])),
	}
}

func decodeRouteRequest(data []byte) (*RouteRequest, error) {
	if len(data) < addrLen+4 || (len(data)-addrLen-4)%hopLen != 0 {
		return nil, fmt.Errorf("%w: malformed route request", errs.ErrInvalidPacket)
	}
	r := &RouteRequest{
		Target:     getAddr(data[0:addrLen]),
		Identifier: binary.BigEndian.Uint32(data[addrLen : addrLen+4]),
	}
	off := addrLen + 4
	for off < len(data) {
		r.Hops = append(r.Hops, getRouteHop(data[off:off+hopLen]))
		off += hopLen
	}
	if len(r.Hops) < 1 {
		return nil, fmt.Errorf("%w: route request needs at least one hop", errs.ErrInvalidPacket)
	}
	return r, nil
}

func encodeRouteReply(r *RouteReply) ([]byte, error) {
	n := len(r.Hops) * hopLen
	if n > 255 {
		return nil, fmt.Errorf("%w: route reply too long", errs.ErrInvalidPacket)
	}
	out := make([]byte, n)
	off := 0
	for _, h := range r.Hops {
		putRouteHop(out[off:off+hopLen], h)
		off += hopLen
	}
	return out, nil
}

func decodeRouteReply(data []byte) (*RouteReply, error) {
	if len(data)%hopLen != 0 || len(data)/hopLen < 2 {
		return nil, fmt.Errorf("%w: route reply needs at least two hops", errs.ErrInvalidPacket)
	}
	r := &RouteReply{}
	for off := 0; off < len(data); off += hopLen {
		r.Hops = append(r.Hops, getRouteHop(data[off:off+hopLen]))
	}
	return r, nil
}

const routeErrorLen = addrLen * 3

func encodeRouteError(r *RouteError) []byte {
	out := make([]byte, routeErrorLen)
	putAddr(out[0:addrLen], r.BrokenSource)
	putAddr(out[addrLen:2*addrLen], r.BrokenDest)
	putAddr(out[2*addrLen:3*addrLen], r.UnreachableDest)
	return out
}

func decodeRouteError(data []byte) (*RouteError, error) {
	if len(data) != routeErrorLen {
		return nil, fmt.Errorf("%w: malformed route error", errs.ErrInvalidPacket)
	}
	return &RouteError{
		BrokenSource:    getAddr(data[0:addrLen]),
		BrokenDest:      getAddr(data[addrLen : 2*addrLen]),
		UnreachableDest: getAddr(data[2*addrLen : 3*addrLen]),
	}, nil
}

func encodeSourceRoute(s *SourceRouteOption) ([]byte, error) {
	n := 1 + len(s.Hops)*srHopLen
	if n > 255 {
		return nil, fmt.Errorf("%w: source route too long", errs.ErrInvalidPacket)
	}
	out := make([]byte, n)
	out[0] = s.SegmentsLeft
	off := 1
	for _, h := range s.Hops {
		putAddr(out[off:off+addrLen], h.Addr)
		out[off+addrLen] = byte(h.InIf)
		out[off+addrLen+1] = byte(h.OutIf)
		binary.BigEndian.PutUint32(out[off+addrLen+2:off+srHopLen], uint32(h.Metric))
		off += srHopLen
	}
	return out, nil
}

func decodeSourceRoute(data []byte) (*SourceRouteOption, error) {
	if len(data) < 1 || (len(data)-1)%srHopLen != 0 {
		return nil, fmt.Errorf("%w: malformed source route", errs.ErrInvalidPacket)
	}
	s := &SourceRouteOption{SegmentsLeft: data[0]}
	for off := 1; off < len(data); off += srHopLen {
		s.Hops = append(s.Hops, SourceRouteHop{
			Addr:   getAddr(data[off : off+addrLen]),
			InIf:   addr.LQSRIf(data[off+addrLen]),
			OutIf:  addr.LQSRIf(data[off+addrLen+1]),
			Metric: addr.LinkMetric(binary.BigEndian.Uint32(data[off+addrLen+2 : off+srHopLen])),
		})
	}
	if len(s.Hops) < 2 {
		return nil, fmt.Errorf("%w: source route needs at least two hops", errs.ErrInvalidPacket)
	}
	if !(s.SegmentsLeft > 0 && int(s.SegmentsLeft) < len(s.Hops)) {
		return nil, fmt.Errorf("%w: source route segments_left out of range", errs.ErrInvalidPacket)
	}
	return s, nil
}

const ackRequestLen = 4 + 1 + 1

func encodeAckRequest(a *AckRequest) []byte {
	out := make([]byte, ackRequestLen)
	binary.BigEndian.PutUint32(out, a.Identifier)
	out[4] = byte(a.OutIf)
	out[5] = byte(a.InIf)
	return out
}

func decodeAckRequest(data []byte) (*AckRequest, error) {
	if len(data) != ackRequestLen {
		return nil, fmt.Errorf("%w: malformed ack request", errs.ErrInvalidPacket)
	}
	return &AckRequest{
		Identifier: binary.BigEndian.Uint32(data),
		OutIf:      addr.LQSRIf(data[4]),
		InIf:       addr.LQSRIf(data[5]),
	}, nil
}

const ackLen = 4 + 1 + 1

func encodeAck(a *Ack) []byte {
	out := make([]byte, ackLen)
	binary.BigEndian.PutUint32(out, a.Identifier)
	out[4] = byte(a.OutIf)
	out[5] = byte(a.InIf)
	return out
}

func decodeAck(data []byte) (*Ack, error) {
	if len(data) != ackLen {
		return nil, fmt.Errorf("%w: malformed ack", errs.ErrInvalidPacket)
	}
	return &Ack{
		Identifier: binary.BigEndian.Uint32(data),
		OutIf:      addr.LQSRIf(data[4]),
		InIf:       addr.LQSRIf(data[5]),
	}, nil
}

func decodeInfoRequest(data []byte) (*InfoRequest, error) {
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: malformed info request", errs.ErrInvalidPacket)
	}
	return &InfoRequest{}, nil
}

const infoReplyLen = 12

func encodeInfoReply(r *InfoReply) []byte {
	out := make([]byte, infoReplyLen)
	binary.BigEndian.PutUint32(out[0:4], r.NumLinks)
	binary.BigEndian.PutUint32(out[4:8], r.NumRoutes)
	binary.BigEndian.PutUint32(out[8:12], r.LinkInfoTruncations)
	return out
}

func decodeInfoReply(data []byte) (*InfoReply, error) {
	if len(data) != infoReplyLen {
		return nil, fmt.Errorf("%w: malformed info reply", errs.ErrInvalidPacket)
	}
	return &InfoReply{
		NumLinks:            binary.BigEndian.Uint32(data[0:4]),
		NumRoutes:           binary.BigEndian.Uint32(data[4:8]),
		LinkInfoTruncations: binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

const probeFixedLen = 1 + 4 + 4 + 8

func encodeProbe(p *Probe) ([]byte, error) {
	n := probeFixedLen + len(p.Counts)*probeCountLen
	if n > 255 {
		return nil, fmt.Errorf("%w: probe too long", errs.ErrInvalidPacket)
	}
	out := make([]byte, n)
	out[0] = byte(p.Type)
	binary.BigEndian.PutUint32(out[1:5], p.Seq)
	binary.BigEndian.PutUint32(out[5:9], p.Size)
	binary.BigEndian.PutUint64(out[9:17], uint64(p.SentTick))
	off := probeFixedLen
	for _, c := range p.Counts {
		putAddr(out[off:off+addrLen], c.Neighbor)
		binary.BigEndian.PutUint32(out[off+addrLen:off+probeCountLen], c.Count)
		off += probeCountLen
	}
	return out, nil
}

func decodeProbe(data []byte) (*Probe, error) {
	if len(data) < probeFixedLen || (len(data)-probeFixedLen)%probeCountLen != 0 {
		return nil, fmt.Errorf("%w: malformed probe", errs.ErrInvalidPacket)
	}
	p := &Probe{
		Type:     addr.MetricType(data[0]),
		Seq:      binary.BigEndian.Uint32(data[1:5]),
		Size:     binary.BigEndian.Uint32(data[5:9]),
		SentTick: addr.Time(binary.BigEndian.Uint64(data[9:17])),
	}
	for off := probeFixedLen; off < len(data); off += probeCountLen {
		p.Counts = append(p.Counts, ProbeCount{
			Neighbor: getAddr(data[off : off+addrLen]),
			Count:    binary.BigEndian.Uint32(data[off+addrLen : off+probeCountLen]),
		})
	}
	return p, nil
}

const probeReplyLen = 1 + 4 + 8 + 8

func encodeProbeReply(r *ProbeReply) []byte {
	out := make([]byte, probeReplyLen)
	out[0] = byte(r.Type)
	binary.BigEndian.PutUint32(out[1:5], r.Seq)
	binary.BigEndian.PutUint64(out[5:13], uint64(r.EchoedTick))
	binary.BigEndian.PutUint64(out[13:21], uint64(r.InterArrival))
	return out
}

func decodeProbeReply(data []byte) (*ProbeReply, error) {
	if len(data) != probeReplyLen {
		return nil, fmt.Errorf("%w: malformed probe reply", errs.ErrInvalidPacket)
	}
	return &ProbeReply{
		Type:         addr.MetricType(data[0]),
		Seq:          binary.BigEndian.Uint32(data[1:5]),
		EchoedTick:   addr.Time(binary.BigEndian.Uint64(data[5:13])),
		InterArrival: addr.Time(binary.BigEndian.Uint64(data[13:21])),
	}, nil
}

func encodeLinkInfo(l *LinkInfo) ([]byte, error) {
	n := len(l.Entries) * linkInfoEntryLen
	if n > 255 {
		return nil, fmt.Errorf("%w: link info too long", errs.ErrInvalidPacket)
	}
	out := make([]byte, n)
	off := 0
	for _, e := range l.Entries {
		putAddr(out[off:off+addrLen], e.Peer)
		out[off+addrLen] = byte(e.InIf)
		out[off+addrLen+1] = byte(e.OutIf)
		binary.BigEndian.PutUint32(out[off+addrLen+2:off+linkInfoEntryLen], uint32(e.Metric))
		off += linkInfoEntryLen
	}
	return out, nil
}

func decodeLinkInfo(data []byte) (*LinkInfo, error) {
	if len(data)%linkInfoEntryLen != 0 || len(data) == 0 {
		return nil, fmt.Errorf("%w: malformed link info", errs.ErrInvalidPacket)
	}
	l := &LinkInfo{}
	for off := 0; off < len(data); off += linkInfoEntryLen {
		l.Entries = append(l.Entries, LinkInfoEntry{
			Peer:   getAddr(data[off : off+addrLen]),
			InIf:   addr.LQSRIf(data[off+addrLen]),
			OutIf:  addr.LQSRIf(data[off+addrLen+1]),
			Metric: addr.LinkMetric(binary.BigEndian.Uint32(data[off+addrLen+2 : off+linkInfoEntryLen])),
		})
	}
	return l, nil
}
