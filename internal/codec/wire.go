// Package codec converts between the on-wire LQSR frame and the in-memory
// SRPacket, verifying the keyed MAC and the shape of every option.
package codec

import (
	"github.com/meshcl/mcl/internal/addr"
)

// EtherType is the Ethernet frame's EtherType value for LQSR traffic,
// chosen to avoid any IANA-assigned EtherType since the value itself
// carries no protocol meaning beyond "the two ends agree".
const EtherType = 0x8781

// Code is the single valid value of the LQSR header's Code byte.
const Code = 1

// MACLength is the truncated HMAC length carried in the LQSR header.
const MACLength = 16

// IVLength is the initialization vector length carried in the LQSR header,
// sized to the crypto collaborator's block size.
const IVLength = 16

// fixedHeaderLength is Code + MAC + IV + HeaderLength, the bytes preceding
// the option TLV stream.
const fixedHeaderLength = 1 + MACLength + IVLength + 2

// MinFrameSize is PROTOCOL_MIN_FRAME_SIZE: header + options must fit within
// this many bytes, exclusive of the Ethernet envelope.
const MinFrameSize = 1500

// optionType tags each TLV in the header's option stream.
type optionType uint8

const (
	optPad1 optionType = iota
	optPadN
	optRouteRequest
	optRouteReply
	optRouteError
	optSourceRoute
	optAckRequest
	optAck
	optInfoRequest
	optInfoReply
	optProbe
	optProbeReply
	optLinkInfo
)

// RouteHop is one accumulated hop in a Route Request or Route Reply: the
// node's address, the interface pair it relayed the packet over, and the
// metric of the link it was reached over.
type RouteHop struct {
	Addr   addr.VirtualAddress
	InIf   addr.LQSRIf
	OutIf  addr.LQSRIf
	Metric addr.LinkMetric
}

// RouteRequest is the broadcast route discovery option. Hops[0] is always
// the originator; later entries are appended by each forwarder.
type RouteRequest struct {
	Target     addr.VirtualAddress
	Identifier uint32
	Hops       []RouteHop
}

// RouteReply carries the accumulated path back to a Route Request's
// originator.
type RouteReply struct {
	Hops []RouteHop
}

// RouteError reports a broken link discovered while forwarding along a
// source route.
type RouteError struct {
	BrokenSource     addr.VirtualAddress
	BrokenDest       addr.VirtualAddress
	UnreachableDest  addr.VirtualAddress
}

// SourceRouteHop is one hop of an on-wire source route: the incoming and
// outgoing interface the packet should use at that node, and the metric of
// the link it was reached over, so nodes along the way can snoop the route.
type SourceRouteHop struct {
	Addr   addr.VirtualAddress
	InIf   addr.LQSRIf
	OutIf  addr.LQSRIf
	Metric addr.LinkMetric
}

// SourceRouteOption is the source-routing option steering a data packet
// hop by hop.
type SourceRouteOption struct {
	Hops         []SourceRouteHop
	SegmentsLeft uint8
}

// AckRequest asks the recipient to piggyback (or send standalone) an Ack
// for the enclosing packet. OutIf/InIf name the link the request travelled,
// from the requester's perspective.
type AckRequest struct {
	Identifier uint32
	OutIf      addr.LQSRIf
	InIf       addr.LQSRIf
}

// Ack acknowledges receipt of a previously Ack-requested packet, echoing
// the request's identifier and routing tuple so the requester can match it
// to the right maintenance queue.
type Ack struct {
	Identifier uint32
	OutIf      addr.LQSRIf
	InIf       addr.LQSRIf
}

// InfoRequest asks a neighbor to report its link cache statistics.
type InfoRequest struct{}

// InfoReply answers an InfoRequest.
type InfoReply struct {
	NumLinks           uint32
	NumRoutes          uint32
	LinkInfoTruncations uint32
}

// ProbeCount is one neighbor's observed forward count, used by the ETX
// broadcast probe to report loss in the reverse direction.
type ProbeCount struct {
	Neighbor addr.VirtualAddress
	Count    uint32
}

// Probe is a metric-engine probe, unicast (RTT, PktPair) or broadcast
// (ETX).
type Probe struct {
	Type     addr.MetricType
	Seq      uint32
	Size     uint32
	SentTick addr.Time
	Counts   []ProbeCount
}

// ProbeReply answers a unicast Probe.
type ProbeReply struct {
	Type         addr.MetricType
	Seq          uint32
	EchoedTick   addr.Time
	InterArrival addr.Time
}

// LinkInfoEntry is one outgoing link reported in a Link Info option.
type LinkInfoEntry struct {
	Peer  addr.VirtualAddress
	InIf  addr.LQSRIf
	OutIf addr.LQSRIf
	Metric addr.LinkMetric
}

// LinkInfo broadcasts a subset of self's outgoing links and their metrics.
type LinkInfo struct {
	Entries []LinkInfoEntry
}

// SRPacket is the fully decoded in-memory form of an LQSR frame.
type SRPacket struct {
	Source      addr.VirtualAddress
	Dest        addr.VirtualAddress
	EtherSource addr.PhysicalAddress
	EtherDest   addr.PhysicalAddress
	IV          [IVLength]byte

	Req  *RouteRequest
	Rep  []RouteReply
	Err  []RouteError

	AckReq *AckRequest
	Ack    []Ack

	SourceRoute *SourceRouteOption

	InfoReq *InfoRequest
	InfoRep []InfoReply

	Probe      *Probe
	ProbeReply *ProbeReply

	LinkInfo []LinkInfo

	Payload []byte
}
