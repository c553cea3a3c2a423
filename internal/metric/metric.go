// Package metric implements the five pluggable link-quality metrics (HOP,
// RTT, PktPair, ETX, WCETT) behind one capability-set interface. Dispatch is
// by value-typed MetricType tag, never by inheritance: a virtual adapter
// picks one Engine at configuration time and every link on that adapter
// carries the State that engine produced for it.
package metric

import "github.com/meshcl/mcl/internal/addr"

// State is the metric-specific, per-link mutable state (RTT's smoothed
// round-trip estimate, ETX's probe history, WCETT's loss/bandwidth/channel
// triple, ...). Only the Engine that created it via InitLink interprets it;
// the link cache treats it as opaque.
type State interface {
	metricState()
}

// Probe is emitted by SendProbes and consumed by the peer's ReceiveProbe.
type Probe struct {
	Type MetricType
	// Seq distinguishes the small/large packet of a PktPair probe and
	// numbers ETX broadcast probes.
	Seq uint32
	// Size is the probe's padded wire size, used by PktPair to derive
	// bandwidth from inter-arrival time.
	Size uint32
	// SentTick is the sender's performance-counter reading at emission, used
	// by RTT to compute round-trip time on reply.
	SentTick addr.Time
	// Counts carries, for ETX/WCETT broadcast probes, the sender's observed
	// receive count from each neighbour during the current loss interval.
	Counts map[addr.VirtualAddress]uint32
}

// ProbeReply is the peer's answer to a Probe.
type ProbeReply struct {
	Type MetricType
	Seq  uint32
	// EchoedTick is the original Probe.SentTick, echoed back for RTT.
	EchoedTick addr.Time
	// InterArrival is the receiver-observed delay between a PktPair's small
	// and large probe.
	InterArrival addr.Time
}

// MetricType is re-exported from addr for convenience at call sites that
// only import metric.
type MetricType = addr.MetricType

// Engine is the capability set every metric variant implements.
type Engine interface {
	// Type reports which MetricType this engine implements.
	Type() MetricType

	// InitLink returns fresh per-link state for a newly observed link.
	InitLink() State

	// ConvLinkMetric maps an opaque LinkMetric to a comparable, monotonic
	// uint64 suitable for Dijkstra's relaxation step.
	ConvLinkMetric(m addr.LinkMetric) uint64

	// PathMetric folds the ConvLinkMetric values of a sequence of hops (in
	// path order) into one comparable path cost. Must be non-decreasing as
	// hops are appended.
	PathMetric(hopConv []uint64) uint64

	// IsInfinite reports whether m marks the link as unusable. Callers must
	// never treat an infinite LinkMetric as a valid summand.
	IsInfinite(m addr.LinkMetric) bool

	// SendProbes is invoked by the periodic timer; it returns probes to
	// transmit now (possibly none) and the tick of the next call this engine
	// wants.
	SendProbes(now addr.Time, st State) (probes []Probe, nextAt addr.Time)

	// ReceiveProbe processes an inbound Probe and optionally returns a reply
	// to send back to the prober.
	ReceiveProbe(now addr.Time, st State, p Probe) (reply *ProbeReply)

	// ReceiveProbeReply processes an inbound ProbeReply and returns the
	// updated LinkMetric for the link the reply concerns.
	ReceiveProbeReply(now addr.Time, st State, current addr.LinkMetric, r ProbeReply) (updated addr.LinkMetric)

	// Penalize is called when the maintenance buffer declares a link broken
	// (no ack within MAINTBUF_LINK_TIMEOUT) or when an outstanding probe is
	// swept as lost; it returns the penalized LinkMetric.
	Penalize(now addr.Time, st State, current addr.LinkMetric) addr.LinkMetric
}

// ByType returns the default-configured Engine for a MetricType.
func ByType(t MetricType) Engine {
	switch t {
	case addr.MetricRTT:
		return NewRTTEngine(DefaultRTTParams())
	case addr.MetricPktPair:
		return NewPktPairEngine(DefaultPktPairParams())
	case addr.MetricETX:
		return NewETXEngine(DefaultETXParams())
	case addr.MetricWCETT:
		return NewWCETTEngine(DefaultWCETTParams())
	default:
		return HOPEngine{}
	}
}

// MaxAlpha is the fixed-point scale used by every EWMA in this package
// (alpha/MaxAlpha).
const MaxAlpha = 10
