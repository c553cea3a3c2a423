package metric

import "github.com/meshcl/mcl/internal/addr"

// PktPairParams are the persisted, per-adapter tunables for the PktPair
// metric.
type PktPairParams struct {
	// SmallSize and LargeSize are the two back-to-back probes' wire sizes in
	// bytes; the receiver's inter-arrival time between them is what lets the
	// sender estimate bandwidth.
	SmallSize uint32
	LargeSize uint32
	// PenaltyFactor divides the smoothed bandwidth estimate on loss.
	PenaltyFactor uint32
	// ProbePeriod is how often a link without an outstanding probe gets a
	// new one.
	ProbePeriod addr.Time
}

// DefaultPktPairParams matches typical 802.11 probe sizing: a 64B small
// probe and a 1500B large one, probed once per second.
func DefaultPktPairParams() PktPairParams {
	return PktPairParams{
		SmallSize:     64,
		LargeSize:     1500,
		PenaltyFactor: 2,
		ProbePeriod:   addr.Second,
	}
}

// referenceBits is the reference payload size (8KiB) used to turn a
// bandwidth estimate into a comparable "ticks to send" path cost, matching
// WCETT's transmit-time term so the two metrics stay compatible when WCETT
// delegates bandwidth estimation to this engine.
const referenceBits = 8 * 1024 * 8

type pktPairState struct {
	bandwidth     Bandwidth
	outstanding   bool
	seq           uint32
	smallSentAt   addr.Time
	nextProbeTick addr.Time
}

func (*pktPairState) metricState() {}

// PktPairEngine implements the packet-pair bandwidth-estimation metric.
type PktPairEngine struct {
	params PktPairParams
}

var _ Engine = (*PktPairEngine)(nil)

// NewPktPairEngine constructs a PktPairEngine with the given parameters.
func NewPktPairEngine(params PktPairParams) *PktPairEngine {
	return &PktPairEngine{params: params}
}

func (e *PktPairEngine) Type() MetricType { return addr.MetricPktPair }

func (e *PktPairEngine) InitLink() State {
	return &pktPairState{bandwidth: 1_000_000} // optimistic 1Mbps until probed
}

func (e *PktPairEngine) IsInfinite(m addr.LinkMetric) bool {
	return m == 0
}

func (e *PktPairEngine) ConvLinkMetric(m addr.LinkMetric) uint64 {
	if e.IsInfinite(m) {
		return ^uint64(0)
	}
	return uint64(referenceBits) * uint64(addr.Second) / uint64(m)
}

func (e *PktPairEngine) PathMetric(hopConv []uint64) uint64 {
	var total uint64
	for _, c := range hopConv {
		if c == ^uint64(0) || total+c < total {
			return ^uint64(0)
		}
		total += c
	}
	return total
}

func (e *PktPairEngine) SendProbes(now addr.Time, st State) ([]Probe, addr.Time) {
	s := st.(*pktPairState)
	if s.outstanding {
		return nil, s.nextProbeTick
	}
	if now < s.nextProbeTick {
		return nil, s.nextProbeTick
	}
	s.outstanding = true
	s.seq++
	s.smallSentAt = now
	s.nextProbeTick = now + e.params.ProbePeriod
	return []Probe{
		{Type: addr.MetricPktPair, Seq: s.seq, Size: e.params.SmallSize, SentTick: now},
		{Type: addr.MetricPktPair, Seq: s.seq, Size: e.params.LargeSize, SentTick: now},
	}, now + e.params.ProbePeriod
}

// ReceiveProbe records the arrival tick of the small probe in the link's
// own state and, on the large probe, replies with the arrival delta.
func (e *PktPairEngine) ReceiveProbe(now addr.Time, st State, p Probe) *ProbeReply {
	rs := st.(*pktPairState)
	if p.Size == e.params.SmallSize {
		rs.smallSentAt = now // reused as "small probe arrival" on the receiver side
		return nil
	}
	interArrival := now - rs.smallSentAt
	return &ProbeReply{Type: addr.MetricPktPair, Seq: p.Seq, InterArrival: interArrival}
}

func (e *PktPairEngine) ReceiveProbeReply(now addr.Time, st State, current addr.LinkMetric, r ProbeReply) addr.LinkMetric {
	s := st.(*pktPairState)
	s.outstanding = false
	if r.InterArrival <= 0 {
		return current
	}
	bits := uint64(e.params.LargeSize-e.params.SmallSize) * 8
	bw := Bandwidth(bits * uint64(addr.Second) / uint64(r.InterArrival))
	// EWMA with alpha=MaxAlpha/4 for modest smoothing.
	s.bandwidth = Bandwidth((uint64(bw)*uint64(MaxAlpha) + uint64(s.bandwidth)*uint64(3*MaxAlpha)) / uint64(4*MaxAlpha))
	return addr.LinkMetric(s.bandwidth)
}

func (e *PktPairEngine) Penalize(now addr.Time, st State, current addr.LinkMetric) addr.LinkMetric {
	s := st.(*pktPairState)
	s.outstanding = false
	s.bandwidth /= Bandwidth(e.params.PenaltyFactor)
	return addr.LinkMetric(s.bandwidth)
}
