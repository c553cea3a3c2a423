package metric

import "github.com/meshcl/mcl/internal/addr"

// RTTParams are the persisted, per-adapter tunables for the RTT metric.
type RTTParams struct {
	// Alpha is the EWMA weight, interpreted as Alpha/MaxAlpha.
	Alpha uint32
	// PenaltyFactor multiplies the smoothed RTT to produce the penalized
	// value on loss, and bounds how long an outstanding probe is given
	// before the sweep declares it lost.
	PenaltyFactor uint32
	// InfiniteThreshold is the smoothed-RTT ceiling above which the link is
	// considered dead.
	InfiniteThreshold addr.Time
	// ProbePeriod is how often an outstanding-probe-free link gets a new
	// probe.
	ProbePeriod addr.Time
	// SweepPeriod is how often SendProbes is consulted to retire lost probes.
	SweepPeriod addr.Time
}

// DefaultRTTParams returns the stock tuning: alpha=1
// (of 10), penalty factor 3, 10ms infinite threshold, 5ms sweep.
func DefaultRTTParams() RTTParams {
	return RTTParams{
		Alpha:             1,
		PenaltyFactor:     3,
		InfiniteThreshold: 10 * addr.Millisecond,
		ProbePeriod:       addr.Second,
		SweepPeriod:       5 * addr.Millisecond,
	}
}

type rttState struct {
	rawMetric     addr.Time
	lastRTT       addr.Time
	outstanding   bool
	sentAt        addr.Time
	probesSent    uint64
	repliesRecvd  uint64
	probesLost    uint64
	lastProbeSeq  uint32
	nextProbeTick addr.Time
}

func (*rttState) metricState() {}

// RTTEngine implements the round-trip-time metric.
type RTTEngine struct {
	params RTTParams
}

var _ Engine = (*RTTEngine)(nil)

// NewRTTEngine constructs an RTTEngine with the given parameters.
func NewRTTEngine(params RTTParams) *RTTEngine {
	return &RTTEngine{params: params}
}

func (e *RTTEngine) Type() MetricType { return addr.MetricRTT }

func (e *RTTEngine) InitLink() State {
	return &rttState{rawMetric: addr.Time(DefaultHOPMetric) * addr.Millisecond}
}

func (e *RTTEngine) IsInfinite(m addr.LinkMetric) bool {
	return addr.Time(m) > e.params.InfiniteThreshold
}

func (e *RTTEngine) ConvLinkMetric(m addr.LinkMetric) uint64 {
	if e.IsInfinite(m) {
		return ^uint64(0)
	}
	return uint64(m)
}

func (e *RTTEngine) PathMetric(hopConv []uint64) uint64 {
	var total uint64
	for _, c := range hopConv {
		if c == ^uint64(0) || total+c < total {
			return ^uint64(0)
		}
		total += c
	}
	return total
}

func (e *RTTEngine) SendProbes(now addr.Time, st State) ([]Probe, addr.Time) {
	s := st.(*rttState)
	if s.outstanding {
		if now-s.sentAt > addr.Time(e.params.PenaltyFactor)*s.rawMetric {
			// Swept as lost; caller applies Penalize and clears outstanding.
			return nil, now
		}
		return nil, s.sentAt + addr.Time(e.params.PenaltyFactor)*s.rawMetric
	}
	if now < s.nextProbeTick {
		return nil, s.nextProbeTick
	}
	s.outstanding = true
	s.sentAt = now
	s.lastProbeSeq++
	s.probesSent++
	s.nextProbeTick = now + e.params.ProbePeriod
	return []Probe{{Type: addr.MetricRTT, Seq: s.lastProbeSeq, SentTick: now}}, now + e.params.SweepPeriod
}

func (e *RTTEngine) ReceiveProbe(now addr.Time, st State, p Probe) *ProbeReply {
	return &ProbeReply{Type: addr.MetricRTT, Seq: p.Seq, EchoedTick: p.SentTick}
}

func (e *RTTEngine) ReceiveProbeReply(now addr.Time, st State, current addr.LinkMetric, r ProbeReply) addr.LinkMetric {
	s := st.(*rttState)
	s.outstanding = false
	s.repliesRecvd++

	delta := now - r.EchoedTick
	s.lastRTT = delta

	alpha := addr.Time(e.params.Alpha)
	newTerm := (delta * alpha) / MaxAlpha
	oldTerm := (s.rawMetric * (MaxAlpha - alpha)) / MaxAlpha
	s.rawMetric = newTerm + oldTerm

	return addr.LinkMetric(s.rawMetric)
}

func (e *RTTEngine) Penalize(now addr.Time, st State, current addr.LinkMetric) addr.LinkMetric {
	s := st.(*rttState)
	s.outstanding = false
	s.probesLost++
	s.rawMetric = addr.Time(e.params.PenaltyFactor) * s.rawMetric
	return addr.LinkMetric(s.rawMetric)
}
