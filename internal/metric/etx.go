package metric

import "github.com/meshcl/mcl/internal/addr"

// ETXParams are the persisted, per-adapter tunables for the ETX metric.
type ETXParams struct {
	// LossInterval bounds how far back a ProbeHistory entry counts towards
	// the reverse delivery ratio.
	LossInterval addr.Time
	// ProbePeriod is the nominal broadcast-probe period; actual spacing is
	// jittered by +/-25%.
	ProbePeriod addr.Time
	// Alpha is the EWMA weight for the loss probability, interpreted as
	// Alpha/MaxAlpha.
	Alpha uint32
}

// DefaultETXParams returns the stock tuning: a 30s loss window
// and 1s nominal probe period.
func DefaultETXParams() ETXParams {
	return ETXParams{
		LossInterval: 30 * addr.Second,
		ProbePeriod:  addr.Second,
		Alpha:        1,
	}
}

// probScale is the fixed-point denominator for loss probabilities: a
// LinkMetric of probScale-1 means p == (probScale-1)/probScale, the
// DEFAULT_WCETT_BROKEN clamp ceiling (4095/4096).
const probScale = 4096

// defaultWCETTBroken is the loss-probability ceiling (in probScale units)
// at or above which a link is dead, shared with WCETT since both metrics encode
// loss the same way.
const defaultWCETTBroken addr.LinkMetric = probScale - 1

type etxState struct {
	history       []addr.Time // arrival ticks of neighbour broadcast probes, pruned to LossInterval
	nextProbeTick addr.Time
	seq           uint32
}

func (*etxState) metricState() {}

// ETXEngine implements the Expected Transmission Count metric.
type ETXEngine struct {
	params ETXParams
}

var _ Engine = (*ETXEngine)(nil)

// NewETXEngine constructs an ETXEngine with the given parameters.
func NewETXEngine(params ETXParams) *ETXEngine {
	return &ETXEngine{params: params}
}

func (e *ETXEngine) Type() MetricType { return addr.MetricETX }

func (e *ETXEngine) InitLink() State {
	return &etxState{}
}

func (e *ETXEngine) IsInfinite(m addr.LinkMetric) bool {
	return m >= defaultWCETTBroken
}

// expectedProbes returns N, the number of broadcast probes expected from a
// neighbour within one loss interval.
func (e *ETXEngine) expectedProbes() uint64 {
	n := uint64(e.params.LossInterval / e.params.ProbePeriod)
	if n == 0 {
		n = 1
	}
	return n
}

func (e *ETXEngine) ConvLinkMetric(m addr.LinkMetric) uint64 {
	if e.IsInfinite(m) {
		return ^uint64(0)
	}
	// Expected transmission count = 1/(1-p), in probScale-fixed-point.
	denom := uint64(probScale) - uint64(m)
	if denom == 0 {
		return ^uint64(0)
	}
	return uint64(probScale) * uint64(probScale) / denom
}

func (e *ETXEngine) PathMetric(hopConv []uint64) uint64 {
	var total uint64
	for _, c := range hopConv {
		if c == ^uint64(0) || total+c < total {
			return ^uint64(0)
		}
		total += c
	}
	return total
}

// pruneHistory discards entries older than LossInterval.
func (e *ETXEngine) pruneHistory(now addr.Time, s *etxState) {
	cutoff := now - e.params.LossInterval
	idx := 0
	for idx < len(s.history) && s.history[idx] < cutoff {
		idx++
	}
	if idx > 0 {
		s.history = append(s.history[:0], s.history[idx:]...)
	}
}

func (e *ETXEngine) SendProbes(now addr.Time, st State) ([]Probe, addr.Time) {
	s := st.(*etxState)
	if now < s.nextProbeTick {
		return nil, s.nextProbeTick
	}
	e.pruneHistory(now, s)
	s.seq++
	// +/-25% jitter around ProbePeriod, deterministic on seq to avoid a
	// dependency on the random source for this cheap a decision.
	jitterFrac := int64(s.seq%50) - 25 // -25..24
	period := int64(e.params.ProbePeriod)
	jittered := addr.Time(period + (period*jitterFrac)/100)
	s.nextProbeTick = now + jittered
	return []Probe{{Type: addr.MetricETX, Seq: s.seq}}, s.nextProbeTick
}

// ReceiveProbe records the arrival of a neighbour's broadcast probe. The
// orchestrator is responsible for folding this link's current receive count
// into the next outgoing broadcast probe's Counts map (a cross-link
// concern, not a per-link one, so it lives outside this engine).
func (e *ETXEngine) ReceiveProbe(now addr.Time, st State, p Probe) *ProbeReply {
	s := st.(*etxState)
	s.history = append(s.history, now)
	e.pruneHistory(now, s)
	return nil // ETX has no unicast reply; the next broadcast carries the count
}

func (e *ETXEngine) ReceiveProbeReply(now addr.Time, st State, current addr.LinkMetric, r ProbeReply) addr.LinkMetric {
	return current // ETX never receives a ProbeReply
}

func (e *ETXEngine) Penalize(now addr.Time, st State, current addr.LinkMetric) addr.LinkMetric {
	return defaultWCETTBroken
}

// HistoryLen reports how many of a neighbour's broadcast probes this link's
// state has recorded within the current loss interval, for inclusion in
// self's own next broadcast probe's Counts map.
func (e *ETXEngine) HistoryLen(st State) uint32 {
	return uint32(len(st.(*etxState).history))
}

// UpdateFromBroadcast applies a neighbour's reported forward receive count
// (how many of our probes it heard) together with our own reverse history
// size to recompute the EWMA-smoothed loss probability. Called by the
// orchestrator when it dispatches an inbound ETX broadcast Probe for a
// specific link, after ReceiveProbe has recorded the arrival.
func (e *ETXEngine) UpdateFromBroadcast(now addr.Time, st State, current addr.LinkMetric, fwdCount uint32) addr.LinkMetric {
	s := st.(*etxState)
	e.pruneHistory(now, s)

	n := e.expectedProbes()
	rev := uint64(len(s.history))
	fwd := uint64(fwdCount)
	if fwd > n {
		fwd = n
	}
	if rev > n {
		rev = n
	}

	delivered := (fwd * rev * probScale) / (n * n)
	if delivered > probScale {
		delivered = probScale
	}
	newP := probScale - delivered
	if newP >= probScale {
		newP = probScale - 1
	}

	alpha := uint64(e.params.Alpha)
	smoothed := (newP*alpha + uint64(current)*(MaxAlpha-alpha)) / MaxAlpha
	if smoothed > uint64(defaultWCETTBroken) {
		smoothed = uint64(defaultWCETTBroken)
	}
	return addr.LinkMetric(smoothed)
}
