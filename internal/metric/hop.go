package metric

import "github.com/meshcl/mcl/internal/addr"

// hopInfinite is the wire value meaning "no link". It is never a valid
// summand; every arithmetic path here checks IsInfinite first.
const hopInfinite addr.LinkMetric = 0xFFFFFFFF

// hopState is the (empty) per-link state for the HOP metric: HOP carries no
// smoothed estimate, only a working/broken bit encoded directly in the
// LinkMetric.
type hopState struct{}

func (hopState) metricState() {}

// HOPEngine implements the trivial hop-count metric: 1 per working link,
// infinite for a dead one.
type HOPEngine struct{}

var _ Engine = HOPEngine{}

func (HOPEngine) Type() MetricType { return addr.MetricHOP }

func (HOPEngine) InitLink() State { return hopState{} }

func (e HOPEngine) ConvLinkMetric(m addr.LinkMetric) uint64 {
	if e.IsInfinite(m) {
		return ^uint64(0)
	}
	return uint64(m)
}

func (e HOPEngine) PathMetric(hopConv []uint64) uint64 {
	var total uint64
	for _, c := range hopConv {
		if c == ^uint64(0) {
			return ^uint64(0)
		}
		if total+c < total {
			return ^uint64(0) // overflow clamps to infinite
		}
		total += c
	}
	return total
}

func (HOPEngine) IsInfinite(m addr.LinkMetric) bool {
	return m == hopInfinite
}

func (HOPEngine) SendProbes(now addr.Time, st State) ([]Probe, addr.Time) {
	return nil, addr.MaxTime // HOP needs no probing
}

func (HOPEngine) ReceiveProbe(now addr.Time, st State, p Probe) *ProbeReply {
	return nil
}

func (HOPEngine) ReceiveProbeReply(now addr.Time, st State, current addr.LinkMetric, r ProbeReply) addr.LinkMetric {
	return current
}

func (HOPEngine) Penalize(now addr.Time, st State, current addr.LinkMetric) addr.LinkMetric {
	return hopInfinite
}

// DefaultHOPMetric is the metric value assigned to a freshly observed,
// working HOP link.
const DefaultHOPMetric addr.LinkMetric = 1
