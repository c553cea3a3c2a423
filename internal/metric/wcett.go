package metric

import (
	"math"

	"github.com/meshcl/mcl/internal/addr"
)

// WCETTParams are the persisted, per-adapter tunables for the WCETT metric.
type WCETTParams struct {
	// Beta weights the channel-diversity term against the raw ETT sum,
	// interpreted as Beta/MaxAlpha.
	Beta uint32
	// CWmin is the 802.11 minimum contention window used by the backoff
	// term of the ETT formula.
	CWmin uint32
	// MaxChannels records how many distinct radio channels the deployment
	// uses. The engine does not read it; a LinkMetric's channel field holds
	// any 8-bit channel number.
	MaxChannels uint8
}

// DefaultWCETTParams matches common 802.11b/g deployments: beta=5/10,
// CWmin=31, up to 16 channels.
func DefaultWCETTParams() WCETTParams {
	return WCETTParams{Beta: 5, CWmin: 31, MaxChannels: 16}
}

type wcettState struct {
	lossProb  addr.LinkMetric // probScale fixed point, shared with ETX
	bandwidth Bandwidth
	channel   uint8
	pktpair   *PktPairEngine
	ppState   *pktPairState
	etx       *ETXEngine
	etxState  *etxState
}

func (*wcettState) metricState() {}

// WCETTEngine implements the Weighted Cumulative ETT metric. It delegates
// bandwidth estimation to a PktPairEngine and loss estimation to an
// ETXEngine, reusing their probe disciplines rather than defining its own.
type WCETTEngine struct {
	params  WCETTParams
	pktpair *PktPairEngine
	etx     *ETXEngine
}

var _ Engine = (*WCETTEngine)(nil)

// NewWCETTEngine constructs a WCETTEngine with the given parameters.
func NewWCETTEngine(params WCETTParams) *WCETTEngine {
	return &WCETTEngine{
		params:  params,
		pktpair: NewPktPairEngine(DefaultPktPairParams()),
		etx:     NewETXEngine(DefaultETXParams()),
	}
}

func (e *WCETTEngine) Type() MetricType { return addr.MetricWCETT }

func (e *WCETTEngine) InitLink() State {
	return &wcettState{
		bandwidth: 1_000_000,
		pktpair:   e.pktpair,
		ppState:   e.pktpair.InitLink().(*pktPairState),
		etx:       e.etx,
		etxState:  e.etx.InitLink().(*etxState),
	}
}

// SetChannel assigns the radio channel this link was observed on; the
// channel is not derived from probing. Nothing in this module calls it, so
// links keep channel 0 unless a caller sets one.
func SetChannel(st State, channel uint8) {
	st.(*wcettState).channel = channel
}

func (e *WCETTEngine) ett(s *wcettState) addr.Time {
	p := float64(s.lossProb) / float64(probScale)
	if p >= float64(defaultWCETTBroken)/float64(probScale) {
		return addr.MaxTime
	}
	var backoffSum float64
	pk := p
	for i := 0; i <= 6; i++ {
		backoffSum += float64(uint64(1)<<uint(i)) * pk
		pk *= p
	}
	backoff := (float64(e.params.CWmin) / 2) * backoffSum / (1 - p)

	transmit := float64(referenceBits) * float64(addr.Second) / (float64(s.bandwidth) * (1 - p))

	return addr.Time(backoff + transmit)
}

// packConv packs a channel id (top 8 bits) with an ETT value (low 56 bits)
// so PathMetric can regroup per-channel sums without needing access to each
// hop's State.
func packConv(channel uint8, ett uint64) uint64 {
	const ettMask = (uint64(1) << 56) - 1
	if ett > ettMask {
		ett = ettMask
	}
	return uint64(channel)<<56 | ett
}

func unpackConv(v uint64) (channel uint8, ett uint64) {
	return uint8(v >> 56), v & ((uint64(1) << 56) - 1)
}

func (e *WCETTEngine) IsInfinite(m addr.LinkMetric) bool {
	return m == math.MaxUint32
}

func (e *WCETTEngine) ConvLinkMetric(m addr.LinkMetric) uint64 {
	if e.IsInfinite(m) {
		return ^uint64(0)
	}
	channel := uint8(m >> 24)
	ett := uint64(m & 0x00FFFFFF)
	return packConv(channel, ett)
}

func (e *WCETTEngine) PathMetric(hopConv []uint64) uint64 {
	perChannel := make(map[uint8]uint64, len(hopConv))
	var total uint64
	for _, c := range hopConv {
		channel, ett := unpackConv(c)
		if total+ett < total {
			return ^uint64(0)
		}
		total += ett
		perChannel[channel] += ett
	}
	var maxChannel uint64
	for _, sum := range perChannel {
		if sum > maxChannel {
			maxChannel = sum
		}
	}
	beta := uint64(e.params.Beta)
	return (beta*maxChannel + (MaxAlpha-beta)*total) / MaxAlpha
}

func (e *WCETTEngine) linkMetricFor(s *wcettState) addr.LinkMetric {
	ett := e.ett(s)
	if ett == addr.MaxTime {
		return addr.LinkMetric(math.MaxUint32)
	}
	clamped := uint64(ett)
	if clamped > 0x00FFFFFF {
		clamped = 0x00FFFFFF
	}
	return addr.LinkMetric(uint32(s.channel)<<24 | uint32(clamped))
}

func (e *WCETTEngine) SendProbes(now addr.Time, st State) ([]Probe, addr.Time) {
	s := st.(*wcettState)
	bwProbes, bwNext := e.pktpair.SendProbes(now, s.ppState)
	etxProbes, etxNext := e.etx.SendProbes(now, s.etxState)
	probes := append(bwProbes, etxProbes...)
	next := bwNext
	if etxNext < next {
		next = etxNext
	}
	return probes, next
}

func (e *WCETTEngine) ReceiveProbe(now addr.Time, st State, p Probe) *ProbeReply {
	s := st.(*wcettState)
	switch p.Type {
	case addr.MetricPktPair:
		return e.pktpair.ReceiveProbe(now, s.ppState, p)
	case addr.MetricETX:
		return e.etx.ReceiveProbe(now, s.etxState, p)
	default:
		return nil
	}
}

func (e *WCETTEngine) ReceiveProbeReply(now addr.Time, st State, current addr.LinkMetric, r ProbeReply) addr.LinkMetric {
	s := st.(*wcettState)
	if r.Type == addr.MetricPktPair {
		bw := e.pktpair.ReceiveProbeReply(now, s.ppState, addr.LinkMetric(s.bandwidth), r)
		s.bandwidth = Bandwidth(bw)
	}
	return e.linkMetricFor(s)
}

// HistoryLen reports the reverse-direction broadcast history length backing
// this link's loss estimate, the same way ETXEngine.HistoryLen does.
func (e *WCETTEngine) HistoryLen(st State) uint32 {
	return e.etx.HistoryLen(st.(*wcettState).etxState)
}

// UpdateLoss applies a broadcast ETX-style loss update and recomputes the
// packed WCETT LinkMetric. Called by the orchestrator the same way it calls
// ETXEngine.UpdateFromBroadcast.
func (e *WCETTEngine) UpdateLoss(now addr.Time, st State, fwdCount uint32) addr.LinkMetric {
	s := st.(*wcettState)
	s.lossProb = e.etx.UpdateFromBroadcast(now, s.etxState, s.lossProb, fwdCount)
	return e.linkMetricFor(s)
}

func (e *WCETTEngine) Penalize(now addr.Time, st State, current addr.LinkMetric) addr.LinkMetric {
	s := st.(*wcettState)
	s.lossProb = defaultWCETTBroken
	return e.linkMetricFor(s)
}
