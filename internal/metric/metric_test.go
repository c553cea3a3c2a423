package metric

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcl/mcl/internal/addr"
)

func TestHOPPathMetricMonotonic(t *testing.T) {
	e := HOPEngine{}
	conv := []uint64{e.ConvLinkMetric(1), e.ConvLinkMetric(1), e.ConvLinkMetric(1)}

	prefix := e.PathMetric(conv[:1])
	full := e.PathMetric(conv)
	require.LessOrEqual(t, prefix, full)
	require.Equal(t, uint64(3), full)
}

func TestHOPInfiniteNeverSummed(t *testing.T) {
	e := HOPEngine{}
	conv := []uint64{e.ConvLinkMetric(1), e.ConvLinkMetric(0xFFFFFFFF)}
	require.Equal(t, ^uint64(0), e.PathMetric(conv))
}

func TestRTTEWMAConverges(t *testing.T) {
	e := NewRTTEngine(DefaultRTTParams())
	st := e.InitLink()

	now := addr.Time(0)
	var m addr.LinkMetric
	for range 200 {
		probes, _ := e.SendProbes(now, st)
		require.Len(t, probes, 1)
		now += addr.Millisecond
		m = e.ReceiveProbeReply(now, st, m, ProbeReply{EchoedTick: probes[0].SentTick})
		now += addr.Second
	}
	require.InDelta(t, float64(addr.Millisecond), float64(m), float64(addr.Millisecond)/2)
}

func TestRTTPenalizeIncreasesMetric(t *testing.T) {
	e := NewRTTEngine(DefaultRTTParams())
	st := e.InitLink()
	before := addr.LinkMetric(addr.Millisecond)
	after := e.Penalize(0, st, before)
	require.Greater(t, uint64(after), uint64(before))
}

func TestETXLossProbabilityBounded(t *testing.T) {
	e := NewETXEngine(DefaultETXParams())
	st := e.InitLink()

	var m addr.LinkMetric
	now := addr.Time(0)
	for range 40 {
		e.ReceiveProbe(now, st, Probe{Type: addr.MetricETX})
		m = e.UpdateFromBroadcast(now, st, m, 30)
		now += addr.Second
	}
	require.Less(t, uint64(m), uint64(defaultWCETTBroken))
}

func TestWCETTPathMetricGroupsPerChannel(t *testing.T) {
	e := NewWCETTEngine(DefaultWCETTParams())

	// Two links on channel 1, one on channel 2, all with equal ETT.
	linkMetric := func(channel uint8, ett uint32) addr.LinkMetric {
		return addr.LinkMetric(uint32(channel)<<24 | ett)
	}

	hops := []addr.LinkMetric{linkMetric(1, 100), linkMetric(1, 100), linkMetric(2, 100)}
	conv := make([]uint64, len(hops))
	for i, h := range hops {
		conv[i] = e.ConvLinkMetric(h)
	}

	prefixSum := e.PathMetric(conv[:2])
	fullSum := e.PathMetric(conv)
	require.LessOrEqual(t, prefixSum, fullSum)
}

func TestBandwidthEncodeDecodeRoundTrips(t *testing.T) {
	for _, bw := range []Bandwidth{0, 1, 1000, 1_000_000, 1_000_000_000} {
		encoded := EncodeBandwidth(bw)
		decoded := DecodeBandwidth(encoded)
		require.InEpsilon(t, float64(bw)+1, float64(decoded)+1, 0.05)
	}
}
