package linkcache

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/metric"
)

type fakeClock struct{ now addr.Time }

func (c *fakeClock) Now() addr.Time { return c.now }

func mustAddr(t *testing.T, s string) addr.VirtualAddress {
	t.Helper()
	a, err := addr.ParseVirtualAddress(s)
	require.NoError(t, err)
	return a
}

func TestThreeNodeChainHOPMetric(t *testing.T) {
	log := zap.NewNop().Sugar()
	clock := &fakeClock{}
	lc := New(mustAddr(t, "01-02-03-04-05-06"), metric.HOPEngine{}, clock, DefaultConfig(), log)

	a := mustAddr(t, "01-02-03-04-05-06")
	b := mustAddr(t, "11-11-11-11-11-11")
	c := mustAddr(t, "21-21-21-21-21-21")

	lc.AddLink(a, b, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)
	lc.AddLink(b, a, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)
	lc.AddLink(b, c, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)
	lc.AddLink(c, b, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)

	route, err := lc.FillSourceRoute(c)
	require.NoError(t, err)
	require.Len(t, route.Hops, 3)

	require.Equal(t, a, route.Hops[0].Addr)
	require.Equal(t, addr.IfUnspecified, route.Hops[0].InIf)
	require.Equal(t, addr.LQSRIf(1), route.Hops[0].OutIf)

	require.Equal(t, b, route.Hops[1].Addr)
	require.Equal(t, addr.LQSRIf(1), route.Hops[1].InIf)
	require.Equal(t, addr.LQSRIf(1), route.Hops[1].OutIf)

	require.Equal(t, c, route.Hops[2].Addr)
	require.Equal(t, addr.LQSRIf(1), route.Hops[2].InIf)
	require.Equal(t, addr.IfUnspecified, route.Hops[2].OutIf)
}

func TestRefCountingPreventsEviction(t *testing.T) {
	log := zap.NewNop().Sugar()
	clock := &fakeClock{}
	cfg := DefaultConfig()
	cfg.LinkTimeout = 10 * addr.Millisecond
	lc := New(mustAddr(t, "01-02-03-04-05-06"), metric.HOPEngine{}, clock, cfg, log)

	a := mustAddr(t, "01-02-03-04-05-06")
	b := mustAddr(t, "11-11-11-11-11-11")
	lc.AddLink(a, b, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)
	lc.AddLink(b, a, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)

	_, err := lc.FillSourceRoute(b)
	require.NoError(t, err)

	clock.now += 10 * addr.Second
	_, err = lc.FillSourceRoute(b) // triggers expireLinks via ensureDijkstra
	require.NoError(t, err)

	links := lc.DumpLinks()
	require.NotEmpty(t, links)
	for _, l := range links {
		require.GreaterOrEqual(t, l.RefCount, int32(1))
	}
}

func TestFlapDampingAgeDivisors(t *testing.T) {
	// old=100, new=98, age=50ms (divisor 8): fudge=32*98/8=392, keep old.
	require.True(t, keepOldRoute(100, 98, 50*addr.Millisecond, 32))

	// Same inputs, age=2s (divisor 32): fudge=98; 100<=98+98 -> keep old.
	require.True(t, keepOldRoute(100, 98, 2*addr.Second, 32))

	// new=40, age=2s: fudge=40; 100>40+40 -> switch.
	require.False(t, keepOldRoute(100, 40, 2*addr.Second, 32))
}

func TestIdempotentLinkAdd(t *testing.T) {
	log := zap.NewNop().Sugar()
	clock := &fakeClock{}
	lc := New(mustAddr(t, "01-02-03-04-05-06"), metric.HOPEngine{}, clock, DefaultConfig(), log)

	a := mustAddr(t, "01-02-03-04-05-06")
	b := mustAddr(t, "11-11-11-11-11-11")

	lc.AddLink(a, b, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)
	before := lc.DumpLinks()

	clock.now += addr.Millisecond
	lc.AddLink(a, b, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)
	after := lc.DumpLinks()

	require.Len(t, before, 1)
	require.Len(t, after, 1)
	require.Equal(t, before[0].Metric, after[0].Metric)
}

func TestDeleteInterfaceInvalidatesLinks(t *testing.T) {
	log := zap.NewNop().Sugar()
	clock := &fakeClock{}
	lc := New(mustAddr(t, "01-02-03-04-05-06"), metric.HOPEngine{}, clock, DefaultConfig(), log)

	a := mustAddr(t, "01-02-03-04-05-06")
	b := mustAddr(t, "11-11-11-11-11-11")
	lc.AddLink(a, b, 1, 1, metric.DefaultHOPMetric, ReasonAddManual)

	lc.DeleteInterface(1)
	require.Empty(t, lc.DumpLinks())
}
