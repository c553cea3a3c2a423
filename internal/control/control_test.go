package control

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/linkcache"
	"github.com/meshcl/mcl/internal/metric"
	"github.com/meshcl/mcl/internal/orchestrator"
)

type fakeClock struct{ now addr.Time }

func (c *fakeClock) Now() addr.Time { return c.now }

type fakeRand struct{ v uint32 }

func (r *fakeRand) Uint32() uint32 { r.v++; return r.v }

type nullHost struct{}

func (nullHost) Deliver([]byte) error { return nil }

func newSurface(t *testing.T) (*Surface, addr.VirtualAddress) {
	t.Helper()
	self, err := addr.ParseVirtualAddress("01-02-03-04-05-06")
	require.NoError(t, err)

	cfg := orchestrator.DefaultConfig(self, addr.MetricHOP)
	cfg.MACKey = []byte("0123456789abcdef")
	node := orchestrator.New(cfg, &fakeClock{}, &fakeRand{}, orchestrator.NoCrypto{}, nullHost{}, zap.NewNop().Sugar())
	return New(node, &fakeRand{}), self
}

func TestAddLinkAndQueryLinkCache(t *testing.T) {
	s, self := newSurface(t)
	peer, _ := addr.ParseVirtualAddress("11-11-11-11-11-11")

	require.Equal(t, Success, s.AddLink(self, peer, 1, 1, metric.DefaultHOPMetric))
	require.Equal(t, InvalidParameter2, s.AddLink(self, self, 1, 1, metric.DefaultHOPMetric))

	links, code := s.QueryLinkCache()
	require.Equal(t, Success, code)
	require.Len(t, links, 1)

	changes, code := s.QueryLinkChanges()
	require.Equal(t, Success, code)
	require.Len(t, changes, 1)
	require.Equal(t, linkcache.ReasonAddManual, changes[0].Reason)
}

func TestQuerySourceRouteReportsNoRoute(t *testing.T) {
	s, _ := newSurface(t)
	unknown, _ := addr.ParseVirtualAddress("ff-ff-ff-ff-ff-00")

	_, code := s.QuerySourceRoute(unknown)
	require.Equal(t, NoRouteToDestination, code)
}

func TestStaticRouteValidation(t *testing.T) {
	s, self := newSurface(t)
	b, _ := addr.ParseVirtualAddress("11-11-11-11-11-11")
	c, _ := addr.ParseVirtualAddress("21-21-21-21-21-21")

	// Hop 0 must have in_if unspecified and the last hop out_if unspecified.
	bad := []linkcache.HopEntry{
		{Addr: self, InIf: 1, OutIf: 1},
		{Addr: c, InIf: 1, OutIf: 1},
	}
	require.Equal(t, InvalidParameter2, s.AddStaticSourceRoute(c, bad))

	good := []linkcache.HopEntry{
		{Addr: self, OutIf: 1},
		{Addr: b, InIf: 1, OutIf: 1, Metric: metric.DefaultHOPMetric},
		{Addr: c, InIf: 1, Metric: metric.DefaultHOPMetric},
	}
	require.Equal(t, Success, s.AddStaticSourceRoute(c, good))

	route, code := s.QuerySourceRoute(c)
	require.Equal(t, Success, code)
	require.True(t, route.Static)
	require.Len(t, route.Hops, 3)
}

func TestControlLinkRequiresExistingLink(t *testing.T) {
	s, self := newSurface(t)
	peer, _ := addr.ParseVirtualAddress("11-11-11-11-11-11")

	require.Equal(t, InvalidAddress, s.ControlLink(self, peer, 1, 1, 500))
	require.Equal(t, InvalidParameter5, s.ControlLink(self, peer, 1, 1, 2000))

	s.AddLink(self, peer, 1, 1, metric.DefaultHOPMetric)
	require.Equal(t, Success, s.ControlLink(self, peer, 1, 1, 500))
}

func TestResetStatistics(t *testing.T) {
	s, _ := newSurface(t)

	info, code := s.QueryVirtualAdapter()
	require.Equal(t, Success, code)
	require.Zero(t, info.Counters.SentPackets)

	require.Equal(t, Success, s.ResetStatistics())
}

func TestGenerateRandomBits(t *testing.T) {
	s, _ := newSurface(t)

	_, code := s.GenerateRandomBits(0)
	require.Equal(t, InvalidParameter1, code)

	bits, code := s.GenerateRandomBits(10)
	require.Equal(t, Success, code)
	require.Len(t, bits, 10)

	_, code = s.GenerateRandomBits(1 << 20)
	require.Equal(t, BufferTooSmall, code)
}
