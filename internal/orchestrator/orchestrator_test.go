package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/codec"
	"github.com/meshcl/mcl/internal/maintbuf"
)

var testMACKey = []byte("0123456789abcdef")

type fakeClock struct{ now addr.Time }

func (c *fakeClock) Now() addr.Time { return c.now }

type fakeRand struct{ v uint32 }

func (r *fakeRand) Uint32() uint32 { r.v++; return r.v }

type recordingHost struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (h *recordingHost) Deliver(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, append([]byte(nil), payload...))
	return nil
}

func (h *recordingHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

// air is an in-memory radio medium: point-to-point links between adapter
// ports, each of which can be cut to simulate a dead radio path.
type air struct {
	mu    sync.Mutex
	links []*airLink
}

type airLink struct {
	a, b *fakeAdapter
	up   bool
}

func (w *air) connect(a, b *fakeAdapter) *airLink {
	w.mu.Lock()
	defer w.mu.Unlock()
	l := &airLink{a: a, b: b, up: true}
	w.links = append(w.links, l)
	return l
}

func (w *air) deliver(from *fakeAdapter, frame []byte) {
	w.mu.Lock()
	links := append([]*airLink(nil), w.links...)
	w.mu.Unlock()

	var dst addr.PhysicalAddress
	copy(dst[:], frame[0:6])

	for _, l := range links {
		if !l.up {
			continue
		}
		var peer *fakeAdapter
		switch from {
		case l.a:
			peer = l.b
		case l.b:
			peer = l.a
		default:
			continue
		}
		if dst == addr.BroadcastPhysical || dst == peer.mac {
			peer.node.ReceiveFrame(peer.idx, append([]byte(nil), frame...))
		}
	}
}

type fakeAdapter struct {
	idx  addr.LQSRIf
	mac  addr.PhysicalAddress
	node *LQSR
	air  *air
}

func (f *fakeAdapter) Index() addr.LQSRIf          { return f.idx }
func (f *fakeAdapter) MAC() addr.PhysicalAddress   { return f.mac }
func (f *fakeAdapter) Channel() uint8              { return 6 }
func (f *fakeAdapter) Bandwidth() uint64           { return 11_000_000 }
func (f *fakeAdapter) MTU() int                    { return 1500 }
func (f *fakeAdapter) SendFrame(frame []byte) error {
	f.air.deliver(f, frame)
	return nil
}

func newTestNode(t *testing.T, address string, clock addr.Clock, host HostStack) *LQSR {
	t.Helper()
	self, err := addr.ParseVirtualAddress(address)
	require.NoError(t, err)

	cfg := DefaultConfig(self, addr.MetricHOP)
	cfg.MACKey = testMACKey
	return New(cfg, clock, &fakeRand{}, NoCrypto{}, host, zap.NewNop().Sugar())
}

func attach(t *testing.T, node *LQSR, w *air, idx addr.LQSRIf, macByte byte) *fakeAdapter {
	t.Helper()
	a := &fakeAdapter{idx: idx, mac: addr.PhysicalAddress{0x02, 0, 0, 0, 0, macByte}, node: node, air: w}
	require.NoError(t, node.AttachAdapter(a))
	return a
}

// chain builds the three-node topology A -(1:1)- B -(2:1)- C over one
// shared clock and returns everything a scenario needs.
type chain struct {
	clock   *fakeClock
	w       *air
	a, b, c *LQSR
	hostA   *recordingHost
	hostC   *recordingHost
	bToC    *airLink
}

func newChain(t *testing.T) *chain {
	t.Helper()
	ch := &chain{
		clock: &fakeClock{now: addr.Second},
		w:     &air{},
		hostA: &recordingHost{},
		hostC: &recordingHost{},
	}
	ch.a = newTestNode(t, "01-02-03-04-05-06", ch.clock, ch.hostA)
	ch.b = newTestNode(t, "11-11-11-11-11-11", ch.clock, &recordingHost{})
	ch.c = newTestNode(t, "21-21-21-21-21-21", ch.clock, ch.hostC)

	a1 := attach(t, ch.a, ch.w, 1, 0xa1)
	b1 := attach(t, ch.b, ch.w, 1, 0xb1)
	b2 := attach(t, ch.b, ch.w, 2, 0xb2)
	c1 := attach(t, ch.c, ch.w, 1, 0xc1)

	ch.w.connect(a1, b1)
	ch.bToC = ch.w.connect(b2, c1)
	return ch
}

func (ch *chain) tickAll() {
	ch.a.tick()
	ch.b.tick()
	ch.c.tick()
}

func TestRouteDiscoveryDeliversBufferedPayload(t *testing.T) {
	ch := newChain(t)

	require.NoError(t, ch.a.Send(ch.c.Self(), []byte("hello mesh")))

	// The discovery cascade runs inline over the fake air: request out,
	// reply back, buffered payload drained and forwarded.
	require.Equal(t, 1, ch.hostC.count())
	require.Equal(t, "hello mesh", string(ch.hostC.payloads[0]))

	route, ok := ch.a.LinkCache().GetSourceRoute(ch.c.Self())
	require.True(t, ok)
	require.Len(t, route.Hops, 3)
	require.Equal(t, ch.a.Self(), route.Hops[0].Addr)
	require.Equal(t, ch.b.Self(), route.Hops[1].Addr)
	require.Equal(t, ch.c.Self(), route.Hops[2].Addr)
}

func TestHopByHopAcksClearMaintenanceBuffers(t *testing.T) {
	ch := newChain(t)
	require.NoError(t, ch.a.Send(ch.c.Self(), []byte("payload")))

	keyAB := maintbuf.Key{Neighbor: ch.b.Self(), OutIf: 1, InIf: 1}
	keyBC := maintbuf.Key{Neighbor: ch.c.Self(), OutIf: 2, InIf: 1}
	require.Positive(t, ch.a.MaintenanceBuffer().QueueDepth(keyAB))
	require.Positive(t, ch.b.MaintenanceBuffer().QueueDepth(keyBC))

	// Past the ack deadline the pending acks go out as standalone frames.
	ch.clock.now += 100 * addr.Millisecond
	ch.tickAll()

	require.Zero(t, ch.a.MaintenanceBuffer().QueueDepth(keyAB))
	require.Zero(t, ch.b.MaintenanceBuffer().QueueDepth(keyBC))
}

func TestBrokenLinkTriggersRouteError(t *testing.T) {
	ch := newChain(t)
	require.NoError(t, ch.a.Send(ch.c.Self(), []byte("first")))
	ch.clock.now += 100 * addr.Millisecond
	ch.tickAll()

	// Silence the B<->C radio path, then push another payload down the
	// cached route.
	ch.bToC.up = false
	ch.clock.now += addr.Second
	require.NoError(t, ch.a.Send(ch.c.Self(), []byte("second")))
	require.Equal(t, 1, ch.hostC.count())

	// B's ack window to C expires: B declares the link broken, penalizes
	// it, and reports a Route Error back to A.
	ch.clock.now += 600 * addr.Millisecond
	ch.b.tick()

	penalized := false
	for _, rec := range ch.b.LinkCache().LinkChanges() {
		if rec.Reason.String() == "PENALIZED" && rec.Target == ch.c.Self() {
			penalized = true
		}
	}
	require.True(t, penalized)

	// A heard the Route Error: its cached route to C is gone and, with the
	// only path through B->C now infinite, discovery finds nothing.
	_, ok := ch.a.LinkCache().GetSourceRoute(ch.c.Self())
	require.False(t, ok)
	ch.clock.now += 2 * addr.Second
	_, err := ch.a.LinkCache().FillSourceRoute(ch.c.Self())
	require.Error(t, err)
}

func TestDuplicateAckRequestsCoalesce(t *testing.T) {
	ch := newChain(t)

	// Teach A who B is (any source-routed frame does).
	require.NoError(t, ch.a.Send(ch.c.Self(), []byte("warmup")))

	bMAC := addr.PhysicalAddress{0x02, 0, 0, 0, 0, 0xb1}
	mkFrame := func(id uint32) []byte {
		p := &codec.SRPacket{
			SourceRoute: &codec.SourceRouteOption{
				Hops: []codec.SourceRouteHop{
					{Addr: ch.b.Self(), OutIf: 1},
					{Addr: ch.a.Self(), InIf: 1},
				},
				SegmentsLeft: 1,
			},
			AckReq: &codec.AckRequest{Identifier: id, OutIf: 1, InIf: 1},
		}
		frame, err := codec.EmitEthernet(p, bMAC, addr.PhysicalAddress{0x02, 0, 0, 0, 0, 0xa1}, testMACKey)
		require.NoError(t, err)
		return frame
	}

	// Two requests quoting distinct ids are ordinary multi-packet traffic:
	// the newer Ack supersedes the pending one, but nothing is counted.
	ch.a.ReceiveFrame(1, mkFrame(5))
	ch.a.ReceiveFrame(1, mkFrame(6))
	require.Zero(t, ch.a.Counters().RecvDupAckReq.Load())

	// The same id again means the peer retransmitted before our pending
	// Ack went out: counted, and the remaining deadline headroom is kept
	// as the watermark.
	ch.clock.now += 10 * addr.Millisecond
	ch.a.ReceiveFrame(1, mkFrame(6))
	require.Equal(t, uint64(1), ch.a.Counters().RecvDupAckReq.Load())
	require.GreaterOrEqual(t, ch.a.Counters().AckMaxDupTime.Load(), uint64(MaxAckDelay-10*addr.Millisecond))
}
