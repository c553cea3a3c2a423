package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/codec"
	"github.com/meshcl/mcl/internal/linkcache"
	"github.com/meshcl/mcl/internal/maintbuf"
	"github.com/meshcl/mcl/internal/metric"
	"github.com/meshcl/mcl/internal/neighcache"
	"github.com/meshcl/mcl/internal/piggyback"
	"github.com/meshcl/mcl/internal/reqtable"
	"github.com/meshcl/mcl/internal/sendbuf"
)

// Timing constants that live at the orchestrator level rather than inside
// an owned component.
const (
	MinBroadcastGap = 5 * addr.Millisecond
	MaxForwardQueue = 16
	LinkInfoPeriod  = 10 * addr.Second
	MaxAckDelay     = 80 * addr.Millisecond
)

// Config bundles the persisted, per-virtual-adapter knobs the
// orchestrator and the components it owns need. internal/config.Config is
// the YAML-persisted superset this is built from.
type Config struct {
	Self           addr.VirtualAddress
	MetricType     addr.MetricType
	Snooping       bool
	ArtificialDrop bool
	CryptoEnabled  bool
	MACKey         []byte
	AESKey         []byte

	LinkCache linkcache.Config
	Maintbuf  maintbuf.Config

	SendBufTimeout    addr.Time
	SendBufMaxPerDest int
}

// DefaultConfig returns Config populated with the stock constants for the
// given self address and metric type; only MACKey is left for the caller to
// fill in, since keys are provisioned out of band.
func DefaultConfig(self addr.VirtualAddress, metricType addr.MetricType) Config {
	return Config{
		Self:              self,
		MetricType:        metricType,
		LinkCache:         linkcache.DefaultConfig(),
		Maintbuf:          maintbuf.DefaultConfig(),
		SendBufTimeout:    sendbuf.DefaultTimeout,
		SendBufMaxPerDest: sendbuf.DefaultMaxPerDest,
	}
}

// LQSR is the top-level routing state machine for one virtual adapter: it
// owns the neighbour cache, link cache, request table, send and maintenance
// buffers, the piggy-back scheduler and the metric engine, and drives
// Send/Forward/Receive/Scavenge plus the periodic timer.
type LQSR struct {
	cfg    Config
	clock  addr.Clock
	rand   RandomSource
	crypto Crypto
	host   HostStack
	log    *zap.SugaredLogger

	engine    metric.Engine
	linkCache *linkcache.LinkCache
	neighCache *neighcache.Cache
	reqTable  *reqtable.Table
	sendBuf   *sendbuf.Buffer
	maintBuf  *maintbuf.Buffer
	piggy     *piggyback.Scheduler

	// snooping and artificialDrop start from Config but can be toggled at
	// runtime through the control surface; atomics keep the hot paths
	// lock-free.
	snooping       atomic.Bool
	artificialDrop atomic.Bool

	mu            sync.Mutex
	adapters      map[addr.LQSRIf]PhysicalAdapter
	lastBroadcast addr.Time
	lastLinkInfo  addr.Time
	forwardQueue  []forwardTask

	nextReqID atomic32

	counters Counters
}

// atomic32 is a tiny monotonic counter for Route Request identifiers;
// plain uint32 protected by LQSR.mu rather than sync/atomic since it is
// always touched under the same lock as the adapter registry.
type atomic32 struct{ v uint32 }

func (a *atomic32) next() uint32 {
	a.v++
	return a.v
}

// forwardTask is one queued broadcast pending the broadcast-gap pacer.
type forwardTask struct {
	pkt     *codec.SRPacket
	exclude addr.LQSRIf
}

// New constructs an LQSR orchestrator for one virtual adapter. clock, rnd,
// crypto and host are the external collaborators; crypto may
// be NoCrypto{} when cfg.CryptoEnabled is false.
func New(cfg Config, clock addr.Clock, rnd RandomSource, crypto Crypto, host HostStack, log *zap.SugaredLogger) *LQSR {
	eng := metric.ByType(cfg.MetricType)
	l := &LQSR{
		cfg:        cfg,
		clock:      clock,
		rand:       rnd,
		crypto:     crypto,
		host:       host,
		log:        log,
		engine:     eng,
		linkCache:  linkcache.New(cfg.Self, eng, clock, cfg.LinkCache, log),
		neighCache: neighcache.New(),
		reqTable:   reqtable.New(),
		sendBuf:    sendbuf.New(cfg.SendBufTimeout, cfg.SendBufMaxPerDest),
		maintBuf:   maintbuf.New(cfg.Maintbuf),
		piggy:      piggyback.New(),
		adapters:   make(map[addr.LQSRIf]PhysicalAdapter),
	}
	l.snooping.Store(cfg.Snooping)
	l.artificialDrop.Store(cfg.ArtificialDrop)
	return l
}

// SetSnooping toggles passive route learning at runtime.
func (l *LQSR) SetSnooping(on bool) { l.snooping.Store(on) }

// SetArtificialDrop toggles the per-link fault-injection knob at runtime.
func (l *LQSR) SetArtificialDrop(on bool) { l.artificialDrop.Store(on) }

// AttachAdapter registers a physical adapter under its LQSRIf. Interface 0
// ("unspecified") is rejected.
func (l *LQSR) AttachAdapter(a PhysicalAdapter) error {
	if a.Index() == addr.IfUnspecified {
		return fmt.Errorf("orchestrator: interface 0 is reserved as unspecified")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adapters[a.Index()] = a
	return nil
}

// DetachAdapter removes a physical adapter, revoking every link that used
// it and invalidating Dijkstra synchronously.
func (l *LQSR) DetachAdapter(idx addr.LQSRIf) {
	l.mu.Lock()
	delete(l.adapters, idx)
	l.mu.Unlock()
	l.linkCache.DeleteInterface(idx)
}

func (l *LQSR) adapter(idx addr.LQSRIf) (PhysicalAdapter, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.adapters[idx]
	return a, ok
}

func (l *LQSR) allAdapters() []PhysicalAdapter {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PhysicalAdapter, 0, len(l.adapters))
	for _, a := range l.adapters {
		out = append(out, a)
	}
	return out
}

// LinkCache, NeighborCache and MaintenanceBuffer expose the owned
// components read-only for the control surface.
func (l *LQSR) LinkCache() *linkcache.LinkCache      { return l.linkCache }
func (l *LQSR) NeighborCache() *neighcache.Cache     { return l.neighCache }
func (l *LQSR) MaintenanceBuffer() *maintbuf.Buffer  { return l.maintBuf }
func (l *LQSR) Counters() *Counters                  { return &l.counters }
func (l *LQSR) Self() addr.VirtualAddress            { return l.cfg.Self }
func (l *LQSR) MetricType() addr.MetricType          { return l.cfg.MetricType }

// Adapters returns the currently attached physical adapters.
func (l *LQSR) Adapters() []PhysicalAdapter { return l.allAdapters() }

// BroadcastInfoRequest floods a statistics request on every attached
// adapter; peers answer with standalone Info Reply frames.
func (l *LQSR) BroadcastInfoRequest() {
	l.broadcast(&codec.SRPacket{InfoReq: &codec.InfoRequest{}}, addr.IfUnspecified)
}

// macKey returns the per-adapter HMAC key used by the codec: the same key
// whether or not payload encryption is enabled.
func (l *LQSR) macKey() []byte {
	return l.cfg.MACKey
}
