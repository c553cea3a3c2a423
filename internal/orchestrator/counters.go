package orchestrator

import "sync/atomic"

// Counters are the adapter-global statistics, updated with atomic
// increments outside locked regions and exposed via the control surface.
// The Info Reply option does not carry them.
type Counters struct {
	RecvBadMAC       atomic.Uint64
	RecvDupAckReq    atomic.Uint64
	RecvPackets      atomic.Uint64
	SentPackets      atomic.Uint64
	Forwarded        atomic.Uint64
	ForwardDrop      atomic.Uint64
	QueueDrop        atomic.Uint64
	PiggybackCarried atomic.Uint64
	PiggybackAlone   atomic.Uint64

	// MaxForwardQueueDepth is a high-water counter: it never decreases, and
	// only ever moves up to the largest value any caller has observed.
	MaxForwardQueueDepth atomic.Uint64

	// AckMaxDupTime is a high-water watermark, in ticks: when a duplicate
	// Ack Request arrives (same identifier as the Ack still pending), how
	// much headroom the pending Ack's deadline still had. A large value
	// means we delay acks longer than the peer's retransmit timer.
	AckMaxDupTime atomic.Uint64
}

// Snapshot is a read-only copy of Counters for the control surface's Query
// operation.
type Snapshot struct {
	RecvBadMAC, RecvDupAckReq, RecvPackets, SentPackets    uint64
	Forwarded, ForwardDrop, QueueDrop                      uint64
	PiggybackCarried, PiggybackAlone, MaxForwardQueueDepth uint64
	AckMaxDupTime                                          uint64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		RecvBadMAC:           c.RecvBadMAC.Load(),
		RecvDupAckReq:        c.RecvDupAckReq.Load(),
		RecvPackets:          c.RecvPackets.Load(),
		SentPackets:          c.SentPackets.Load(),
		Forwarded:            c.Forwarded.Load(),
		ForwardDrop:          c.ForwardDrop.Load(),
		QueueDrop:            c.QueueDrop.Load(),
		PiggybackCarried:     c.PiggybackCarried.Load(),
		PiggybackAlone:       c.PiggybackAlone.Load(),
		MaxForwardQueueDepth: c.MaxForwardQueueDepth.Load(),
		AckMaxDupTime:        c.AckMaxDupTime.Load(),
	}
}

// Reset zeroes every counter, for the control surface's reset-statistics
// operation.
func (c *Counters) Reset() {
	c.RecvBadMAC.Store(0)
	c.RecvDupAckReq.Store(0)
	c.RecvPackets.Store(0)
	c.SentPackets.Store(0)
	c.Forwarded.Store(0)
	c.ForwardDrop.Store(0)
	c.QueueDrop.Store(0)
	c.PiggybackCarried.Store(0)
	c.PiggybackAlone.Store(0)
	c.MaxForwardQueueDepth.Store(0)
	c.AckMaxDupTime.Store(0)
}

// atomicIncrHighwater raises a high-water counter: compare-and-swap until
// water reflects the largest value observed so far.
func atomicIncrHighwater(water *atomic.Uint64, observed uint64) {
	for {
		cur := water.Load()
		if observed <= cur {
			return
		}
		if water.CompareAndSwap(cur, observed) {
			return
		}
	}
}
