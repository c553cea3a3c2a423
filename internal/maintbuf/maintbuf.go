// Package maintbuf tracks unicast packets awaiting a link-layer
// acknowledgement from a neighbor, retransmitting on timeout and declaring
// the link broken if acknowledgement never arrives.
package maintbuf

import (
	"sync"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/errs"
)

const (
	// DefaultMaxQueue bounds how many unacked packets are held per neighbor
	// before Send refuses new ones.
	DefaultMaxQueue = 4

	// DefaultLinkTimeout: with no ack at all within this long of the first
	// ack request, the link is declared broken.
	DefaultLinkTimeout = 500 * addr.Millisecond

	// DefaultRexmitTimeout is how long to wait for an ack before resending
	// the head-of-queue packet.
	DefaultRexmitTimeout = 500 * addr.Millisecond

	// DefaultHoldoffTime: after an ack arrives the link is assumed good for
	// this long, and packets go out without a fresh ack request.
	DefaultHoldoffTime = 250 * addr.Millisecond

	// DefaultIdleTimeout: an idle, empty entry not touched in this long is
	// reclaimed by Expire.
	DefaultIdleTimeout = 24 * addr.Hour
)

type linkState int

const (
	stateIdle linkState = iota
	stateProbing
)

// Key identifies one neighbor-facing maintenance queue: OutIf is self's
// outgoing interface, InIf the neighbor's incoming one. Two links to the
// same neighbor over different remote radios keep separate ack state.
type Key struct {
	Neighbor addr.VirtualAddress
	OutIf    addr.LQSRIf
	InIf     addr.LQSRIf
}

type queuedPacket struct {
	frame []byte
	ackID uint32
}

type entry struct {
	queue        []queuedPacket
	state        linkState
	nextAckID    uint32
	probeStart   addr.Time
	lastSend     addr.Time
	goodUntil    addr.Time
	lastAckRcv   addr.Time
	lastActivity addr.Time
}

// Config bounds the maintenance buffer's queue depth and timers.
type Config struct {
	MaxQueue      int       `yaml:"max_queue"`
	LinkTimeout   addr.Time `yaml:"link_timeout"`
	RexmitTimeout addr.Time `yaml:"rexmit_timeout"`
	HoldoffTime   addr.Time `yaml:"holdoff_time"`
	IdleTimeout   addr.Time `yaml:"idle_timeout"`
}

// DefaultConfig returns the stock maintenance buffer tuning.
func DefaultConfig() Config {
	return Config{
		MaxQueue:      DefaultMaxQueue,
		LinkTimeout:   DefaultLinkTimeout,
		RexmitTimeout: DefaultRexmitTimeout,
		HoldoffTime:   DefaultHoldoffTime,
		IdleTimeout:   DefaultIdleTimeout,
	}
}

// Buffer is the maintenance buffer for one virtual adapter, covering every
// neighbor it sends unicast traffic to.
type Buffer struct {
	mu      sync.Mutex
	cfg     Config
	entries map[Key]*entry
}

// New returns an empty maintenance buffer.
func New(cfg Config) *Buffer {
	return &Buffer{cfg: cfg, entries: make(map[Key]*entry)}
}

func (b *Buffer) get(key Key) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	return e
}

// BuildFrame serializes one outgoing packet. When withAck is true the
// builder must fold an ack request carrying ackID into the frame.
type BuildFrame func(ackID uint32, withAck bool) ([]byte, error)

// Send prepares one packet for key's neighbor. Inside the post-ack holdoff
// the link is assumed good: the frame is built without an ack request and
// not queued. Otherwise a fresh ack id is assigned, the frame is built with
// an ack request, and it is queued for retransmit until acknowledged.
// Returns errs.ErrQueueFull when the per-neighbor queue is at capacity.
func (b *Buffer) Send(key Key, now addr.Time, build BuildFrame) (frame []byte, tracked bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(key)
	e.lastActivity = now

	if now < e.goodUntil {
		frame, err = build(0, false)
		return frame, false, err
	}

	if len(e.queue) >= b.cfg.MaxQueue {
		return nil, false, errs.ErrQueueFull
	}

	e.nextAckID++
	id := e.nextAckID
	frame, err = build(id, true)
	if err != nil {
		e.nextAckID-- // frame never left; reuse the id
		return nil, false, err
	}

	e.queue = append(e.queue, queuedPacket{frame: frame, ackID: id})
	if e.state == stateIdle {
		e.state = stateProbing
		e.probeStart = now
	}
	e.lastSend = now
	return frame, true, nil
}

// Ack acknowledges the oldest outstanding packet whose ack id matches,
// implicitly acknowledging everything queued before it, and opens the
// holdoff window during which the link is assumed good.
func (b *Buffer) Ack(key Key, ackID uint32, now addr.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok || len(e.queue) == 0 {
		return
	}

	match := -1
	for i, q := range e.queue {
		if q.ackID == ackID {
			match = i
			break
		}
	}
	if match < 0 {
		return
	}

	e.queue = e.queue[match+1:]
	e.lastAckRcv = now
	e.lastActivity = now
	e.goodUntil = now + b.cfg.HoldoffTime
	if len(e.queue) == 0 {
		e.state = stateIdle
		return
	}
	e.probeStart = now
	e.lastSend = now
}

// Event is emitted by Tick for one neighbor queue that needs attention.
type Event struct {
	Key        Key
	Retransmit []byte // set when the head-of-queue packet should be resent
	LinkBroken bool   // set when the neighbor should be declared unreachable
	// Dropped holds the frames abandoned by a broken-link declaration, so
	// the caller can report a route error to each one's originator.
	Dropped [][]byte
}

// Tick advances every tracked neighbor's timers, returning one Event per
// neighbor that needs a retransmit or a broken-link declaration. Call this
// from the periodic maintenance timer.
func (b *Buffer) Tick(now addr.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []Event
	for key, e := range b.entries {
		if e.state != stateProbing {
			continue
		}
		if now-e.probeStart >= b.cfg.LinkTimeout {
			dropped := make([][]byte, 0, len(e.queue))
			for _, q := range e.queue {
				dropped = append(dropped, q.frame)
			}
			e.queue = nil
			e.state = stateIdle
			events = append(events, Event{Key: key, LinkBroken: true, Dropped: dropped})
			continue
		}
		if now-e.lastSend >= b.cfg.RexmitTimeout {
			e.lastSend = now
			events = append(events, Event{Key: key, Retransmit: e.queue[0].frame})
		}
	}
	return events
}

// Expire reclaims idle, empty entries untouched for IdleTimeout, returning
// how many were removed.
func (b *Buffer) Expire(now addr.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for key, e := range b.entries {
		if e.state == stateIdle && len(e.queue) == 0 && now-e.lastActivity >= b.cfg.IdleTimeout {
			delete(b.entries, key)
			removed++
		}
	}
	return removed
}

// QueueDepth reports how many unacked packets are outstanding for key.
func (b *Buffer) QueueDepth(key Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return 0
	}
	return len(e.queue)
}

// State is a read-only snapshot of one maintenance buffer entry, for the
// control surface's query operation.
type State struct {
	Key        Key
	QueueDepth int
	NextAckID  uint32
	LastAckRcv addr.Time
	Probing    bool
}

// Dump returns a snapshot of every tracked neighbor queue.
func (b *Buffer) Dump() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]State, 0, len(b.entries))
	for key, e := range b.entries {
		out = append(out, State{
			Key:        key,
			QueueDepth: len(e.queue),
			NextAckID:  e.nextAckID,
			LastAckRcv: e.lastAckRcv,
			Probing:    e.state == stateProbing,
		})
	}
	return out
}
