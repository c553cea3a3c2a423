// Package piggyback schedules small per-neighbor protocol options (link
// acknowledgements, Route Replies, Route Errors) to ride along on the next
// outgoing data packet to that neighbor, falling back to a standalone
// packet if none arrives before the option's deadline.
package piggyback

import (
	"sort"
	"sync"

	"github.com/meshcl/mcl/internal/addr"
)

// MinFrameSize is PROTOCOL_MIN_FRAME_SIZE: the frame budget piggybacked
// options must fit within alongside the data payload they ride with.
const MinFrameSize = 1500

// OptionKind distinguishes the option types that can be piggybacked.
type OptionKind int

const (
	OptionAck OptionKind = iota
	OptionRouteReply
	OptionRouteError
)

func (k OptionKind) String() string {
	switch k {
	case OptionAck:
		return "ACK"
	case OptionRouteReply:
		return "ROUTE_REPLY"
	case OptionRouteError:
		return "ROUTE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Option is one pending piggybacked protocol option.
type Option struct {
	Kind     OptionKind
	Payload  []byte
	Deadline addr.Time

	// CoalesceKey, when non-empty, identifies options that supersede one
	// another rather than queuing separately (an Ack only needs to report
	// the most recent sequence number for a given neighbor).
	CoalesceKey string
}

// Scheduler is the piggyback option queue for one virtual adapter,
// partitioned by next-hop neighbor.
type Scheduler struct {
	mu      sync.Mutex
	pending map[addr.VirtualAddress][]Option
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{pending: make(map[addr.VirtualAddress][]Option)}
}

// Add queues opt for nextHop. If opt has a CoalesceKey matching an already
// pending option of the same kind for that neighbor, the existing one is
// replaced rather than duplicated, keeping the earlier of the two deadlines.
// The displaced option is returned so the caller can compare payloads (an
// Ack superseding one with the same identifier means the peer already
// retransmitted).
func (s *Scheduler) Add(nextHop addr.VirtualAddress, opt Option) (displaced *Option) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := s.pending[nextHop]
	if opt.CoalesceKey != "" {
		for i := range opts {
			if opts[i].Kind == opt.Kind && opts[i].CoalesceKey == opt.CoalesceKey {
				old := opts[i]
				if old.Deadline < opt.Deadline {
					opt.Deadline = old.Deadline
				}
				opts[i] = opt
				s.resort(nextHop, opts)
				return &old
			}
		}
	}

	opts = append(opts, opt)
	s.resort(nextHop, opts)
	return nil
}

func (s *Scheduler) resort(nextHop addr.VirtualAddress, opts []Option) {
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Deadline < opts[j].Deadline })
	s.pending[nextHop] = opts
}

// Take removes and returns as many of nextHop's pending options, in
// deadline order, as fit within budget bytes (typically MinFrameSize minus
// the data payload already committed to the frame).
func (s *Scheduler) Take(nextHop addr.VirtualAddress, budget int) []Option {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := s.pending[nextHop]
	if len(opts) == 0 {
		return nil
	}

	var taken []Option
	remaining := opts[:0]
	used := 0
	for _, o := range opts {
		if used+len(o.Payload) <= budget {
			taken = append(taken, o)
			used += len(o.Payload)
			continue
		}
		remaining = append(remaining, o)
	}

	if len(remaining) == 0 {
		delete(s.pending, nextHop)
	} else {
		s.pending[nextHop] = remaining
	}
	return taken
}

// Due returns every neighbor with at least one pending option whose
// deadline has passed, so the caller can force a standalone packet for it.
// Options returned this way are removed from the schedule.
func (s *Scheduler) Due(now addr.Time) map[addr.VirtualAddress][]Option {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make(map[addr.VirtualAddress][]Option)
	for nextHop, opts := range s.pending {
		if len(opts) == 0 || opts[0].Deadline > now {
			continue
		}

		var expired, kept []Option
		for _, o := range opts {
			if o.Deadline <= now {
				expired = append(expired, o)
			} else {
				kept = append(kept, o)
			}
		}
		due[nextHop] = expired
		if len(kept) == 0 {
			delete(s.pending, nextHop)
		} else {
			s.pending[nextHop] = kept
		}
	}
	return due
}

// Pending reports whether any option is queued for nextHop.
func (s *Scheduler) Pending(nextHop addr.VirtualAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[nextHop]) > 0
}
