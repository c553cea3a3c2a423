// Package control is the in-process administrative surface of a mesh node:
// one method per query or mutation an operator (or a future RPC transport)
// can issue, each returning a typed result and an ExitCode instead of a Go
// error, so the surface maps one-to-one onto a request/response protocol.
package control

import (
	"errors"

	"github.com/meshcl/mcl/internal/addr"
	"github.com/meshcl/mcl/internal/errs"
	"github.com/meshcl/mcl/internal/linkcache"
	"github.com/meshcl/mcl/internal/maintbuf"
	"github.com/meshcl/mcl/internal/neighcache"
	"github.com/meshcl/mcl/internal/orchestrator"
)

// ExitCode is the status of one control operation.
type ExitCode int

const (
	Success ExitCode = iota
	InvalidParameter1
	InvalidParameter2
	InvalidParameter3
	InvalidParameter4
	InvalidParameter5
	BufferTooSmall
	BufferOverflow
	NoRouteToDestination
	InsufficientResources
	InvalidAddress
	NotImplemented
)

func (c ExitCode) String() string {
	switch c {
	case Success:
		return "Success"
	case InvalidParameter1, InvalidParameter2, InvalidParameter3, InvalidParameter4, InvalidParameter5:
		return "InvalidParameter"
	case BufferTooSmall:
		return "BufferTooSmall"
	case BufferOverflow:
		return "BufferOverflow"
	case NoRouteToDestination:
		return "NoRouteToDestination"
	case InsufficientResources:
		return "InsufficientResources"
	case InvalidAddress:
		return "InvalidAddress"
	case NotImplemented:
		return "NotImplemented"
	default:
		return "Unknown"
	}
}

// RandomSource provides the generate-random-bits operation; usually the
// orchestrator's own source.
type RandomSource interface {
	Uint32() uint32
}

// Surface exposes one virtual adapter's control operations.
type Surface struct {
	node *orchestrator.LQSR
	rand RandomSource
}

// New returns a control surface over node.
func New(node *orchestrator.LQSR, rand RandomSource) *Surface {
	return &Surface{node: node, rand: rand}
}

// VirtualAdapterInfo answers QueryVirtualAdapter.
type VirtualAdapterInfo struct {
	Address    addr.VirtualAddress
	MetricType addr.MetricType
	Degree     int
	Counters   orchestrator.Snapshot
}

// QueryVirtualAdapter reports the adapter's identity and statistics.
func (s *Surface) QueryVirtualAdapter() (VirtualAdapterInfo, ExitCode) {
	return VirtualAdapterInfo{
		Address:    s.node.Self(),
		MetricType: s.node.MetricType(),
		Degree:     s.node.LinkCache().MyDegree(),
		Counters:   s.node.Counters().Snapshot(),
	}, Success
}

// PhysicalAdapterInfo answers QueryPhysicalAdapters for one adapter.
type PhysicalAdapterInfo struct {
	Index     addr.LQSRIf
	MAC       addr.PhysicalAddress
	Channel   uint8
	Bandwidth uint64
	MTU       int
}

// QueryPhysicalAdapters enumerates the attached physical adapters.
func (s *Surface) QueryPhysicalAdapters() ([]PhysicalAdapterInfo, ExitCode) {
	adapters := s.node.Adapters()
	out := make([]PhysicalAdapterInfo, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, PhysicalAdapterInfo{
			Index:     a.Index(),
			MAC:       a.MAC(),
			Channel:   a.Channel(),
			Bandwidth: a.Bandwidth(),
			MTU:       a.MTU(),
		})
	}
	return out, Success
}

// QueryNeighborCache dumps the neighbor cache.
func (s *Surface) QueryNeighborCache() (map[neighcache.Key]neighcache.Entry, ExitCode) {
	return s.node.NeighborCache().Dump(), Success
}

// FlushNeighborCache clears every neighbor cache entry.
func (s *Surface) FlushNeighborCache() ExitCode {
	s.node.NeighborCache().Flush()
	return Success
}

// QueryCacheNode reports the cached routing state for one destination.
func (s *Surface) QueryCacheNode(dest addr.VirtualAddress) (linkcache.NodeState, ExitCode) {
	st, ok := s.node.LinkCache().DumpNode(dest)
	if !ok {
		return linkcache.NodeState{}, InvalidAddress
	}
	return st, Success
}

// QuerySourceRoute reports the currently cached route to dest without
// recomputing anything.
func (s *Surface) QuerySourceRoute(dest addr.VirtualAddress) (*linkcache.SourceRoute, ExitCode) {
	route, ok := s.node.LinkCache().GetSourceRoute(dest)
	if !ok {
		return nil, NoRouteToDestination
	}
	return route, Success
}

// QueryLinkCache dumps every link in the cache.
func (s *Surface) QueryLinkCache() ([]linkcache.LinkState, ExitCode) {
	return s.node.LinkCache().DumpLinks(), Success
}

// QueryMaintenanceBuffer dumps every tracked neighbor queue.
func (s *Surface) QueryMaintenanceBuffer() ([]maintbuf.State, ExitCode) {
	return s.node.MaintenanceBuffer().Dump(), Success
}

// QueryLinkChanges returns the link-state change log, oldest first.
func (s *Surface) QueryLinkChanges() ([]linkcache.LinkChangeRecord, ExitCode) {
	return s.node.LinkCache().LinkChanges(), Success
}

// QueryRouteChanges returns the route-selection change log, oldest first.
func (s *Surface) QueryRouteChanges() ([]linkcache.RouteChangeRecord, ExitCode) {
	return s.node.LinkCache().RouteChanges(), Success
}

// AddLink manually installs a directed link.
func (s *Surface) AddLink(from, to addr.VirtualAddress, outIf, inIf addr.LQSRIf, metric addr.LinkMetric) ExitCode {
	if from == to {
		return InvalidParameter2
	}
	s.node.LinkCache().AddLink(from, to, outIf, inIf, metric, linkcache.ReasonAddManual)
	return Success
}

// FlushLinkCache drops every cached link and route.
func (s *Surface) FlushLinkCache() ExitCode {
	s.node.LinkCache().Flush()
	return Success
}

// AddStaticSourceRoute installs an administrator-provided route to dest.
func (s *Surface) AddStaticSourceRoute(dest addr.VirtualAddress, hops []linkcache.HopEntry) ExitCode {
	err := s.node.LinkCache().AddStaticRoute(dest, hops)
	switch {
	case err == nil:
		return Success
	case errors.Is(err, errs.ErrInvalidConfiguration):
		return InvalidParameter2
	default:
		return InsufficientResources
	}
}

// ControlVirtualAdapter applies transient virtual-adapter settings.
// Persistent settings live in the configuration file loaded at startup;
// changing them here is not supported.
func (s *Surface) ControlVirtualAdapter(snooping, artificialDrop, persistent bool) ExitCode {
	if persistent {
		return NotImplemented
	}
	s.node.SetSnooping(snooping)
	s.node.SetArtificialDrop(artificialDrop)
	return Success
}

// ControlPhysicalAdapter would reconfigure an underlying radio; the
// attach/detach machinery lives outside this module.
func (s *Surface) ControlPhysicalAdapter(addr.LQSRIf) ExitCode {
	return NotImplemented
}

// InformationRequest floods a statistics request to every neighbor.
func (s *Surface) InformationRequest() ExitCode {
	s.node.BroadcastInfoRequest()
	return Success
}

// ResetStatistics zeroes the adapter's counters.
func (s *Surface) ResetStatistics() ExitCode {
	s.node.Counters().Reset()
	return Success
}

// ControlLink sets a link's artificial-drop ratio, in parts-per-1000.
func (s *Surface) ControlLink(from, to addr.VirtualAddress, outIf, inIf addr.LQSRIf, dropRatio uint32) ExitCode {
	if dropRatio > 1000 {
		return InvalidParameter5
	}
	if err := s.node.LinkCache().ControlLink(from, to, outIf, inIf, dropRatio); err != nil {
		return InvalidAddress
	}
	return Success
}

// GenerateRandomBits fills a buffer of n bytes from the node's random
// source.
func (s *Surface) GenerateRandomBits(n int) ([]byte, ExitCode) {
	const maxRandomBytes = 4096
	if n <= 0 {
		return nil, InvalidParameter1
	}
	if n > maxRandomBytes {
		return nil, BufferTooSmall
	}
	out := make([]byte, n)
	for i := 0; i < n; i += 4 {
		v := s.rand.Uint32()
		for j := 0; j < 4 && i+j < n; j++ {
			out[i+j] = byte(v >> (8 * j))
		}
	}
	return out, Success
}
