// Package errs holds the abstract error taxonomy shared by every LQSR
// component. Only control-plane calls surface these as exit
// codes; everywhere else they stay internal and are logged/counted.
package errs

import "errors"

var (
	// ErrInvalidPacket marks a codec shape or MAC verification failure. The
	// packet is dropped and counted; the error never propagates past the
	// receive path.
	ErrInvalidPacket = errors.New("lqsr: invalid packet")

	// ErrOutOfResources marks an allocation failure outside the packet path.
	ErrOutOfResources = errors.New("lqsr: out of resources")

	// ErrNoRoute marks a fill-source-route failure; the caller is expected to
	// fall back to the send buffer and originate a Route Request.
	ErrNoRoute = errors.New("lqsr: no route to destination")

	// ErrQueueFull marks a maintenance or forward queue bound being hit.
	ErrQueueFull = errors.New("lqsr: queue full")

	// ErrLinkBroken marks a link-failure detected by the maintenance buffer.
	ErrLinkBroken = errors.New("lqsr: link broken")

	// ErrInvalidConfiguration marks a rejected static route or config value.
	ErrInvalidConfiguration = errors.New("lqsr: invalid configuration")
)
