package linkcache

import "github.com/meshcl/mcl/internal/addr"

// fudge implements the route-flap damping tolerance: fudge = D*new/divisor(age),
// with divisor growing coarser as the cached route ages (100ms:8, 1s:16,
// 10s:32, 100s:64, else: infinite, i.e. a route older than 100s gets no
// tolerance and is displaced by any strictly better one).
func fudge(newMetric uint64, age addr.Time, dampingFactor uint32) uint64 {
	if dampingFactor == 0 {
		return 0
	}

	var divisor uint64
	switch {
	case age < 100*addr.Millisecond:
		divisor = 8
	case age < addr.Second:
		divisor = 16
	case age < 10*addr.Second:
		divisor = 32
	case age < 100*addr.Second:
		divisor = 64
	default:
		return 0 // infinite divisor: no tolerance
	}

	product := uint64(dampingFactor) * newMetric
	if dampingFactor != 0 && product/uint64(dampingFactor) != newMetric {
		return ^uint64(0) // overflow: treat as "keep old"
	}
	return product / divisor
}

// keepOldRoute decides whether a cached route should survive
// in favor of a freshly computed one.
//
//	old  - the cached route's path metric (infinite encoded as ^uint64(0))
//	new  - the best freshly computed path metric to the same destination
//	age  - how long the cached route has been in use (now - first_usage)
//	damp - RouteFlapDampingFactor (0 disables damping entirely)
func keepOldRoute(old, new uint64, age addr.Time, damp uint32) bool {
	if old == ^uint64(0) {
		return false
	}
	f := fudge(new, age, damp)
	sum := new + f
	if sum < new {
		return true // overflow on the fudge side: treat as "keep old"
	}
	return old <= sum
}
