// Package inference implements the Inference Router (spec.md §4.7):
// weighted-random route selection for model-serving circuits, last-access
// tracking, and the idle-eviction sweeper.
package inference

import (
	"math/rand"

	"github.com/gravitational/trace"

	"github.com/backendai/appproxy/api/types"
)

// PickRoute selects one entry from routes proportional to its
// TrafficRatio. Routes with a zero ratio are excluded; if every ratio is
// zero, selection falls back to uniform over all routes; an empty
// routes slice is rejected (the caller maps this to a 503, spec.md
// §4.7's "reject with 503").
func PickRoute(routes []types.RouteInfo) (*types.RouteInfo, error) {
	return pickRoute(routes, rand.Float64)
}

// pickRoute takes the random source as a parameter so tests can drive it
// deterministically.
func pickRoute(routes []types.RouteInfo, rnd func() float64) (*types.RouteInfo, error) {
	if len(routes) == 0 {
		return nil, trace.NotFound("no live routes for this circuit")
	}

	var total float64
	for _, r := range routes {
		if r.TrafficRatio > 0 {
			total += r.TrafficRatio
		}
	}

	if total <= 0 {
		idx := int(rnd() * float64(len(routes)))
		if idx >= len(routes) {
			idx = len(routes) - 1
		}
		out := routes[idx]
		return &out, nil
	}

	target := rnd() * total
	var cum float64
	for i := range routes {
		if routes[i].TrafficRatio <= 0 {
			continue
		}
		cum += routes[i].TrafficRatio
		if target < cum {
			out := routes[i]
			return &out, nil
		}
	}
	// Floating point edge case: target landed exactly on the cumulative
	// total. Return the last positively-weighted route.
	for i := len(routes) - 1; i >= 0; i-- {
		if routes[i].TrafficRatio > 0 {
			out := routes[i]
			return &out, nil
		}
	}
	return nil, trace.NotFound("no live routes for this circuit")
}
