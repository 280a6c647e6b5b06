// Package selector implements the Worker Selector (spec.md §4.3): picking
// an eligible worker for a circuit request among those a WorkerSource
// reports.
//
// The Matcher-composition shape is adapted from the teacher's
// lib/web/app.Matcher (MatchAll/MatchName/MatchPublicAddr): small
// predicates over a candidate, combined and applied by Select.
package selector

import (
	"context"
	"sort"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/backendai/appproxy/api/types"
)

// Request is the subset of a circuit-creation request relevant to
// worker eligibility.
type Request struct {
	Traffic        types.TrafficClass
	FrontendMode   types.FrontendMode
	Protocol       types.Protocol
	App            string
	PreferredPort      int
	PreferredSubdomain string
}

// WorkerSource lists the workers currently registered with the
// coordinator, along with how many slots each currently has free.
type WorkerSource interface {
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	FreeSlots(ctx context.Context, authority string) (int, error)
	SlotFree(ctx context.Context, authority, key string) (bool, error)
}

// Matcher is a single eligibility predicate over a candidate worker.
type Matcher func(w *types.Worker) bool

// MatchAll combines matchers with AND semantics.
func MatchAll(matchers ...Matcher) Matcher {
	return func(w *types.Worker) bool {
		for _, m := range matchers {
			if !m(w) {
				return false
			}
		}
		return true
	}
}

func matchTraffic(class types.TrafficClass) Matcher {
	return func(w *types.Worker) bool { return w.AcceptsTraffic(class) }
}

func matchFrontend(mode types.FrontendMode) Matcher {
	return func(w *types.Worker) bool { return w.FrontendMode == mode }
}

func matchProtocol(p types.Protocol) Matcher {
	return func(w *types.Worker) bool { return w.Protocol == p }
}

func matchAppFilter(app string) Matcher {
	return func(w *types.Worker) bool {
		if !w.FilteredAppsOnly {
			return true
		}
		return w.MatchesAppFilter(app)
	}
}

// Selector picks an eligible worker for a Request.
type Selector struct {
	src WorkerSource
}

// New returns a Selector backed by src.
func New(src WorkerSource) *Selector {
	return &Selector{src: src}
}

// candidate pairs a worker with the metadata needed to rank it.
type candidate struct {
	worker        *types.Worker
	freeSlots     int
	matchesFilter bool
}

// Select picks a worker for req, applying the eligibility predicates and
// tie-break order of spec.md §4.3: app-filter match first, then more
// free slots, then lexicographic authority for determinism.
func (s *Selector) Select(ctx context.Context, req Request) (*types.Worker, error) {
	workers, err := s.src.ListWorkers(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	match := MatchAll(
		matchTraffic(req.Traffic),
		matchFrontend(req.FrontendMode),
		matchProtocol(req.Protocol),
		matchAppFilter(req.App),
	)

	var candidates []candidate
	for _, w := range workers {
		if !match(w) {
			continue
		}

		if req.PreferredPort != 0 {
			if w.FrontendMode != types.FrontendModePort || !w.OwnsPort(req.PreferredPort) {
				continue
			}
			free, err := s.src.SlotFree(ctx, w.Authority, portKey(req.PreferredPort))
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if !free {
				continue
			}
		}
		if req.PreferredSubdomain != "" {
			if w.FrontendMode != types.FrontendModeWildcard {
				continue
			}
			free, err := s.src.SlotFree(ctx, w.Authority, req.PreferredSubdomain)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if !free {
				continue
			}
		}

		free, err := s.src.FreeSlots(ctx, w.Authority)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if free == 0 {
			continue
		}

		candidates = append(candidates, candidate{
			worker:        w,
			freeSlots:     free,
			matchesFilter: w.FilteredAppsOnly && w.MatchesAppFilter(req.App),
		})
	}

	if len(candidates) == 0 {
		return nil, trace.LimitExceeded("no eligible worker available for %v/%v traffic", req.FrontendMode, req.Traffic)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.matchesFilter != b.matchesFilter {
			return a.matchesFilter
		}
		if a.freeSlots != b.freeSlots {
			return a.freeSlots > b.freeSlots
		}
		return a.worker.Authority < b.worker.Authority
	})

	return candidates[0].worker, nil
}

func portKey(port int) string {
	return strconv.Itoa(port)
}
