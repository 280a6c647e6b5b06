package selector

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/backendai/appproxy/api/types"
)

// fakeSource is an in-memory WorkerSource for exercising Select's
// eligibility and tie-break rules without a real coordinator registry.
type fakeSource struct {
	workers   []*types.Worker
	freeSlots map[string]int
	freeKeys  map[string]bool
}

func (f *fakeSource) ListWorkers(context.Context) ([]*types.Worker, error) {
	return f.workers, nil
}

func (f *fakeSource) FreeSlots(_ context.Context, authority string) (int, error) {
	return f.freeSlots[authority], nil
}

func (f *fakeSource) SlotFree(_ context.Context, authority, key string) (bool, error) {
	if f.freeKeys == nil {
		return true, nil
	}
	return f.freeKeys[authority+"/"+key], nil
}

func interactiveWorker(authority string) *types.Worker {
	return &types.Worker{
		Authority:        authority,
		FrontendMode:     types.FrontendModePort,
		Protocol:         types.ProtocolHTTP,
		AcceptedTraffics: []types.TrafficClass{types.TrafficInteractive},
		PortRange:        []int{10201, 10202},
	}
}

func TestSelectPrefersMoreFreeSlots(t *testing.T) {
	src := &fakeSource{
		workers:   []*types.Worker{interactiveWorker("worker-a"), interactiveWorker("worker-b")},
		freeSlots: map[string]int{"worker-a": 1, "worker-b": 5},
	}
	sel := New(src)

	w, err := sel.Select(context.Background(), Request{Traffic: types.TrafficInteractive, FrontendMode: types.FrontendModePort, Protocol: types.ProtocolHTTP})
	require.NoError(t, err)
	require.Equal(t, "worker-b", w.Authority)
}

func TestSelectTiesBreakLexicographically(t *testing.T) {
	src := &fakeSource{
		workers:   []*types.Worker{interactiveWorker("worker-b"), interactiveWorker("worker-a")},
		freeSlots: map[string]int{"worker-a": 3, "worker-b": 3},
	}
	sel := New(src)

	w, err := sel.Select(context.Background(), Request{Traffic: types.TrafficInteractive, FrontendMode: types.FrontendModePort, Protocol: types.ProtocolHTTP})
	require.NoError(t, err)
	require.Equal(t, "worker-a", w.Authority)
}

func TestSelectExcludesFullWorkers(t *testing.T) {
	src := &fakeSource{
		workers:   []*types.Worker{interactiveWorker("worker-a")},
		freeSlots: map[string]int{"worker-a": 0},
	}
	sel := New(src)

	_, err := sel.Select(context.Background(), Request{Traffic: types.TrafficInteractive, FrontendMode: types.FrontendModePort, Protocol: types.ProtocolHTTP})
	require.True(t, trace.IsLimitExceeded(err))
}

func TestSelectExcludesWrongTrafficClass(t *testing.T) {
	w := interactiveWorker("worker-a")
	src := &fakeSource{workers: []*types.Worker{w}, freeSlots: map[string]int{"worker-a": 5}}
	sel := New(src)

	_, err := sel.Select(context.Background(), Request{Traffic: types.TrafficInference, FrontendMode: types.FrontendModePort, Protocol: types.ProtocolHTTP})
	require.True(t, trace.IsLimitExceeded(err))
}

func TestSelectPrefersAppFilterMatchOverFreeSlots(t *testing.T) {
	general := interactiveWorker("worker-general")
	filtered := interactiveWorker("worker-filtered")
	filtered.FilteredAppsOnly = true
	filtered.AppFilters = []types.AppFilter{{Value: "jupyter"}}

	src := &fakeSource{
		workers:   []*types.Worker{general, filtered},
		freeSlots: map[string]int{"worker-general": 10, "worker-filtered": 1},
	}
	sel := New(src)

	w, err := sel.Select(context.Background(), Request{Traffic: types.TrafficInteractive, FrontendMode: types.FrontendModePort, Protocol: types.ProtocolHTTP, App: "jupyter"})
	require.NoError(t, err)
	require.Equal(t, "worker-filtered", w.Authority)
}

func TestSelectHonorsPreferredPort(t *testing.T) {
	w := interactiveWorker("worker-a")
	src := &fakeSource{
		workers:   []*types.Worker{w},
		freeSlots: map[string]int{"worker-a": 5},
		freeKeys:  map[string]bool{"worker-a/10201": false, "worker-a/10202": true},
	}
	sel := New(src)

	got, err := sel.Select(context.Background(), Request{Traffic: types.TrafficInteractive, FrontendMode: types.FrontendModePort, Protocol: types.ProtocolHTTP, PreferredPort: 10202})
	require.NoError(t, err)
	require.Equal(t, "worker-a", got.Authority)

	_, err = sel.Select(context.Background(), Request{Traffic: types.TrafficInteractive, FrontendMode: types.FrontendModePort, Protocol: types.ProtocolHTTP, PreferredPort: 10201})
	require.True(t, trace.IsLimitExceeded(err))
}
