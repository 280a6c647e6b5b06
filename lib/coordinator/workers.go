// Package coordinator wires together the Slot Ledger, Circuit Registry,
// Worker Selector and Token Vault behind the REST surface described in
// spec.md §6.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/circuits"
	"github.com/backendai/appproxy/lib/defaults"
	"github.com/backendai/appproxy/lib/events"
	"github.com/backendai/appproxy/lib/metrics"
	"github.com/backendai/appproxy/lib/slots"
)

// WorkerRegistry is the coordinator's authoritative record of registered
// workers (spec.md §3, Worker / §4.5).
type WorkerRegistry struct {
	be     backend.Backend
	ledger *slots.Ledger
	circuits *circuits.Registry
	bus    *events.Bus
	clock  clockwork.Clock
	log    *logrus.Entry
}

// NewWorkerRegistry returns a WorkerRegistry.
func NewWorkerRegistry(be backend.Backend, ledger *slots.Ledger, reg *circuits.Registry, bus *events.Bus, clock clockwork.Clock) *WorkerRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WorkerRegistry{
		be:       be,
		ledger:   ledger,
		circuits: reg,
		bus:      bus,
		clock:    clock,
		log:      logrus.WithField(trace.Component, defaults.Component("appproxy", "workers")),
	}
}

func workerKey(authority string) string {
	return defaults.KeyWorkers + "/" + authority
}

// Register creates or re-registers a worker. Per spec.md §3's invariant,
// a second registration under the same authority must agree on
// frontend_mode, protocol and advertised endpoints; conflicting
// registrations are rejected. Re-registration from an additional node
// increments Nodes to reflect an HA set.
func (r *WorkerRegistry) Register(ctx context.Context, w types.Worker) (*types.Worker, error) {
	existing, err := r.Get(ctx, w.Authority)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	now := r.clock.Now()

	if existing != nil {
		if existing.FrontendMode != w.FrontendMode || existing.Protocol != w.Protocol || existing.Hostname != w.Hostname {
			return nil, trace.BadParameter(
				"worker %q re-registered with conflicting frontend_mode/protocol/hostname (have %v/%v/%v, got %v/%v/%v)",
				w.Authority, existing.FrontendMode, existing.Protocol, existing.Hostname,
				w.FrontendMode, w.Protocol, w.Hostname)
		}
		w.ID = existing.ID
		w.Nodes = existing.Nodes + 1
		w.CreatedAt = existing.CreatedAt
	} else {
		w.ID = uuid.NewString()
		w.Nodes = 1
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	data, err := json.Marshal(w)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := r.be.Put(ctx, backend.Item{Key: workerKey(w.Authority), Value: data}); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := r.bus.Emit(ctx, events.Envelope{Kind: events.KindWorkerRegistered, Worker: w.Authority}); err != nil {
		r.log.WithError(err).Warn("failed to publish worker-registered event")
	}

	metrics.WorkerRegistrations.WithLabelValues(w.Authority).Inc()

	out := w
	return &out, nil
}

// Get returns the worker registered under authority.
func (r *WorkerRegistry) Get(ctx context.Context, authority string) (*types.Worker, error) {
	item, err := r.be.Get(ctx, workerKey(authority))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var w types.Worker
	if err := json.Unmarshal(item.Value, &w); err != nil {
		return nil, trace.Wrap(err)
	}
	return &w, nil
}

// GetByID returns the worker with the given coordinator-assigned id.
func (r *WorkerRegistry) GetByID(ctx context.Context, id string) (*types.Worker, error) {
	workers, err := r.ListWorkers(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, w := range workers {
		if w.ID == id {
			return w, nil
		}
	}
	return nil, trace.NotFound("worker %q not found", id)
}

// ListWorkers returns every registered worker, satisfying
// selector.WorkerSource.
func (r *WorkerRegistry) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	items, err := r.be.GetRange(ctx, defaults.KeyWorkers+"/")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Worker, 0, len(items))
	for _, item := range items {
		// Skip nested slot keys (coordinator/workers/{authority}/slots/*).
		rest := item.Key[len(defaults.KeyWorkers)+1:]
		if containsSlash(rest) {
			continue
		}
		var w types.Worker
		if err := json.Unmarshal(item.Value, &w); err != nil {
			continue
		}
		out = append(out, &w)
	}
	return out, nil
}

func containsSlash(s string) bool {
	for _, c := range s {
		if c == '/' {
			return true
		}
	}
	return false
}

// FreeSlots satisfies selector.WorkerSource: for a port-mode worker it is
// the size of the configured port_range minus occupied circuits; for a
// wildcard worker capacity is unbounded, so it is reported as a large
// constant rather than -1 so selector.Select's "free == 0" rejection
// never misfires.
func (r *WorkerRegistry) FreeSlots(ctx context.Context, authority string) (int, error) {
	w, err := r.Get(ctx, authority)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if w.FrontendMode == types.FrontendModeWildcard {
		return 1 << 30, nil
	}
	occupied, err := r.circuits.CountByWorker(ctx, authority)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	free := len(w.PortRange) - occupied
	if free < 0 {
		free = 0
	}
	return free, nil
}

// SlotFree satisfies selector.WorkerSource.
func (r *WorkerRegistry) SlotFree(ctx context.Context, authority, key string) (bool, error) {
	_, err := r.be.Get(ctx, fmt.Sprintf("%s/%s/slots/%s", defaults.KeyWorkers, authority, key))
	if err == nil {
		return false, nil
	}
	if trace.IsNotFound(err) {
		return true, nil
	}
	return false, trace.Wrap(err)
}

// Remove deregisters a worker. Per SPEC_FULL.md §12.3 this refuses while
// the worker still owns live circuits.
func (r *WorkerRegistry) Remove(ctx context.Context, id string) error {
	w, err := r.GetByID(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}

	count, err := r.circuits.CountByWorker(ctx, w.Authority)
	if err != nil {
		return trace.Wrap(err)
	}
	if count > 0 {
		return trace.BadParameter("worker %q still owns %d live circuits; drain before removal", w.Authority, count)
	}

	if err := r.be.Delete(ctx, workerKey(w.Authority)); err != nil {
		return trace.Wrap(err)
	}
	if err := r.bus.Emit(ctx, events.Envelope{Kind: events.KindWorkerRemoved, Worker: w.Authority}); err != nil {
		r.log.WithError(err).Warn("failed to publish worker-removed event")
	}
	return nil
}
