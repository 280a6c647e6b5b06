// Package circuits implements the Circuit Registry (spec.md §4.2):
// create/find_reusable/remove of Circuit records, with an advisory
// fingerprint lock ensuring at-most-one concurrent creation per
// reuse-fingerprint.
package circuits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/defaults"
	"github.com/backendai/appproxy/lib/events"
	"github.com/backendai/appproxy/lib/metrics"
	"github.com/backendai/appproxy/lib/slots"
)

// Registry is the coordinator's authoritative Circuit store.
type Registry struct {
	be    backend.Backend
	ledger *slots.Ledger
	bus   *events.Bus
	clock clockwork.Clock
	log   *logrus.Entry
}

// Config configures a Registry.
type Config struct {
	Backend backend.Backend
	Ledger  *slots.Ledger
	Bus     *events.Bus
	Clock   clockwork.Clock
}

// New returns a Registry built from cfg.
func New(cfg Config) (*Registry, error) {
	if cfg.Backend == nil || cfg.Ledger == nil || cfg.Bus == nil {
		return nil, trace.BadParameter("backend, ledger and bus are all required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Registry{
		be:     cfg.Backend,
		ledger: cfg.Ledger,
		bus:    cfg.Bus,
		clock:  cfg.Clock,
		log:    logrus.WithField(trace.Component, defaults.Component("appproxy", "circuits")),
	}, nil
}

func circuitKey(id string) string {
	return defaults.KeyCircuits + "/" + id
}

func byWorkerKey(authority, id string) string {
	return fmt.Sprintf("%s/%s/%s", defaults.KeyCircuitsByWorker, authority, id)
}

func byWorkerPrefix(authority string) string {
	return defaults.KeyCircuitsByWorker + "/" + authority + "/"
}

func fingerprintLockKey(fp string) string {
	return defaults.KeyLocksFingerprint + "/" + fp
}

// Get returns the circuit with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*types.Circuit, error) {
	item, err := r.be.Get(ctx, circuitKey(id))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var c types.Circuit
	if err := json.Unmarshal(item.Value, &c); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// FindReusable looks up a live circuit matching fingerprint, per
// spec.md §4.2's find_reusable. It returns trace.NotFound if none
// exists (reuse suppressed, torn down, or never created).
func (r *Registry) FindReusable(ctx context.Context, fingerprint string) (*types.Circuit, error) {
	items, err := r.be.GetRange(ctx, defaults.KeyCircuits+"/")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, item := range items {
		var c types.Circuit
		if err := json.Unmarshal(item.Value, &c); err != nil {
			continue
		}
		if c.Fingerprint == fingerprint {
			return &c, nil
		}
	}
	return nil, trace.NotFound("no reusable circuit for fingerprint %s", fingerprint)
}

// ListByWorker returns every circuit currently bound to authority.
func (r *Registry) ListByWorker(ctx context.Context, authority string) ([]*types.Circuit, error) {
	items, err := r.be.GetRange(ctx, byWorkerPrefix(authority))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Circuit, 0, len(items))
	for _, item := range items {
		id := item.Key[len(byWorkerPrefix(authority)):]
		c, err := r.Get(ctx, id)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}
		out = append(out, c)
	}
	return out, nil
}

// CountByWorker returns len(ListByWorker), without materializing full
// circuit bodies, for the Worker Selector's free-slot accounting.
func (r *Registry) CountByWorker(ctx context.Context, authority string) (int, error) {
	items, err := r.be.GetRange(ctx, byWorkerPrefix(authority))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return len(items), nil
}

// CreateParams bundles everything Create needs beyond the reuse
// fingerprint and raw request.
type CreateParams struct {
	Request     types.CreateCircuitRequest
	Worker      *types.Worker
	CookieSecret string

	// ID, if set, is used as the new circuit's id instead of a freshly
	// generated one. Callers that need to know the id before creation
	// completes (e.g. to derive a cookie secret bound to it) set this.
	ID string
}

// Create atomically reserves a slot from params.Worker, writes the
// circuit record and publishes a circuit-created event. Any failure
// after the slot reservation rolls the reservation back (spec.md §4.2).
func (r *Registry) Create(ctx context.Context, p CreateParams) (*types.Circuit, error) {
	key, err := r.ledger.Reserve(ctx, p.Worker, preferredKey(p.Request))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &types.Circuit{
		ID:               id,
		App:              p.Request.App,
		Protocol:         p.Request.Protocol,
		Worker:           p.Worker.Authority,
		AppMode:          p.Request.AppMode,
		FrontendMode:     p.Worker.FrontendMode,
		Envs:             p.Request.Envs,
		Arguments:        p.Request.Arguments,
		OpenToPublic:     p.Request.OpenToPublic,
		AllowedClientIPs: p.Request.AllowedClientIPs,
		UserID:           p.Request.UserID,
		EndpointID:       p.Request.EndpointID,
		SessionIDs:       p.Request.SessionIDs,
		CookieSecret:     p.CookieSecret,
		Fingerprint:      p.Request.Fingerprint(),
		CreatedAt:        r.clock.Now(),
		UpdatedAt:        r.clock.Now(),
	}
	if p.Request.KernelHost != "" {
		c.RouteInfo = []types.RouteInfo{{
			SessionID:    firstOrEmpty(p.Request.SessionIDs),
			KernelHost:   p.Request.KernelHost,
			KernelPort:   p.Request.KernelPort,
			Protocol:     p.Request.Protocol,
			TrafficRatio: 1,
		}}
	}
	if p.Worker.FrontendMode == types.FrontendModeWildcard {
		c.Subdomain = key
	} else {
		fmt.Sscanf(key, "%d", &c.Port)
	}

	if err := r.write(ctx, c); err != nil {
		// Roll back the slot reservation: the spec requires creation to
		// be all-or-nothing.
		if relErr := r.ledger.Release(ctx, p.Worker.Authority, key); relErr != nil {
			r.log.WithError(relErr).Error("failed to roll back slot reservation after failed circuit creation")
		}
		return nil, trace.Wrap(err)
	}

	if err := r.bus.Emit(ctx, events.Envelope{Kind: events.KindCircuitCreated, Worker: c.Worker, Circuit: c}); err != nil {
		// The circuit and slot are already durably written; a failed
		// publish is a provisioning anomaly (E20001), not a reason to
		// roll back a circuit the coordinator is now authoritative for.
		r.log.WithError(err).Warn("failed to publish circuit-created event")
	}

	metrics.CircuitsActive.WithLabelValues(c.Worker, string(c.AppMode)).Inc()

	return c, nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func preferredKey(req types.CreateCircuitRequest) string {
	if req.PreferredSubdomain != "" {
		return req.PreferredSubdomain
	}
	if req.PreferredPort != 0 {
		return fmt.Sprintf("%d", req.PreferredPort)
	}
	return ""
}

func (r *Registry) write(ctx context.Context, c *types.Circuit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := r.be.Put(ctx, backend.Item{Key: circuitKey(c.ID), Value: data}); err != nil {
		return trace.Wrap(err)
	}
	if _, err := r.be.Put(ctx, backend.Item{Key: byWorkerKey(c.Worker, c.ID), Value: []byte(c.ID)}); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// UpdateRoutes atomically replaces c's route_info, bumping UpdatedAt.
// The whole array is replaced in one write, never partially (spec.md
// §4.2 invariant (iii)).
func (r *Registry) UpdateRoutes(ctx context.Context, id string, routes []types.RouteInfo) (*types.Circuit, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.RouteInfo = routes
	c.UpdatedAt = r.clock.Now()
	if err := r.write(ctx, c); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.bus.Emit(ctx, events.Envelope{Kind: events.KindCircuitUpdated, Worker: c.Worker, Circuit: c}); err != nil {
		r.log.WithError(err).Warn("failed to publish circuit-updated event")
	}
	return c, nil
}

// Remove deletes the circuit, releases its slot exactly once, and
// publishes a circuit-removed event. Removing an absent id returns
// trace.NotFound (E00002), and does not touch the slot ledger a second
// time if called twice (spec.md §8 property 8, idempotence).
func (r *Registry) Remove(ctx context.Context, id string) error {
	c, err := r.Get(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}

	if err := r.be.Delete(ctx, circuitKey(id)); err != nil {
		return trace.Wrap(err)
	}
	if err := r.be.Delete(ctx, byWorkerKey(c.Worker, id)); err != nil {
		r.log.WithError(err).Warn("failed to remove circuits-by-worker index entry")
	}
	if err := r.ledger.Release(ctx, c.Worker, c.SlotKey()); err != nil {
		r.log.WithError(err).Error("failed to release slot on circuit removal")
	}

	if err := r.bus.Emit(ctx, events.Envelope{Kind: events.KindCircuitRemoved, Worker: c.Worker, Circuit: c}); err != nil {
		r.log.WithError(err).Warn("failed to publish circuit-removed event")
	}

	metrics.CircuitsActive.WithLabelValues(c.Worker, string(c.AppMode)).Dec()

	return nil
}

// FingerprintLock is an in-store advisory lock coalescing concurrent
// creation requests for the same fingerprint (spec.md §4.2).
type FingerprintLock struct {
	be          backend.Backend
	fingerprint string
	holder      string
	clock       clockwork.Clock
}

// AcquireFingerprintLock attempts to become the sole creator for
// fingerprint. On success the caller must Release it when creation
// completes (success or failure). On failure (lost the race) the caller
// should await the winner's circuit-created event up to
// defaults.FingerprintWaitTimeout and then call FindReusable.
func (r *Registry) AcquireFingerprintLock(ctx context.Context, fingerprint string) (*FingerprintLock, bool, error) {
	holder := uuid.NewString()
	expires := r.clock.Now().Add(defaults.FingerprintLockTTL)

	_, err := r.be.CompareAndSwap(ctx, backend.Item{
		Key:     fingerprintLockKey(fingerprint),
		Value:   []byte(holder),
		Expires: expires,
	}, nil)
	if err != nil {
		if trace.IsCompareFailed(err) {
			return nil, false, nil
		}
		return nil, false, trace.Wrap(err)
	}

	return &FingerprintLock{be: r.be, fingerprint: fingerprint, holder: holder, clock: r.clock}, true, nil
}

// Release drops the lock, provided the caller still holds it.
func (l *FingerprintLock) Release(ctx context.Context) error {
	item, err := l.be.Get(ctx, fingerprintLockKey(l.fingerprint))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	if string(item.Value) != l.holder {
		return nil
	}
	return trace.Wrap(l.be.Delete(ctx, fingerprintLockKey(l.fingerprint)))
}

// AwaitCreated blocks on bus until a circuit-created event for
// fingerprint arrives or deadline elapses, returning the winner's
// circuit. Callers use this after losing AcquireFingerprintLock.
func AwaitCreated(ctx context.Context, bus *events.Bus, fingerprint string, deadline time.Duration) (*types.Circuit, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sub, err := bus.Subscribe(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer sub.Close()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return nil, trace.ConnectionProblem(nil, "event subscription closed while awaiting circuit creation")
			}
			if env.Kind == events.KindCircuitCreated && env.Circuit != nil && env.Circuit.Fingerprint == fingerprint {
				return env.Circuit, nil
			}
		case <-ctx.Done():
			return nil, trace.LimitExceeded("timed out waiting for concurrent circuit creation for fingerprint %s", fingerprint)
		}
	}
}
