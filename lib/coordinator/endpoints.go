package coordinator

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/defaults"
)

// EndpointStore is the coordinator's record of Manager-visible inference
// endpoints (spec.md §3, Endpoint), each owning exactly one Circuit.
type EndpointStore struct {
	be    backend.Backend
	clock clockwork.Clock
	log   *logrus.Entry
}

// NewEndpointStore returns an EndpointStore backed by be.
func NewEndpointStore(be backend.Backend, clock clockwork.Clock) *EndpointStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EndpointStore{
		be:    be,
		clock: clock,
		log:   logrus.WithField(trace.Component, defaults.Component("appproxy", "endpoints")),
	}
}

func endpointKey(id string) string {
	return defaults.KeyEndpoints + "/" + id
}

// Get returns the endpoint with the given id.
func (s *EndpointStore) Get(ctx context.Context, id string) (*types.Endpoint, error) {
	item, err := s.be.Get(ctx, endpointKey(id))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var ep types.Endpoint
	if err := json.Unmarshal(item.Value, &ep); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ep, nil
}

// Put creates or overwrites ep, stamping timestamps.
func (s *EndpointStore) Put(ctx context.Context, ep *types.Endpoint) error {
	existing, err := s.Get(ctx, ep.ID)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	now := s.clock.Now()
	if existing != nil {
		ep.CreatedAt = existing.CreatedAt
	} else {
		ep.CreatedAt = now
	}
	ep.UpdatedAt = now

	data, err := json.Marshal(ep)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.be.Put(ctx, backend.Item{Key: endpointKey(ep.ID), Value: data})
	return trace.Wrap(err)
}

// Delete removes the endpoint record. Removing an absent endpoint is not
// an error (mirrors the idempotent-delete contract of the circuit it owns).
func (s *EndpointStore) Delete(ctx context.Context, id string) error {
	return trace.Wrap(s.be.Delete(ctx, endpointKey(id)))
}
