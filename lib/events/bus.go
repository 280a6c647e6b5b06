// Package events implements the coordinator/events pub/sub topic
// (spec.md §6): circuit-created, circuit-updated, circuit-removed,
// worker-registered and worker-removed notifications, published through
// the shared backend and consumed by any coordinator or worker instance.
package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/defaults"
)

// Kind enumerates the envelope kinds published on the events topic.
type Kind string

const (
	KindCircuitCreated    Kind = "circuit-created"
	KindCircuitUpdated    Kind = "circuit-updated"
	KindCircuitRemoved    Kind = "circuit-removed"
	KindWorkerRegistered  Kind = "worker-registered"
	KindWorkerRemoved     Kind = "worker-removed"
)

// Envelope is the wire format of a single event, matching spec.md §6:
// {kind, worker?, circuit?, payload}.
type Envelope struct {
	Kind    Kind          `json:"kind"`
	Worker  string        `json:"worker,omitempty"`
	Circuit *types.Circuit `json:"circuit,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Emitter publishes envelopes to the events topic.
type Emitter interface {
	Emit(ctx context.Context, env Envelope) error
}

// Subscription delivers Envelopes to a caller until Close()d.
type Subscription interface {
	Events() <-chan Envelope
	Close() error
}

// Bus is the coordinator/events topic, implemented as the key prefix
// defaults.EventsTopic whose writes are observed through the backend's
// prefix watch. Every publish gets its own key under it so consumers
// that were briefly disconnected can still catch up via GetRange.
type Bus struct {
	be  backend.Backend
	log *logrus.Entry
}

// New returns a Bus backed by be.
func New(be backend.Backend) *Bus {
	return &Bus{
		be:  be,
		log: logrus.WithField(trace.Component, defaults.Component("appproxy", "events")),
	}
}

// Emit publishes env under a fresh key in the events topic. Subscribers
// watching the topic prefix observe the Put.
func (b *Bus) Emit(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return trace.Wrap(err)
	}

	key := defaults.EventsTopic + "/" + eventKey(env)
	_, err = b.be.Put(ctx, backend.Item{Key: key, Value: data})
	return trace.Wrap(err)
}

func eventKey(env Envelope) string {
	id := env.Worker
	if env.Circuit != nil {
		id = env.Circuit.ID
	}
	return string(env.Kind) + "/" + id + "/" + uuid.NewString()
}

// Subscribe begins streaming envelopes published after the call returns.
func (b *Bus) Subscribe(ctx context.Context) (Subscription, error) {
	w, err := b.be.NewWatcher(ctx, defaults.EventsTopic)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sub := &subscription{
		watcher: w,
		out:     make(chan Envelope, 64),
		log:     b.log,
	}
	go sub.run()
	return sub, nil
}

type subscription struct {
	watcher backend.Watcher
	out     chan Envelope
	log     *logrus.Entry
}

func (s *subscription) run() {
	defer close(s.out)
	for {
		select {
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			if ev.Type != backend.EventPut {
				continue
			}
			var env Envelope
			if err := json.Unmarshal(ev.Item.Value, &env); err != nil {
				s.log.WithError(err).Warn("dropping malformed event envelope")
				continue
			}
			select {
			case s.out <- env:
			case <-s.watcher.Done():
				return
			}
		case <-s.watcher.Done():
			return
		}
	}
}

func (s *subscription) Events() <-chan Envelope { return s.out }
func (s *subscription) Close() error            { return s.watcher.Close() }
