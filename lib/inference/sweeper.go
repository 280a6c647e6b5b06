package inference

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/defaults"
	"github.com/backendai/appproxy/lib/metrics"
)

// CircuitRemover removes a circuit by id, releasing its slot and
// publishing a circuit-removed event — satisfied by *circuits.Registry.
type CircuitRemover interface {
	Get(ctx context.Context, id string) (*types.Circuit, error)
	Remove(ctx context.Context, id string) error
}

// Sweeper periodically evicts inference circuits whose owning endpoint
// has a positive ttl_seconds and whose last_access has exceeded it
// (spec.md §4.7; default ttl_seconds=0 means never evict, resolved in
// SPEC_FULL.md §13).
type Sweeper struct {
	be      backend.Backend
	remover CircuitRemover
	clock   clockwork.Clock
	log     *logrus.Entry
}

// NewSweeper returns a Sweeper.
func NewSweeper(be backend.Backend, remover CircuitRemover, clock clockwork.Clock) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		be:      be,
		remover: remover,
		clock:   clock,
		log:     logrus.WithField(trace.Component, defaults.Component("appproxy", "sweeper")),
	}
}

// Run blocks, sweeping on defaults.SweepInterval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(defaults.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.SweepOnce(ctx); err != nil {
				s.log.WithError(err).Warn("idle sweep failed")
			}
		}
	}
}

// SweepOnce runs a single sweep pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	items, err := s.be.GetRange(ctx, defaults.KeyEndpoints+"/")
	if err != nil {
		return trace.Wrap(err)
	}

	for _, item := range items {
		var ep types.Endpoint
		if err := json.Unmarshal(item.Value, &ep); err != nil {
			continue
		}
		if ep.TTLSeconds <= 0 || ep.CircuitID == "" {
			continue
		}

		lastAccess, err := GetLastAccess(ctx, s.be, ep.CircuitID)
		if err != nil {
			s.log.WithError(err).WithField("circuit", ep.CircuitID).Warn("failed to read last access")
			continue
		}
		if lastAccess.IsZero() {
			continue
		}

		idleSeconds := s.clock.Now().Sub(lastAccess).Seconds()
		if idleSeconds < float64(ep.TTLSeconds) {
			continue
		}

		authority := ""
		if c, gErr := s.remover.Get(ctx, ep.CircuitID); gErr == nil {
			authority = c.Worker
		}
		if err := s.remover.Remove(ctx, ep.CircuitID); err != nil && !trace.IsNotFound(err) {
			s.log.WithError(err).WithField("circuit", ep.CircuitID).Warn("failed to evict idle inference circuit")
			continue
		}
		metrics.CircuitsEvicted.WithLabelValues(authority).Inc()
	}
	return nil
}
