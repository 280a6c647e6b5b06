package inference

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/defaults"
)

// Stats is the persisted per-circuit access record read back by the
// coordinator's GET /api/circuit/{id}/statistics handler.
type Stats struct {
	LastAccess time.Time `json:"last_access"`
	Requests   int64     `json:"requests"`
}

// LastAccessTracker holds in-memory last-access timestamps and request
// counts for inference circuits on a worker and periodically flushes them
// to the store, per spec.md §4.7.
type LastAccessTracker struct {
	be    backend.Backend
	clock clockwork.Clock

	mu      sync.Mutex
	touched map[string]time.Time
	counts  map[string]int64

	log *logrus.Entry
}

// NewLastAccessTracker returns a tracker backed by be.
func NewLastAccessTracker(be backend.Backend, clock clockwork.Clock) *LastAccessTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LastAccessTracker{
		be:      be,
		clock:   clock,
		touched: make(map[string]time.Time),
		counts:  make(map[string]int64),
		log:     logrus.WithField(trace.Component, defaults.Component("appproxy", "inference")),
	}
}

// Touch records that circuitID was just handed off to a backend.
func (t *LastAccessTracker) Touch(circuitID string) {
	t.mu.Lock()
	t.touched[circuitID] = t.clock.Now()
	t.counts[circuitID]++
	t.mu.Unlock()
}

func lastAccessKey(circuitID string) string {
	return defaults.KeyCircuits + "/" + circuitID + "/last_access"
}

// Flush writes all touched timestamps and accumulated request counts to
// the store and clears the in-memory buffer. Run on a ticker at
// defaults.LastAccessFlushInterval.
func (t *LastAccessTracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	touched := t.touched
	counts := t.counts
	t.touched = make(map[string]time.Time)
	t.counts = make(map[string]int64)
	t.mu.Unlock()

	for id, ts := range touched {
		stats, err := GetStats(ctx, t.be, id)
		if err != nil {
			t.log.WithError(err).WithField("circuit", id).Warn("failed to read last-access record for flush")
			continue
		}
		stats.LastAccess = ts
		stats.Requests += counts[id]

		data, err := json.Marshal(stats)
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err := t.be.Put(ctx, backend.Item{Key: lastAccessKey(id), Value: data}); err != nil {
			t.log.WithError(err).WithField("circuit", id).Warn("failed to flush last-access record")
		}
	}
	return nil
}

// Run blocks, flushing on defaults.LastAccessFlushInterval until ctx is
// done.
func (t *LastAccessTracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(defaults.LastAccessFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := t.Flush(ctx); err != nil {
				t.log.WithError(err).Warn("last-access flush failed")
			}
		}
	}
}

// GetStats reads the persisted access record for circuitID, or a zero
// Stats if never recorded.
func GetStats(ctx context.Context, be backend.Backend, circuitID string) (Stats, error) {
	item, err := be.Get(ctx, lastAccessKey(circuitID))
	if err != nil {
		if trace.IsNotFound(err) {
			return Stats{}, nil
		}
		return Stats{}, trace.Wrap(err)
	}
	var s Stats
	if err := json.Unmarshal(item.Value, &s); err != nil {
		return Stats{}, trace.Wrap(err)
	}
	return s, nil
}

// GetLastAccess reads the persisted last-access time for circuitID, or
// the zero time if never recorded.
func GetLastAccess(ctx context.Context, be backend.Backend, circuitID string) (time.Time, error) {
	s, err := GetStats(ctx, be, circuitID)
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	return s.LastAccess, nil
}
