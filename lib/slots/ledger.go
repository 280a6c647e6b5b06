// Package slots implements the Slot Ledger (spec.md §4.1): per-worker
// reservation of ingress keys, either TCP ports from a fixed port_range
// or generated subdomain labels for wildcard workers.
package slots

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/backendai/appproxy/api/types"
	"github.com/backendai/appproxy/lib/backend"
	"github.com/backendai/appproxy/lib/defaults"
	"github.com/backendai/appproxy/lib/metrics"
)

const wildcardAlphabet = "abcdefghijklmnopqrstuvwxyz"

// Ledger reserves and releases slots for a single coordinator, backed by
// the shared store so that every coordinator instance and worker observes
// the same allocation.
type Ledger struct {
	be  backend.Backend
	log *logrus.Entry
}

// New returns a Ledger backed by be.
func New(be backend.Backend) *Ledger {
	return &Ledger{
		be:  be,
		log: logrus.WithField(trace.Component, defaults.Component("appproxy", "slots")),
	}
}

func slotKey(authority, key string) string {
	return fmt.Sprintf("%s/%s/slots/%s", defaults.KeyWorkers, authority, key)
}

// Reserve atomically claims a slot for worker. If preferredKey is
// non-empty it is tried first; otherwise for a port-mode worker the
// lowest free port is chosen deterministically, and for a wildcard
// worker a random label is generated and retried on collision.
//
// Reservation is a CAS against an empty (absent) key, so concurrent
// reservers for the same key serialize and the loser retries against the
// next candidate.
func (l *Ledger) Reserve(ctx context.Context, w *types.Worker, preferredKey string) (string, error) {
	if preferredKey != "" {
		if ok, err := l.tryReserve(ctx, w.Authority, preferredKey); err != nil {
			return "", trace.Wrap(err)
		} else if ok {
			return preferredKey, nil
		}
		return "", trace.AlreadyExists("preferred slot %q is not free on worker %q", preferredKey, w.Authority)
	}

	switch w.FrontendMode {
	case types.FrontendModePort:
		return l.reservePort(ctx, w)
	case types.FrontendModeWildcard:
		return l.reserveWildcard(ctx, w)
	default:
		return "", trace.BadParameter("unknown frontend mode %q", w.FrontendMode)
	}
}

func (l *Ledger) reservePort(ctx context.Context, w *types.Worker) (string, error) {
	candidates := append([]int(nil), w.PortRange...)
	sort.Ints(candidates)

	for _, port := range candidates {
		key := fmt.Sprintf("%d", port)
		ok, err := l.tryReserve(ctx, w.Authority, key)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if ok {
			return key, nil
		}
	}
	return "", trace.LimitExceeded("no slot available on worker %q", w.Authority)
}

// maxWildcardAttempts bounds the random-label retry loop; a 16-char
// lowercase label space is astronomically larger than any realistic
// number of live circuits, so collisions beyond a handful of attempts
// indicate a broken RNG rather than real exhaustion.
const maxWildcardAttempts = 20

func (l *Ledger) reserveWildcard(ctx context.Context, w *types.Worker) (string, error) {
	for i := 0; i < maxWildcardAttempts; i++ {
		label, err := randomLabel(defaults.WildcardLabelLength)
		if err != nil {
			return "", trace.Wrap(err)
		}
		ok, err := l.tryReserve(ctx, w.Authority, label)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if ok {
			return label, nil
		}
	}
	return "", trace.LimitExceeded("exhausted %d wildcard label attempts on worker %q", maxWildcardAttempts, w.Authority)
}

func (l *Ledger) tryReserve(ctx context.Context, authority, key string) (bool, error) {
	_, err := l.be.CompareAndSwap(ctx, backend.Item{Key: slotKey(authority, key), Value: []byte("reserved")}, nil)
	if err == nil {
		metrics.SlotsInUse.WithLabelValues(authority).Inc()
		return true, nil
	}
	if trace.IsCompareFailed(err) {
		return false, nil
	}
	return false, trace.Wrap(err)
}

// Release frees key on worker authority. Releasing an already-free key is
// not an error, so a failed creation's rollback is idempotent.
func (l *Ledger) Release(ctx context.Context, authority, key string) error {
	if _, err := l.be.Get(ctx, slotKey(authority, key)); err == nil {
		metrics.SlotsInUse.WithLabelValues(authority).Dec()
	}
	return trace.Wrap(l.be.Delete(ctx, slotKey(authority, key)))
}

// List returns the reserved slot keys for authority. Free keys are not
// returned, since the Slot Ledger does not separately track "free"
// entries (the wildcard label universe is not enumerable).
func (l *Ledger) List(ctx context.Context, authority string) ([]string, error) {
	items, err := l.be.GetRange(ctx, slotKey(authority, ""))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	prefix := slotKey(authority, "")
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Key[len(prefix):])
	}
	return out, nil
}

func randomLabel(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = wildcardAlphabet[int(b)%len(wildcardAlphabet)]
	}
	return string(out), nil
}
