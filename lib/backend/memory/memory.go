// Package memory implements backend.Backend in-process, for unit tests and
// single-node development. It is not HA and does not survive a restart.
package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/backendai/appproxy/lib/backend"
)

// Config configures a Backend.
type Config struct {
	// Clock is used to evaluate Item.Expires; defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the configuration, setting defaults where
// unset.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Backend is an in-memory, mutex-guarded implementation of backend.Backend.
type Backend struct {
	cfg Config

	mu       sync.Mutex
	items    map[string]backend.Item
	nextID   int64
	watchers map[*watcher]struct{}
}

// New creates a new in-memory Backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backend{
		cfg:      cfg,
		items:    make(map[string]backend.Item),
		watchers: make(map[*watcher]struct{}),
	}, nil
}

func (b *Backend) Get(_ context.Context, key string) (*backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	it, ok := b.items[key]
	if !ok || b.expired(it) {
		if ok {
			delete(b.items, key)
		}
		return nil, trace.NotFound("key %q not found", key)
	}
	out := it
	return &out, nil
}

func (b *Backend) expired(it backend.Item) bool {
	return !it.Expires.IsZero() && b.cfg.Clock.Now().After(it.Expires)
}

func (b *Backend) GetRange(_ context.Context, prefix string) ([]backend.Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []backend.Item
	for k, it := range b.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if b.expired(it) {
			delete(b.items, k)
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *Backend) Put(_ context.Context, item backend.Item) (*backend.Lease, error) {
	b.mu.Lock()
	b.nextID++
	item.ID = b.nextID
	b.items[item.Key] = item
	b.mu.Unlock()

	b.notify(backend.Event{Type: backend.EventPut, Item: item})
	return &backend.Lease{Key: item.Key, ID: item.ID}, nil
}

func (b *Backend) CompareAndSwap(_ context.Context, item backend.Item, expected []byte) (*backend.Lease, error) {
	b.mu.Lock()

	current, exists := b.items[item.Key]
	if exists && b.expired(current) {
		delete(b.items, item.Key)
		exists = false
	}

	switch {
	case expected == nil && exists:
		b.mu.Unlock()
		return nil, trace.CompareFailed("key %q already exists", item.Key)
	case expected != nil && !exists:
		b.mu.Unlock()
		return nil, trace.CompareFailed("key %q does not exist", item.Key)
	case expected != nil && exists && !bytes.Equal(current.Value, expected):
		b.mu.Unlock()
		return nil, trace.CompareFailed("key %q value mismatch", item.Key)
	}

	b.nextID++
	item.ID = b.nextID
	b.items[item.Key] = item
	b.mu.Unlock()

	b.notify(backend.Event{Type: backend.EventPut, Item: item})
	return &backend.Lease{Key: item.Key, ID: item.ID}, nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	it, ok := b.items[key]
	if ok {
		delete(b.items, key)
	}
	b.mu.Unlock()

	if ok {
		b.notify(backend.Event{Type: backend.EventDelete, Item: it})
	}
	return nil
}

func (b *Backend) DeleteRange(_ context.Context, prefix string) error {
	b.mu.Lock()
	var removed []backend.Item
	for k, it := range b.items {
		if strings.HasPrefix(k, prefix) {
			removed = append(removed, it)
			delete(b.items, k)
		}
	}
	b.mu.Unlock()

	for _, it := range removed {
		b.notify(backend.Event{Type: backend.EventDelete, Item: it})
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for w := range b.watchers {
		close(w.done)
	}
	b.watchers = make(map[*watcher]struct{})
	return nil
}

type watcher struct {
	prefix string
	events chan backend.Event
	done   chan struct{}
}

func (w *watcher) Events() <-chan backend.Event { return w.events }
func (w *watcher) Done() <-chan struct{}        { return w.done }
func (w *watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return nil
}

func (b *Backend) NewWatcher(_ context.Context, prefix string) (backend.Watcher, error) {
	w := &watcher{
		prefix: prefix,
		events: make(chan backend.Event, 64),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.watchers[w] = struct{}{}
	b.mu.Unlock()
	return w, nil
}

func (b *Backend) notify(ev backend.Event) {
	b.mu.Lock()
	watchers := make([]*watcher, 0, len(b.watchers))
	for w := range b.watchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, w := range watchers {
		if !strings.HasPrefix(ev.Item.Key, w.prefix) {
			continue
		}
		select {
		case w.events <- ev:
		case <-w.done:
		default:
			// Slow consumer: drop rather than block the writer. Delivery
			// is best-effort and a dropped event is not resent on this
			// watch (coordinator/worker must also converge via direct RPC).
		}
	}
}
