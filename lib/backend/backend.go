// Package backend defines the narrow key-value interface the coordinator
// and worker use against the persistent store, and the event-watching
// interface used to implement the cross-node pub/sub bus. Concrete
// implementations live in the etcdbk (production) and memory (tests,
// single-node dev mode) subpackages.
package backend

import (
	"context"
	"time"
)

// Item is a single key/value record, optionally TTL-bound.
type Item struct {
	Key     string
	Value   []byte
	Expires time.Time // zero means no expiry
	ID      int64     // revision/version assigned by the backend on write
}

// Lease is returned by writes that create a TTL-bound key, mirroring the
// teacher's backend.Lease used by its Kubernetes secrets backend.
type Lease struct {
	Key string
	ID  int64
}

// Event is a single change notification delivered by a Watcher.
type Event struct {
	Type EventType
	Item Item
}

// EventType enumerates the kinds of change a Watcher can report.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// Watcher streams Events for keys matching the prefix a Watcher was
// created with, until Done() is closed.
type Watcher interface {
	Events() <-chan Event
	Done() <-chan struct{}
	Close() error
}

// Backend is the storage contract both the Slot Ledger, Circuit Registry
// and Token Vault are built on. All operations are safe for concurrent use.
type Backend interface {
	// Get returns the Item for key, or a trace.NotFound error.
	Get(ctx context.Context, key string) (*Item, error)

	// GetRange returns all Items whose key has the given prefix, ordered
	// lexicographically by key.
	GetRange(ctx context.Context, prefix string) ([]Item, error)

	// Put unconditionally writes item, creating or overwriting it.
	Put(ctx context.Context, item Item) (*Lease, error)

	// CompareAndSwap atomically replaces the value at key with item.Value
	// iff the key's current value equals expected. A nil expected means
	// "key must not currently exist". Returns trace.CompareFailed if the
	// precondition did not hold.
	CompareAndSwap(ctx context.Context, item Item, expected []byte) (*Lease, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteRange removes every key with the given prefix.
	DeleteRange(ctx context.Context, prefix string) error

	// NewWatcher begins watching all keys under prefix.
	NewWatcher(ctx context.Context, prefix string) (Watcher, error)

	// Close releases the backend's underlying connection.
	Close() error
}
