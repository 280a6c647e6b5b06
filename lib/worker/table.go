package worker

import (
	"sync"

	"github.com/backendai/appproxy/api/types"
)

// circuitTable is the worker's in-memory mirror of the circuits bound to
// its own authority, keyed by slot (port string or subdomain label) so
// the proxy frontends can resolve a request without a store round trip.
// It is the event loop's private state (spec.md §5, "shared mutable
// in-process state is confined to the event loop owning it"), guarded by
// a mutex because both the frontend listeners and the event-subscriber
// goroutine touch it.
type circuitTable struct {
	mu       sync.RWMutex
	bySlot   map[string]*types.Circuit
	byID     map[string]string // circuit id -> slot key
}

func newCircuitTable() *circuitTable {
	return &circuitTable{
		bySlot: make(map[string]*types.Circuit),
		byID:   make(map[string]string),
	}
}

func (t *circuitTable) put(c *types.Circuit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byID[c.ID]; ok && old != c.SlotKey() {
		delete(t.bySlot, old)
	}
	t.bySlot[c.SlotKey()] = c
	t.byID[c.ID] = c.SlotKey()
}

func (t *circuitTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot, ok := t.byID[id]; ok {
		delete(t.bySlot, slot)
		delete(t.byID, id)
	}
}

func (t *circuitTable) bySlotKey(slot string) (*types.Circuit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.bySlot[slot]
	return c, ok
}

func (t *circuitTable) snapshot() []*types.Circuit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.Circuit, 0, len(t.bySlot))
	for _, c := range t.bySlot {
		out = append(out, c)
	}
	return out
}
