package replica

import (
	"slices"
	"sync"
)

// DefaultTombstoneCapacity bounds how many deleted identities are remembered.
const DefaultTombstoneCapacity = 1024

// Tombstones remembers recently deleted identities so that late events for
// them (a stale update delivered after the delete) do not resurrect records.
// The oldest entries are evicted once capacity is reached.
type Tombstones struct {
	mu       sync.Mutex
	capacity int
	ring     []string
	next     int
	set      map[string]struct{}
}

// NewTombstones creates a tombstone set; capacity <= 0 uses the default.
func NewTombstones(capacity int) *Tombstones {
	if capacity <= 0 {
		capacity = DefaultTombstoneCapacity
	}
	return &Tombstones{
		capacity: capacity,
		ring:     make([]string, 0, capacity),
		set:      make(map[string]struct{}, capacity),
	}
}

// Add records id as deleted.
func (t *Tombstones) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.set[id]; ok {
		return
	}
	if len(t.ring) < t.capacity {
		t.ring = append(t.ring, id)
	} else {
		delete(t.set, t.ring[t.next])
		t.ring[t.next] = id
		t.next = (t.next + 1) % t.capacity
	}
	t.set[id] = struct{}{}
}

// Forget drops id, e.g. when the server hands out a new snapshot for a
// recreated identity.
func (t *Tombstones) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.set[id]; !ok {
		return
	}
	delete(t.set, id)
	// Straighten the ring to oldest-first so appends keep eviction order.
	ordered := make([]string, 0, t.capacity)
	ordered = append(ordered, t.ring[t.next:]...)
	ordered = append(ordered, t.ring[:t.next]...)
	t.ring = slices.DeleteFunc(ordered, func(s string) bool { return s == id })
	t.next = 0
}

// Contains reports whether id was deleted recently.
func (t *Tombstones) Contains(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.set[id]
	return ok
}

// Len returns the number of remembered identities.
func (t *Tombstones) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.set)
}
