// Package replica holds the client-side, in-memory replica of a record collection.
//
// The Store is the single source of truth for whatever renders the collection.
// It keeps insertion order, guarantees at most one record per identity and is
// safe for concurrent use: remote call results and push events arrive on
// different goroutines and every write is serialized by the store's mutex.
//
// The store never triggers re-rendering itself. Callers (the mutation gateway
// and the feed listener) notify their observers after a write returns.
package replica

import "sync"

// Record is the contract a record type must satisfy to live in a Store.
type Record[R any] interface {
	// RecordID returns the identity (authoritative or provisional).
	RecordID() string
	// RecordVersion returns the server-assigned version, 0 when unknown.
	RecordVersion() int64
	// Clone returns a deep copy.
	Clone() R
}

// Entry is a record together with its position in the store.
type Entry[R any] struct {
	Record R
	Index  int
}

// Store is an ordered mapping from identity to record.
type Store[R Record[R]] struct {
	mu       sync.RWMutex
	order    []string
	records  map[string]R
	revision uint64
}

// New creates an empty store.
func New[R Record[R]]() *Store[R] {
	return &Store[R]{records: make(map[string]R)}
}

// Get returns a copy of the record with the given identity.
func (s *Store[R]) Get(id string) (R, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		var zero R
		return zero, false
	}
	return rec.Clone(), true
}

// Lookup returns a copy of the record and its current position.
func (s *Store[R]) Lookup(id string) (Entry[R], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Entry[R]{Index: -1}, false
	}
	return Entry[R]{Record: rec.Clone(), Index: s.indexOf(id)}, true
}

// Has reports whether a record with the given identity exists.
func (s *Store[R]) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// Len returns the number of records.
func (s *Store[R]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// List returns copies of all records in store order.
func (s *Store[R]) List() []R {
	out, _ := s.Snapshot()
	return out
}

// Snapshot returns copies of all records in store order together with the
// revision they were read at.
func (s *Store[R]) Snapshot() ([]R, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]R, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out, s.revision
}

// Revision returns a counter that increases on every effective change.
func (s *Store[R]) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Upsert inserts rec at the end, or replaces the existing record with the same
// identity in place.
func (s *Store[R]) Upsert(rec R) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(rec)
}

// Insert adds rec only if its identity is not present yet.
// It reports whether the record was inserted.
func (s *Store[R]) Insert(rec R) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.RecordID()]; ok {
		return false
	}
	s.upsertLocked(rec)
	return true
}

// Put places rec at index, replacing any record with the same identity.
// An index outside the current bounds appends.
func (s *Store[R]) Put(rec R, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.RecordID()
	if _, ok := s.records[id]; ok {
		s.order = removeID(s.order, s.indexOf(id))
	}
	if index < 0 || index > len(s.order) {
		index = len(s.order)
	}
	s.order = append(s.order, "")
	copy(s.order[index+1:], s.order[index:])
	s.order[index] = id
	s.records[id] = rec.Clone()
	s.revision++
}

// Remove deletes the record with the given identity.
// It reports whether a record was removed; removing an absent identity is a no-op.
func (s *Store[R]) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return false
	}
	s.order = removeID(s.order, s.indexOf(id))
	delete(s.records, id)
	s.revision++
	return true
}

// ReplaceIdentity swaps the record stored under oldID for rec, keeping oldID's
// position. If rec's identity is already present elsewhere (a push insert got
// there first) that copy is dropped so exactly one record remains.
// It reports false, without changing anything, when oldID is absent.
func (s *Store[R]) ReplaceIdentity(oldID string, rec R) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(oldID)
	if idx < 0 {
		return false
	}

	newID := rec.RecordID()
	if newID != oldID {
		if _, dup := s.records[newID]; dup {
			s.order = removeID(s.order, s.indexOf(newID))
			idx = s.indexOf(oldID)
		}
		delete(s.records, oldID)
		s.order[idx] = newID
	}
	s.records[newID] = rec.Clone()
	s.revision++
	return true
}

// Mutate applies fn to the stored record and stores the result.
// It returns the record as it was before fn ran and whether it existed.
func (s *Store[R]) Mutate(id string, fn func(R) R) (Entry[R], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Entry[R]{Index: -1}, false
	}
	before := Entry[R]{Record: rec.Clone(), Index: s.indexOf(id)}
	next := fn(rec.Clone())
	if next.RecordID() != id {
		// fn must not change identity; ReplaceIdentity exists for that.
		return before, true
	}
	s.records[id] = next.Clone()
	s.revision++
	return before, true
}

// Reset replaces the whole content with recs, in order.
func (s *Store[R]) Reset(recs []R) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = s.order[:0]
	s.records = make(map[string]R, len(recs))
	for _, rec := range recs {
		s.upsertLocked(rec)
	}
	s.revision++
}

func (s *Store[R]) upsertLocked(rec R) {
	id := rec.RecordID()
	if _, ok := s.records[id]; !ok {
		s.order = append(s.order, id)
	}
	s.records[id] = rec.Clone()
	s.revision++
}

func (s *Store[R]) indexOf(id string) int {
	for i, v := range s.order {
		if v == id {
			return i
		}
	}
	return -1
}

func removeID(order []string, idx int) []string {
	if idx < 0 {
		return order
	}
	return append(order[:idx], order[idx+1:]...)
}
