package replica

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type item struct {
	ID      string
	Name    string
	Version int64
	Labels  []string
}

func (i item) RecordID() string     { return i.ID }
func (i item) RecordVersion() int64 { return i.Version }
func (i item) Clone() item {
	c := i
	if i.Labels != nil {
		c.Labels = append([]string(nil), i.Labels...)
	}
	return c
}

func ids(recs []item) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestStore_UpsertKeepsOrder(t *testing.T) {
	s := New[item]()
	s.Upsert(item{ID: "a", Name: "one"})
	s.Upsert(item{ID: "b", Name: "two"})
	s.Upsert(item{ID: "a", Name: "one again"})

	if diff := cmp.Diff([]string{"a", "b"}, ids(s.List())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	got, ok := s.Get("a")
	if !ok || got.Name != "one again" {
		t.Errorf("Get(a) = %+v, %v", got, ok)
	}
}

func TestStore_InsertIgnoresExisting(t *testing.T) {
	s := New[item]()
	if !s.Insert(item{ID: "a", Name: "first"}) {
		t.Fatal("first insert should succeed")
	}
	if s.Insert(item{ID: "a", Name: "second"}) {
		t.Fatal("second insert should be ignored")
	}
	got, _ := s.Get("a")
	if got.Name != "first" {
		t.Errorf("insert overwrote record: %+v", got)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New[item]()
	s.Upsert(item{ID: "a", Labels: []string{"x"}})

	got, _ := s.Get("a")
	got.Labels[0] = "mutated"

	again, _ := s.Get("a")
	if again.Labels[0] != "x" {
		t.Errorf("store shares memory with callers: %v", again.Labels)
	}
}

func TestStore_RemoveIsIdempotent(t *testing.T) {
	s := New[item]()
	s.Upsert(item{ID: "a"})
	rev := s.Revision()

	if !s.Remove("a") {
		t.Fatal("expected removal")
	}
	if s.Remove("a") {
		t.Fatal("second removal should be a no-op")
	}
	if s.Revision() != rev+1 {
		t.Errorf("revision = %d, want %d", s.Revision(), rev+1)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestStore_ReplaceIdentityKeepsPosition(t *testing.T) {
	s := New[item]()
	s.Upsert(item{ID: "a"})
	s.Upsert(item{ID: "temp-1", Name: "Draft proposal"})
	s.Upsert(item{ID: "c"})

	if !s.ReplaceIdentity("temp-1", item{ID: "abc123", Name: "Draft proposal", Version: 1}) {
		t.Fatal("ReplaceIdentity returned false")
	}

	if diff := cmp.Diff([]string{"a", "abc123", "c"}, ids(s.List())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if s.Has("temp-1") {
		t.Error("provisional identity survived reconciliation")
	}
}

func TestStore_ReplaceIdentityDropsDuplicate(t *testing.T) {
	s := New[item]()
	s.Upsert(item{ID: "temp-1", Name: "Draft proposal"})
	// Push insert for the authoritative record arrived before the create call resolved.
	s.Upsert(item{ID: "abc123", Name: "Draft proposal", Version: 1})

	s.ReplaceIdentity("temp-1", item{ID: "abc123", Name: "Draft proposal", Version: 1})

	if diff := cmp.Diff([]string{"abc123"}, ids(s.List())); diff != "" {
		t.Errorf("expected exactly one record (-want +got):\n%s", diff)
	}
}

func TestStore_ReplaceIdentityMissing(t *testing.T) {
	s := New[item]()
	if s.ReplaceIdentity("temp-x", item{ID: "abc"}) {
		t.Fatal("ReplaceIdentity on a missing identity should report false")
	}
	if s.Len() != 0 {
		t.Errorf("store changed: %v", ids(s.List()))
	}
}

func TestStore_PutRestoresPosition(t *testing.T) {
	s := New[item]()
	for _, id := range []string{"a", "b", "c"} {
		s.Upsert(item{ID: id})
	}
	entry, ok := s.Lookup("b")
	if !ok || entry.Index != 1 {
		t.Fatalf("Lookup(b) = %+v, %v", entry, ok)
	}

	s.Remove("b")
	s.Put(entry.Record, entry.Index)

	if diff := cmp.Diff([]string{"a", "b", "c"}, ids(s.List())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	s.Put(item{ID: "z"}, 99)
	if diff := cmp.Diff([]string{"a", "b", "c", "z"}, ids(s.List())); diff != "" {
		t.Errorf("out of range index should append (-want +got):\n%s", diff)
	}
}

func TestStore_Mutate(t *testing.T) {
	s := New[item]()
	s.Upsert(item{ID: "a", Name: "before"})

	before, ok := s.Mutate("a", func(i item) item {
		i.Name = "after"
		return i
	})
	if !ok || before.Record.Name != "before" || before.Index != 0 {
		t.Fatalf("Mutate returned %+v, %v", before, ok)
	}
	got, _ := s.Get("a")
	if got.Name != "after" {
		t.Errorf("Mutate did not store result: %+v", got)
	}

	if _, ok := s.Mutate("missing", func(i item) item { return i }); ok {
		t.Error("Mutate on a missing identity should report false")
	}
}

func TestStore_Reset(t *testing.T) {
	s := New[item]()
	s.Upsert(item{ID: "old"})
	s.Reset([]item{{ID: "x"}, {ID: "y"}})

	if diff := cmp.Diff([]string{"x", "y"}, ids(s.List())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := New[item]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := string(rune('a' + w))
				s.Upsert(item{ID: id, Version: int64(i)})
				s.List()
			}
		}(w)
	}
	wg.Wait()

	if s.Len() != 8 {
		t.Errorf("Len = %d, want 8", s.Len())
	}
}

func TestTombstones_EvictsOldest(t *testing.T) {
	ts := NewTombstones(2)
	ts.Add("a")
	ts.Add("b")
	ts.Add("a")
	ts.Add("c")

	if ts.Contains("a") {
		t.Error("oldest tombstone should have been evicted")
	}
	if !ts.Contains("b") || !ts.Contains("c") {
		t.Error("recent tombstones missing")
	}
	if ts.Len() != 2 {
		t.Errorf("Len = %d, want 2", ts.Len())
	}
}

func TestTombstones_Forget(t *testing.T) {
	ts := NewTombstones(3)
	ts.Add("a")
	ts.Add("b")
	ts.Add("c")
	ts.Add("d") // evicts a

	ts.Forget("c")
	ts.Forget("missing")
	if ts.Contains("c") {
		t.Error("forgotten identity still tombstoned")
	}
	if ts.Len() != 2 {
		t.Fatalf("Len = %d, want 2", ts.Len())
	}

	ts.Add("e")
	ts.Add("f") // evicts b, the oldest left
	if ts.Contains("b") {
		t.Error("b should have been evicted after forget")
	}
	for _, id := range []string{"d", "e", "f"} {
		if !ts.Contains(id) {
			t.Errorf("%s missing", id)
		}
	}
}
