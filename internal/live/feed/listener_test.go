package feed

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stratboard/stratboard/internal/live/connstate"
	"github.com/stratboard/stratboard/internal/live/mutation"
	"github.com/stratboard/stratboard/internal/live/replica"
)

type note struct {
	ID      string
	Body    string
	Version int64
}

func (n note) RecordID() string     { return n.ID }
func (n note) RecordVersion() int64 { return n.Version }
func (n note) Clone() note          { return n }

func setupListener(t *testing.T, recs ...note) (*Listener[note], *replica.Store[note], *mutation.Pending) {
	t.Helper()
	store := replica.New[note]()
	for _, r := range recs {
		store.Upsert(r)
	}
	pending := mutation.NewPending()
	cfg := &Config{Logger: log.New(io.Discard, "", 0)}
	return NewListener(store, pending, replica.NewTombstones(16), cfg), store, pending
}

func insert(n note, origin string) Event[note] {
	return Event[note]{Op: OpInsert, ID: n.ID, Record: &n, Origin: origin, Version: n.Version}
}

func update(n note) Event[note] {
	return Event[note]{Op: OpUpdate, ID: n.ID, Record: &n, Version: n.Version}
}

func del(id string) Event[note] {
	return Event[note]{Op: OpDelete, ID: id}
}

func TestListener_MergeIsIdempotent(t *testing.T) {
	tests := []struct {
		name string
		seed []note
		ev   Event[note]
		want []note
	}{
		{
			name: "insert",
			ev:   insert(note{ID: "a", Body: "x", Version: 1}, ""),
			want: []note{{ID: "a", Body: "x", Version: 1}},
		},
		{
			name: "update",
			seed: []note{{ID: "a", Body: "x", Version: 1}},
			ev:   update(note{ID: "a", Body: "y", Version: 2}),
			want: []note{{ID: "a", Body: "y", Version: 2}},
		},
		{
			name: "delete",
			seed: []note{{ID: "a", Version: 1}, {ID: "b", Version: 1}},
			ev:   del("a"),
			want: []note{{ID: "b", Version: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store, _ := setupListener(t, tt.seed...)
			l.Merge(tt.ev)
			once := store.List()
			l.Merge(tt.ev)

			if diff := cmp.Diff(once, store.List()); diff != "" {
				t.Errorf("second delivery changed the store (-once +twice):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, store.List()); diff != "" {
				t.Errorf("store mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListener_InsertForKnownIdentityIgnored(t *testing.T) {
	l, store, _ := setupListener(t, note{ID: "abc123", Body: "resolved", Version: 2})

	if l.Merge(insert(note{ID: "abc123", Body: "echo", Version: 1}, "")) {
		t.Error("insert for a known identity reported a change")
	}
	got, _ := store.Get("abc123")
	if got.Body != "resolved" {
		t.Errorf("record overwritten: %+v", got)
	}
}

func TestListener_UpdateForUnknownIdentityUpserts(t *testing.T) {
	l, store, _ := setupListener(t)

	if !l.Merge(update(note{ID: "x", Body: "late", Version: 3})) {
		t.Fatal("expected a change")
	}
	if !store.Has("x") {
		t.Error("update for an unknown identity should upsert")
	}
}

func TestListener_DeleteThenStaleUpdate(t *testing.T) {
	l, store, _ := setupListener(t, note{ID: "abc123", Version: 1})

	l.Merge(del("abc123"))
	l.Merge(update(note{ID: "abc123", Body: "stale", Version: 1}))

	if store.Has("abc123") {
		t.Error("stale update resurrected a deleted record")
	}
}

func TestListener_InsertAfterDeleteRecreates(t *testing.T) {
	l, store, _ := setupListener(t, note{ID: "x1", Body: "first", Version: 3})

	l.Merge(del("x1"))
	if !l.Merge(insert(note{ID: "x1", Body: "reimported", Version: 1}, "")) {
		t.Fatal("insert of a recreated identity reported no change")
	}
	got, ok := store.Get("x1")
	if !ok || got.Body != "reimported" {
		t.Fatalf("recreated record = %+v, %v", got, ok)
	}

	l.Merge(update(note{ID: "x1", Body: "edited", Version: 2}))
	if got, _ := store.Get("x1"); got.Body != "edited" {
		t.Errorf("update after recreate ignored: %+v", got)
	}
}

func TestListener_DeleteUnknownIsNoop(t *testing.T) {
	l, store, _ := setupListener(t, note{ID: "a"})
	if l.Merge(del("missing")) {
		t.Error("delete of an unknown identity reported a change")
	}
	if store.Len() != 1 {
		t.Errorf("store changed: %+v", store.List())
	}
}

func TestListener_OlderUpdateIgnored(t *testing.T) {
	l, store, _ := setupListener(t, note{ID: "a", Body: "new", Version: 5})

	if l.Merge(update(note{ID: "a", Body: "old", Version: 4})) {
		t.Error("older update reported a change")
	}
	got, _ := store.Get("a")
	if got.Body != "new" {
		t.Errorf("older update applied: %+v", got)
	}
}

func TestListener_InsertReconcilesPendingCreate(t *testing.T) {
	l, store, pending := setupListener(t, note{ID: "first"})
	store.Upsert(note{ID: "temp-1", Body: "Draft proposal"})
	store.Upsert(note{ID: "last"})
	pending.Begin("tok", "temp-1")

	l.Merge(insert(note{ID: "abc123", Body: "Draft proposal", Version: 1}, "tok"))

	want := []note{{ID: "first"}, {ID: "abc123", Body: "Draft proposal", Version: 1}, {ID: "last"}}
	if diff := cmp.Diff(want, store.List()); diff != "" {
		t.Errorf("store mismatch (-want +got):\n%s", diff)
	}
	if pending.Len() != 0 {
		t.Error("pending create not claimed")
	}
}

func TestListener_HandleCallbacks(t *testing.T) {
	store := replica.New[note]()
	var changes, syncs int
	l := NewListener(store, nil, nil, &Config{
		OnChange: func() { changes++ },
		OnSynced: func() { syncs++ },
		Logger:   log.New(io.Discard, "", 0),
	})

	ev := insert(note{ID: "a"}, "")
	l.Handle(ev)
	l.Handle(ev)

	if changes != 1 || syncs != 2 {
		t.Errorf("changes = %d, syncs = %d; want 1, 2", changes, syncs)
	}
}

// fakeSubscriber replays a fixed status sequence.
type fakeSubscriber struct {
	events       []Event[note]
	failWith     error
	unsubscribed bool
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ string, onEvent func(Event[note]), onStatus func(connstate.State, error)) (func(), error) {
	go func() {
		onStatus(connstate.Connecting, nil)
		onStatus(connstate.Connected, nil)
		for _, ev := range f.events {
			onEvent(ev)
		}
		if f.failWith != nil {
			onStatus(connstate.Error, f.failWith)
			return
		}
		onStatus(connstate.Disconnected, nil)
	}()
	return func() { f.unsubscribed = true }, nil
}

func TestListener_ConnectRunsSubscription(t *testing.T) {
	l, store, _ := setupListener(t)
	sub := &fakeSubscriber{events: []Event[note]{insert(note{ID: "a"}, "")}}

	readyCalls := 0
	err := l.Connect(sub, "team")(context.Background(), func() { readyCalls++ })
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if readyCalls != 1 {
		t.Errorf("ready called %d times, want 1", readyCalls)
	}
	if !store.Has("a") {
		t.Error("event not merged")
	}
	if !sub.unsubscribed {
		t.Error("subscription not released")
	}
}

func TestListener_ConnectReportsTransportError(t *testing.T) {
	l, _, _ := setupListener(t)
	boom := errors.New("socket closed abnormally")
	sub := &fakeSubscriber{failWith: boom}

	err := l.Connect(sub, "team")(context.Background(), func() {})
	if !errors.Is(err, boom) {
		t.Errorf("expected transport error, got %v", err)
	}
}
