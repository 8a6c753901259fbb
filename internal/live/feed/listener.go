package feed

import (
	"context"
	"log"
	"os"

	"github.com/stratboard/stratboard/internal/live/connstate"
	"github.com/stratboard/stratboard/internal/live/mutation"
	"github.com/stratboard/stratboard/internal/live/replica"
)

// Config holds listener options.
type Config struct {
	// OnChange is called after an event changed the store.
	OnChange func()

	// OnSynced is called after every delivered event, changed or not.
	OnSynced func()

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}
}

// Listener applies push events to a store.
//
// Merge rules:
//   - insert: reconcile the provisional record of a matching in-flight create,
//     otherwise insert if the identity is absent.
//   - update: upsert, unless the identity was deleted or the local copy has a
//     higher version.
//   - delete: remove and remember the identity.
//
// Applying the same event twice leaves the store as applying it once.
type Listener[R replica.Record[R]] struct {
	store      *replica.Store[R]
	pending    *mutation.Pending
	tombstones *replica.Tombstones
	config     *Config
}

// NewListener creates a listener. pending and tombstones should be the ones
// used by the mutation gateway of the same store.
func NewListener[R replica.Record[R]](store *replica.Store[R], pending *mutation.Pending, tombstones *replica.Tombstones, config *Config) *Listener[R] {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if pending == nil {
		pending = mutation.NewPending()
	}
	if tombstones == nil {
		tombstones = replica.NewTombstones(0)
	}
	return &Listener[R]{
		store:      store,
		pending:    pending,
		tombstones: tombstones,
		config:     config,
	}
}

// Handle merges ev and runs the configured callbacks.
func (l *Listener[R]) Handle(ev Event[R]) {
	changed := l.Merge(ev)
	if l.config.OnSynced != nil {
		l.config.OnSynced()
	}
	if changed && l.config.OnChange != nil {
		l.config.OnChange()
	}
}

// Merge applies ev to the store and reports whether the store changed.
// It never fails: malformed or out-of-order events are ignored.
func (l *Listener[R]) Merge(ev Event[R]) bool {
	switch ev.Op {
	case OpInsert:
		if ev.Record == nil {
			l.config.Logger.Printf("insert %s without record, ignoring", ev.ID)
			return false
		}
		rec := *ev.Record
		// An insert is a fresh snapshot: a recreated identity is live again.
		l.tombstones.Forget(rec.RecordID())
		if provID, ok := l.pending.Claim(ev.Origin); ok {
			if l.store.ReplaceIdentity(provID, rec) {
				return true
			}
		}
		return l.store.Insert(rec)

	case OpUpdate:
		if ev.Record == nil {
			l.config.Logger.Printf("update %s without record, ignoring", ev.ID)
			return false
		}
		rec := *ev.Record
		id := rec.RecordID()
		if l.tombstones.Contains(id) {
			return false
		}
		if cur, ok := l.store.Get(id); ok && cur.RecordVersion() > rec.RecordVersion() {
			return false
		}
		l.store.Upsert(rec)
		return true

	case OpDelete:
		l.tombstones.Add(ev.ID)
		return l.store.Remove(ev.ID)

	default:
		l.config.Logger.Printf("unknown event op %v, ignoring", ev.Op)
		return false
	}
}

// Connect adapts sub into a function the connection state machine can run.
// Each call opens one subscription for scope and blocks until it ends.
func (l *Listener[R]) Connect(sub Subscriber[R], scope string) connstate.ConnectFunc {
	return func(ctx context.Context, ready func()) error {
		done := make(chan error, 1)
		finish := func(err error) {
			select {
			case done <- err:
			default:
			}
		}

		unsubscribe, err := sub.Subscribe(ctx, scope, l.Handle, func(s connstate.State, err error) {
			switch s {
			case connstate.Connected:
				ready()
			case connstate.Disconnected:
				finish(nil)
			case connstate.Error:
				finish(err)
			}
		})
		if err != nil {
			return err
		}
		defer unsubscribe()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		}
	}
}
