// Package feed merges server push events into the replica store.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/stratboard/stratboard/internal/live/connstate"
)

// Op is the kind of change a push event reports.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Event is a server-initiated notification of a change to one record.
type Event[R any] struct {
	Op    Op
	Scope string
	ID    string

	// Record is the new state for insert and update, nil for delete.
	Record *R

	// Origin is the correlation token of the mutation that caused the event,
	// empty for server-side changes.
	Origin string

	Version   int64
	Timestamp time.Time
}

// Subscriber opens push subscriptions. Subscribe returns once the
// subscription is started; onStatus is called on every lifecycle transition
// (connecting, connected on acknowledgement, disconnected on close, error on
// transport failure) and onEvent once per delivered event.
type Subscriber[R any] interface {
	Subscribe(ctx context.Context, scope string, onEvent func(Event[R]), onStatus func(connstate.State, error)) (unsubscribe func(), err error)
}
