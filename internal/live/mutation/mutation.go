// Package mutation implements the optimistic mutation gateway.
//
// Every mutation follows the same strict order: apply locally, notify, call
// the remote, then reconcile on success or roll back on failure. The gateway
// suspends exactly once per mutation, at the remote call, and never holds the
// replica lock while it waits.
package mutation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is reported by a Remote when the target identity does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is reported by a Remote when the base version is stale.
	ErrConflict = errors.New("version conflict")

	// ErrUnsupportedMutation is returned for a variant the gateway cannot handle,
	// for example a Create carrying a different record type.
	ErrUnsupportedMutation = errors.New("unsupported mutation")
)

// Kind names a mutation variant.
type Kind int

const (
	KindCreate Kind = iota
	KindUpdate
	KindDelete
	KindToggle
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindToggle:
		return "toggle"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Mutation is a request to change one record. The set of variants is closed:
// Create, Update, Delete and Toggle.
type Mutation interface {
	Kind() Kind
	// Token returns the correlation token, empty to let the gateway generate one.
	Token() string
	isMutation()
}

// Create adds a new record. The record's identity is ignored; the gateway
// assigns a provisional one and the remote assigns the authoritative one.
type Create[R any] struct {
	Record      R
	Correlation string
}

// Update applies Patch to the record with identity ID.
type Update[P any] struct {
	ID          string
	Patch       P
	Correlation string
}

// Delete removes the record with identity ID.
type Delete struct {
	ID          string
	Correlation string
}

// Toggle flips the status of the record with identity ID.
type Toggle struct {
	ID          string
	Correlation string
}

func (Create[R]) Kind() Kind { return KindCreate }
func (Update[P]) Kind() Kind { return KindUpdate }
func (Delete) Kind() Kind    { return KindDelete }
func (Toggle) Kind() Kind    { return KindToggle }

func (m Create[R]) Token() string { return m.Correlation }
func (m Update[P]) Token() string { return m.Correlation }
func (m Delete) Token() string    { return m.Correlation }
func (m Toggle) Token() string    { return m.Correlation }

func (Create[R]) isMutation() {}
func (Update[P]) isMutation() {}
func (Delete) isMutation()    {}
func (Toggle) isMutation()    {}

// Error describes a failed mutation. The optimistic change has already been
// rolled back when it is returned.
type Error struct {
	Kind       Kind
	ID         string
	RolledBack bool
	Err        error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s failed: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Kind, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
