package mutation

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stratboard/stratboard/internal/live/replica"
)

// ProvisionalPrefix marks client-generated identities.
const ProvisionalPrefix = "temp-"

// ErrPendingCreate is returned when a mutation targets a record whose create
// call has not resolved yet. The server does not know the identity.
var ErrPendingCreate = errors.New("record is still being created")

// Remote performs the authoritative mutation calls. Implementations must
// report a missing identity as an error matching ErrNotFound.
type Remote[R any, P any] interface {
	Create(ctx context.Context, rec R, token string) (R, error)
	Update(ctx context.Context, id string, patch P, token string) (R, error)
	Delete(ctx context.Context, id string, token string) error
}

// Adapter supplies the record-type specific parts of a mutation.
type Adapter[R any, P any] interface {
	// Provisional builds the optimistic record for a create.
	Provisional(draft R, id string, now time.Time) R
	// ApplyPatch returns rec with patch applied locally.
	ApplyPatch(rec R, patch P, now time.Time) R
	// TogglePatch returns the patch that flips rec's status.
	TogglePatch(rec R) P
	// Rebase stamps patch with rec's version for compare-and-swap.
	Rebase(patch P, rec R) P
}

// Config holds gateway options.
type Config struct {
	// CompareAndSwap sends the local version with every update.
	CompareAndSwap bool

	// Now returns the time used for placeholder timestamps.
	Now func() time.Time

	// NewToken generates correlation tokens.
	NewToken func() string

	// NewProvisionalID generates provisional identities.
	NewProvisionalID func() string

	// OnChange is called after every write to the store.
	OnChange func()

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CompareAndSwap:   true,
		Now:              time.Now,
		NewToken:         uuid.NewString,
		NewProvisionalID: func() string { return ProvisionalPrefix + uuid.NewString() },
		Logger:           log.New(os.Stderr, "[mutation] ", log.LstdFlags),
	}
}

// Gateway runs mutations against a replica store and a remote.
type Gateway[R replica.Record[R], P any] struct {
	store      *replica.Store[R]
	remote     Remote[R, P]
	adapter    Adapter[R, P]
	pending    *Pending
	tombstones *replica.Tombstones
	config     *Config
}

// New creates a gateway. pending and tombstones are shared with the feed
// listener of the same store; nil values create private ones.
func New[R replica.Record[R], P any](store *replica.Store[R], remote Remote[R, P], adapter Adapter[R, P], pending *Pending, tombstones *replica.Tombstones, config *Config) *Gateway[R, P] {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.NewToken == nil {
		config.NewToken = defaults.NewToken
	}
	if config.NewProvisionalID == nil {
		config.NewProvisionalID = defaults.NewProvisionalID
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if pending == nil {
		pending = NewPending()
	}
	if tombstones == nil {
		tombstones = replica.NewTombstones(0)
	}
	return &Gateway[R, P]{
		store:      store,
		remote:     remote,
		adapter:    adapter,
		pending:    pending,
		tombstones: tombstones,
		config:     config,
	}
}

// Apply runs m and returns the authoritative record when there is one.
// Delete returns the zero record.
func (g *Gateway[R, P]) Apply(ctx context.Context, m Mutation) (R, error) {
	var zero R
	switch v := m.(type) {
	case Create[R]:
		return g.create(ctx, v.Record, g.token(v.Correlation))
	case *Create[R]:
		return g.create(ctx, v.Record, g.token(v.Correlation))
	case Update[P]:
		return g.update(ctx, KindUpdate, v.ID, func(R) P { return v.Patch }, g.token(v.Correlation))
	case *Update[P]:
		return g.update(ctx, KindUpdate, v.ID, func(R) P { return v.Patch }, g.token(v.Correlation))
	case Toggle:
		return g.toggle(ctx, v.ID, g.token(v.Correlation))
	case *Toggle:
		return g.toggle(ctx, v.ID, g.token(v.Correlation))
	case Delete:
		return zero, g.delete(ctx, v.ID, g.token(v.Correlation))
	case *Delete:
		return zero, g.delete(ctx, v.ID, g.token(v.Correlation))
	default:
		return zero, ErrUnsupportedMutation
	}
}

// Create adds draft optimistically and reconciles it with the remote result.
func (g *Gateway[R, P]) Create(ctx context.Context, draft R) (R, error) {
	return g.Apply(ctx, Create[R]{Record: draft})
}

// Update applies patch to the record with the given identity.
func (g *Gateway[R, P]) Update(ctx context.Context, id string, patch P) (R, error) {
	return g.Apply(ctx, Update[P]{ID: id, Patch: patch})
}

// Toggle flips the status of the record with the given identity.
func (g *Gateway[R, P]) Toggle(ctx context.Context, id string) (R, error) {
	return g.Apply(ctx, Toggle{ID: id})
}

// Delete removes the record with the given identity.
func (g *Gateway[R, P]) Delete(ctx context.Context, id string) error {
	_, err := g.Apply(ctx, Delete{ID: id})
	return err
}

// Pending returns the pending-create registry.
func (g *Gateway[R, P]) Pending() *Pending { return g.pending }

func (g *Gateway[R, P]) create(ctx context.Context, draft R, token string) (R, error) {
	var zero R
	provID := g.config.NewProvisionalID()
	rec := g.adapter.Provisional(draft, provID, g.config.Now())

	g.pending.Begin(token, provID)
	g.store.Upsert(rec)
	g.changed()

	saved, err := g.remote.Create(ctx, rec, token)
	_, ours := g.pending.Claim(token)

	if err != nil {
		if g.store.Remove(provID) {
			g.changed()
		}
		return zero, &Error{Kind: KindCreate, ID: provID, RolledBack: true, Err: err}
	}

	switch {
	case ours && g.store.ReplaceIdentity(provID, saved):
	case g.tombstones.Contains(provID) || g.tombstones.Contains(saved.RecordID()):
		// Deleted while the call was in flight.
		g.store.Remove(provID)
	default:
		// The feed listener already reconciled the provisional record.
		g.store.Remove(provID)
		g.mergeNewer(saved)
	}
	g.changed()
	return saved, nil
}

func (g *Gateway[R, P]) toggle(ctx context.Context, id, token string) (R, error) {
	var zero R
	if _, ok := g.store.Get(id); !ok {
		// Nothing to flip: the target status is unknown without the record.
		g.config.Logger.Printf("toggle %s: record not present, skipping", id)
		return zero, nil
	}
	return g.update(ctx, KindToggle, id, g.adapter.TogglePatch, token)
}

func (g *Gateway[R, P]) update(ctx context.Context, kind Kind, id string, patchFor func(R) P, token string) (R, error) {
	var zero R
	if g.pending.Has(id) {
		return zero, &Error{Kind: kind, ID: id, Err: ErrPendingCreate}
	}

	before, present := g.store.Lookup(id)
	var patch P
	if present {
		patch = patchFor(before.Record)
		if g.config.CompareAndSwap {
			patch = g.adapter.Rebase(patch, before.Record)
		}
		now := g.config.Now()
		g.store.Mutate(id, func(r R) R { return g.adapter.ApplyPatch(r, patch, now) })
		g.changed()
	} else {
		var rec R
		patch = patchFor(rec)
	}

	saved, err := g.remote.Update(ctx, id, patch, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			g.tombstones.Add(id)
			if !present {
				// Already absent locally; the intent is satisfied.
				return zero, nil
			}
			if g.store.Remove(id) {
				g.changed()
			}
			return zero, &Error{Kind: kind, ID: id, Err: err}
		}
		rolledBack := false
		if present {
			rolledBack = g.rollback(before)
		}
		return zero, &Error{Kind: kind, ID: id, RolledBack: rolledBack, Err: err}
	}

	if g.mergeNewer(saved) {
		g.changed()
	}
	return saved, nil
}

func (g *Gateway[R, P]) delete(ctx context.Context, id, token string) error {
	if g.pending.Has(id) {
		return &Error{Kind: KindDelete, ID: id, Err: ErrPendingCreate}
	}

	before, present := g.store.Lookup(id)
	if present {
		g.store.Remove(id)
		g.changed()
	}

	err := g.remote.Delete(ctx, id, token)
	if err != nil && !errors.Is(err, ErrNotFound) {
		rolledBack := false
		if present && !g.tombstones.Contains(id) && !g.store.Has(id) {
			g.store.Put(before.Record, before.Index)
			g.changed()
			rolledBack = true
		}
		return &Error{Kind: KindDelete, ID: id, RolledBack: rolledBack, Err: err}
	}

	g.tombstones.Add(id)
	if g.store.Remove(id) {
		g.changed()
	}
	return nil
}

// rollback restores the pre-mutation record at its position unless a newer
// authoritative version was merged while the call was in flight.
func (g *Gateway[R, P]) rollback(before replica.Entry[R]) bool {
	id := before.Record.RecordID()
	if g.tombstones.Contains(id) {
		return false
	}
	cur, ok := g.store.Get(id)
	if !ok || cur.RecordVersion() > before.Record.RecordVersion() {
		return false
	}
	g.store.Put(before.Record, before.Index)
	g.changed()
	return true
}

// mergeNewer stores rec unless its identity is tombstoned or the local copy
// is already at a higher version.
func (g *Gateway[R, P]) mergeNewer(rec R) bool {
	id := rec.RecordID()
	if g.tombstones.Contains(id) {
		return false
	}
	if cur, ok := g.store.Get(id); ok && cur.RecordVersion() > rec.RecordVersion() {
		return false
	}
	g.store.Upsert(rec)
	return true
}

func (g *Gateway[R, P]) token(t string) string {
	if t != "" {
		return t
	}
	return g.config.NewToken()
}

func (g *Gateway[R, P]) changed() {
	if g.config.OnChange != nil {
		g.config.OnChange()
	}
}
