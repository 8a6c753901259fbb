// Package engine is the client-side sync engine for one task scope.
//
// It composes the replica store, the mutation gateway, the push feed listener,
// the connection state machine and the derived view into the surface a UI
// consumes: the current records, the connection state, the last sync time,
// the mutation operations and the filter and sort setters. Every state change
// is announced through OnChange observers.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratboard/stratboard/internal/live/connstate"
	"github.com/stratboard/stratboard/internal/live/feed"
	"github.com/stratboard/stratboard/internal/live/mutation"
	"github.com/stratboard/stratboard/internal/live/replica"
	"github.com/stratboard/stratboard/internal/live/view"
	"github.com/stratboard/stratboard/internal/metrics"
	"github.com/stratboard/stratboard/internal/schema"
)

// Transport is the handle to the remote task service. It is constructed once
// by the application and passed in; the engine keeps no global client.
type Transport interface {
	CreateTask(ctx context.Context, scope string, t schema.Task, token string) (schema.Task, error)
	UpdateTask(ctx context.Context, scope, id string, p schema.TaskPatch, token string) (schema.Task, error)
	DeleteTask(ctx context.Context, scope, id, token string) error
	ListTasks(ctx context.Context, scope string) ([]schema.Task, error)
	feed.Subscriber[schema.Task]
}

// Config holds engine options.
type Config struct {
	// Scope is the actor scope whose tasks are replicated.
	Scope string

	// CompareAndSwap sends the local version with every update so the server
	// rejects writes based on a stale copy.
	CompareAndSwap bool

	// Retryer is the reconnect policy of the push subscription.
	Retryer connstate.Retryer

	// TombstoneCapacity bounds the remembered deleted identities.
	TombstoneCapacity int

	// Metrics is optional.
	Metrics *metrics.Sync

	Now    func() time.Time
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scope:             "default",
		CompareAndSwap:    true,
		Retryer:           connstate.NewExponentialBackoffRetryer(),
		TombstoneCapacity: replica.DefaultTombstoneCapacity,
		Now:               time.Now,
		Logger:            log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine replicates the tasks of one scope.
type Engine struct {
	config    *Config
	transport Transport

	store      *replica.Store[schema.Task]
	tombstones *replica.Tombstones
	gateway  *mutation.Gateway[schema.Task, schema.TaskPatch]
	listener *feed.Listener[schema.Task]
	machine  *connstate.Machine

	queryMu sync.RWMutex
	filter  Filter
	sort    Sort

	obsMu     sync.Mutex
	observers map[int]func()
	nextObs   int
}

// New creates an engine on top of transport.
func New(transport Transport, config *Config) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Scope == "" {
		return nil, fmt.Errorf("scope cannot be empty")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	e := &Engine{
		config:    config,
		transport: transport,
		store:     replica.New[schema.Task](),
		observers: make(map[int]func()),
	}

	pending := mutation.NewPending()
	tombstones := replica.NewTombstones(config.TombstoneCapacity)
	e.tombstones = tombstones

	e.gateway = mutation.New[schema.Task, schema.TaskPatch](
		e.store,
		scopedRemote{transport: transport, scope: config.Scope},
		taskAdapter{scope: config.Scope},
		pending,
		tombstones,
		&mutation.Config{
			CompareAndSwap:   config.CompareAndSwap,
			Now:              config.Now,
			NewToken:         uuid.NewString,
			NewProvisionalID: func() string { return schema.ProvisionalPrefix + uuid.NewString() },
			OnChange:         e.notify,
			Logger:           config.Logger,
		},
	)

	e.listener = feed.NewListener(e.store, pending, tombstones, &feed.Config{
		OnChange: e.notify,
		Logger:   config.Logger,
	})

	e.machine = connstate.New(&connstate.Config{
		Retryer: config.Retryer,
		Now:     config.Now,
		Logger:  config.Logger,
	})
	e.machine.Observe(func(c connstate.Change) {
		config.Metrics.SetState(c.To)
		if c.Err != nil {
			config.Logger.Printf("subscription %s: %v", c.To, c.Err)
		}
		e.notify()
	})
	config.Metrics.SetState(connstate.Disconnected)

	return e, nil
}

// Scope returns the replicated scope.
func (e *Engine) Scope() string { return e.config.Scope }

// Run keeps the push subscription open until ctx is cancelled. Every time the
// subscription is acknowledged the full list is fetched and merged, covering
// events missed while disconnected.
func (e *Engine) Run(ctx context.Context) error {
	connect := e.listener.Connect(subscriberFunc(e.subscribe), e.config.Scope)
	return e.machine.Run(ctx, func(ctx context.Context, ready func()) error {
		return connect(ctx, func() {
			ready()
			go func() {
				if err := e.Resync(ctx); err != nil && ctx.Err() == nil {
					e.config.Logger.Printf("resync failed: %v", err)
				}
			}()
		})
	})
}

// subscribe counts and timestamps events on their way to the listener.
func (e *Engine) subscribe(ctx context.Context, scope string, onEvent func(feed.Event[schema.Task]), onStatus func(connstate.State, error)) (func(), error) {
	return e.transport.Subscribe(ctx, scope, func(ev feed.Event[schema.Task]) {
		e.config.Metrics.EventReceived(ev.Op.String())
		onEvent(ev)
		e.machine.MarkSynced()
	}, onStatus)
}

type subscriberFunc func(ctx context.Context, scope string, onEvent func(feed.Event[schema.Task]), onStatus func(connstate.State, error)) (func(), error)

func (f subscriberFunc) Subscribe(ctx context.Context, scope string, onEvent func(feed.Event[schema.Task]), onStatus func(connstate.State, error)) (func(), error) {
	return f(ctx, scope, onEvent, onStatus)
}

// Reconnect restarts a subscription loop that gave up or is backing off.
func (e *Engine) Reconnect() { e.machine.Reconnect() }

// Resync fetches the full list and merges it into the replica. Records that
// were known before the fetch started and are missing from the list are
// removed; records that appeared locally during the fetch are kept.
func (e *Engine) Resync(ctx context.Context) error {
	known := make(map[string]struct{})
	for _, t := range e.store.List() {
		if !schema.IsProvisional(t.ID) {
			known[t.ID] = struct{}{}
		}
	}

	tasks, err := e.transport.ListTasks(ctx, e.config.Scope)
	e.config.Metrics.Resync(err)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	changed := false
	for i := range tasks {
		t := tasks[i]
		delete(known, t.ID)
		// The list is authoritative, so a tombstone for a listed id is stale.
		e.tombstones.Forget(t.ID)
		if cur, ok := e.store.Get(t.ID); ok && cur.Equal(t) {
			continue
		}
		if e.listener.Merge(feed.Event[schema.Task]{Op: feed.OpUpdate, Scope: t.Scope, ID: t.ID, Record: &t, Version: t.Version}) {
			changed = true
		}
	}
	for id := range known {
		if e.store.Remove(id) {
			changed = true
		}
	}

	e.machine.MarkSynced()
	if changed {
		e.notify()
	}
	return nil
}

// Records returns the current derived view: filtered and sorted copies.
func (e *Engine) Records() []schema.Task {
	e.queryMu.RLock()
	q := buildQuery(e.filter, e.sort)
	e.queryMu.RUnlock()
	return q.Apply(e.store.List())
}

// All returns every replicated task in store order.
func (e *Engine) All() []schema.Task { return e.store.List() }

// Get returns one task by identity.
func (e *Engine) Get(id string) (schema.Task, bool) { return e.store.Get(id) }

// Counts returns the number of tasks per status over the whole replica.
func (e *Engine) Counts() map[schema.Status]int { return CountByStatus(e.store.List()) }

// ConnectionState returns the push subscription state.
func (e *Engine) ConnectionState() connstate.State { return e.machine.State() }

// Status returns the full connection status.
func (e *Engine) Status() connstate.Status { return e.machine.Status() }

// LastSyncedAt returns when the replica last heard from the server.
func (e *Engine) LastSyncedAt() time.Time { return e.machine.LastSyncedAt() }

// SetFilter replaces the filter and announces the change.
func (e *Engine) SetFilter(f Filter) {
	e.queryMu.Lock()
	e.filter = f
	e.queryMu.Unlock()
	e.notify()
}

// SetSort replaces the sort and announces the change.
func (e *Engine) SetSort(s Sort) {
	e.queryMu.Lock()
	e.sort = s
	e.queryMu.Unlock()
	e.notify()
}

// Add creates a task. The draft appears immediately under a provisional id.
func (e *Engine) Add(ctx context.Context, draft schema.Task) (schema.Task, error) {
	draft.SetDefaults()
	if err := draft.ValidateDraft(); err != nil {
		return schema.Task{}, fmt.Errorf("invalid task: %w", err)
	}
	return e.Apply(ctx, mutation.Create[schema.Task]{Record: draft})
}

// Update applies patch to the task with the given id.
func (e *Engine) Update(ctx context.Context, id string, patch schema.TaskPatch) (schema.Task, error) {
	if err := patch.Validate(); err != nil {
		return schema.Task{}, fmt.Errorf("invalid patch: %w", err)
	}
	return e.Apply(ctx, mutation.Update[schema.TaskPatch]{ID: id, Patch: patch})
}

// Toggle flips a task between done and open.
func (e *Engine) Toggle(ctx context.Context, id string) (schema.Task, error) {
	return e.Apply(ctx, mutation.Toggle{ID: id})
}

// Remove deletes the task with the given id.
func (e *Engine) Remove(ctx context.Context, id string) error {
	_, err := e.Apply(ctx, mutation.Delete{ID: id})
	return err
}

// Apply runs any mutation variant.
func (e *Engine) Apply(ctx context.Context, m mutation.Mutation) (schema.Task, error) {
	t, err := e.gateway.Apply(ctx, m)
	e.config.Metrics.ObserveMutation(m.Kind(), err)
	if err != nil {
		e.config.Logger.Printf("%s failed: %v", m.Kind(), err)
	}
	return t, err
}

// OnChange registers fn to run after every change to records, connection
// state, filter or sort. It returns a function that removes fn.
func (e *Engine) OnChange(fn func()) (remove func()) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()

	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	return func() {
		e.obsMu.Lock()
		defer e.obsMu.Unlock()
		delete(e.observers, id)
	}
}

func (e *Engine) notify() {
	e.config.Metrics.SetRecords(e.store.Len())

	e.obsMu.Lock()
	fns := make([]func(), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// SortBy is a convenience for SetSort with a parsed field and order.
func (e *Engine) SortBy(field, order string) error {
	f, err := ParseSortField(field)
	if err != nil {
		return err
	}
	o, err := view.ParseOrder(order)
	if err != nil {
		return err
	}
	e.SetSort(Sort{Field: f, Order: o})
	return nil
}
