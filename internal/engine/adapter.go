package engine

import (
	"context"
	"time"

	"github.com/stratboard/stratboard/internal/schema"
)

// taskAdapter supplies the task-specific parts of a mutation.
type taskAdapter struct {
	scope string
}

func (a taskAdapter) Provisional(draft schema.Task, id string, now time.Time) schema.Task {
	t := draft.Clone()
	t.ID = id
	t.Scope = a.scope
	t.Version = 0
	t.SetDefaults()
	t.CreatedAt = now.UTC()
	t.UpdatedAt = t.CreatedAt
	t.SyncCompletion(now)
	return t
}

func (taskAdapter) ApplyPatch(t schema.Task, p schema.TaskPatch, now time.Time) schema.Task {
	out := p.Apply(t)
	out.UpdatedAt = now.UTC()
	out.SyncCompletion(now)
	return out
}

func (taskAdapter) TogglePatch(t schema.Task) schema.TaskPatch {
	return schema.StatusPatch(t.Toggled(), 0)
}

func (taskAdapter) Rebase(p schema.TaskPatch, t schema.Task) schema.TaskPatch {
	p.BaseVersion = t.Version
	return p
}

// scopedRemote binds a transport to one scope.
type scopedRemote struct {
	transport Transport
	scope     string
}

func (r scopedRemote) Create(ctx context.Context, t schema.Task, token string) (schema.Task, error) {
	// The provisional identity and placeholder timestamps stay local.
	draft := t.Clone()
	draft.ID = ""
	draft.CreatedAt = time.Time{}
	draft.UpdatedAt = time.Time{}
	draft.CompletedAt = nil
	return r.transport.CreateTask(ctx, r.scope, draft, token)
}

func (r scopedRemote) Update(ctx context.Context, id string, p schema.TaskPatch, token string) (schema.Task, error) {
	return r.transport.UpdateTask(ctx, r.scope, id, p, token)
}

func (r scopedRemote) Delete(ctx context.Context, id string, token string) error {
	return r.transport.DeleteTask(ctx, r.scope, id, token)
}
