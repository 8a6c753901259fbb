// Package schema provides the task record shared by the server, the transport and
// the live sync engine.
package schema

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ProvisionalPrefix marks identities generated by a client before the server
// has assigned the authoritative one.
const ProvisionalPrefix = "temp-"

// IsProvisional reports whether id is a client-generated placeholder.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}

// Task is a single record of the task collection.
// Flat fields keep last-write-wins merging by record simple; Version is
// assigned by the server and increases on every write.
type Task struct {
	// ===== Identification =====
	ID    string `json:"id"`
	Scope string `json:"scope"`

	// ===== Content =====
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    int      `json:"priority"` // 0-4 (P0=critical, P4=backlog)
	Tags        []string `json:"tags,omitempty"`

	// ===== Scheduling =====
	DueAt       *time.Time `json:"due_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"` // server-computed

	// ===== Concurrency control =====
	Version int64 `json:"version"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecordID returns the identity of the task.
func (t Task) RecordID() string { return t.ID }

// RecordVersion returns the server-assigned version.
func (t Task) RecordVersion() int64 { return t.Version }

// Clone returns a deep copy so that snapshots never share tags or time pointers.
func (t Task) Clone() Task {
	c := t
	if t.Tags != nil {
		c.Tags = slices.Clone(t.Tags)
	}
	c.DueAt = cloneTime(t.DueAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return c
}

// Equal reports whether two tasks carry identical field values.
func (t Task) Equal(o Task) bool {
	return t.ID == o.ID &&
		t.Scope == o.Scope &&
		t.Title == o.Title &&
		t.Description == o.Description &&
		t.Status == o.Status &&
		t.Priority == o.Priority &&
		slices.Equal(t.Tags, o.Tags) &&
		timePtrEqual(t.DueAt, o.DueAt) &&
		timePtrEqual(t.CompletedAt, o.CompletedAt) &&
		t.Version == o.Version &&
		t.CreatedAt.Equal(o.CreatedAt) &&
		t.UpdatedAt.Equal(o.UpdatedAt)
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if err := validateContent(t.Title, t.Status, t.Priority); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// ValidateDraft checks the client-supplied fields of a task that has not been
// assigned an identity or timestamps yet.
func (t *Task) ValidateDraft() error {
	return validateContent(t.Title, t.Status, t.Priority)
}

func validateContent(title string, status Status, priority int) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(title))
	}
	if priority < 0 || priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", priority)
	}
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
}

// SyncCompletion recomputes CompletedAt from Status. The server calls it on
// every write, which is why a successful remote call can return field values
// that differ from the optimistic local copy.
func (t *Task) SyncCompletion(now time.Time) {
	if t.Status == StatusDone {
		if t.CompletedAt == nil {
			ts := now.UTC()
			t.CompletedAt = &ts
		}
		return
	}
	t.CompletedAt = nil
}

// Toggled returns the status a toggle moves the task to: done tasks reopen,
// everything else completes.
func (t Task) Toggled() Status {
	if t.Status == StatusDone {
		return StatusOpen
	}
	return StatusDone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
