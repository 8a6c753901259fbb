package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrEmptyPatch is returned when a patch changes no field.
var ErrEmptyPatch = errors.New("patch changes no field")

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	Tags        []string   `json:"tags,omitempty"` // non-nil and empty clears
	DueAt       *time.Time `json:"due_at,omitempty"`
	ClearDue    bool       `json:"clear_due,omitempty"`

	// BaseVersion is the version the patch was computed against.
	// Zero disables the server-side compare-and-swap check.
	BaseVersion int64 `json:"base_version,omitempty"`
}

// MarshalJSON keeps an empty non-nil Tags on the wire as [] so that clearing
// tags survives the trip to the server.
func (p TaskPatch) MarshalJSON() ([]byte, error) {
	type plain TaskPatch
	out := struct {
		plain
		Tags *[]string `json:"tags,omitempty"`
	}{plain: plain(p)}
	if p.Tags != nil {
		out.Tags = &p.Tags
	}
	return json.Marshal(out)
}

// IsEmpty reports whether the patch changes nothing.
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.Tags == nil && p.DueAt == nil && !p.ClearDue
}

// Validate checks the patched values without needing the target record.
func (p TaskPatch) Validate() error {
	if p.IsEmpty() {
		return ErrEmptyPatch
	}
	if p.Title != nil {
		if *p.Title == "" {
			return fmt.Errorf("title cannot be empty")
		}
		if len(*p.Title) > 500 {
			return fmt.Errorf("title must be 500 characters or less (got %d)", len(*p.Title))
		}
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("invalid status %q", *p.Status)
	}
	if p.Priority != nil && (*p.Priority < 0 || *p.Priority > 4) {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", *p.Priority)
	}
	if p.DueAt != nil && p.ClearDue {
		return fmt.Errorf("due_at and clear_due are mutually exclusive")
	}
	return nil
}

// Apply returns a copy of t with the patch applied. Version and timestamps are
// left to the server.
func (p TaskPatch) Apply(t Task) Task {
	out := t.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Tags != nil {
		out.Tags = slices.Clone(p.Tags)
	}
	if p.DueAt != nil {
		out.DueAt = cloneTime(p.DueAt)
	}
	if p.ClearDue {
		out.DueAt = nil
	}
	return out
}

// StatusPatch builds a patch that only changes the status.
func StatusPatch(s Status, baseVersion int64) TaskPatch {
	return TaskPatch{Status: &s, BaseVersion: baseVersion}
}
