package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestTask_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		task    Task
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid task",
			task: Task{
				ID:        "t-1",
				Scope:     "acme",
				Title:     "Draft proposal",
				Status:    StatusInProgress,
				Priority:  1,
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
		{
			name:    "missing id",
			task:    Task{Scope: "acme", Title: "Test", Status: StatusOpen, CreatedAt: now, UpdatedAt: now},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing scope",
			task:    Task{ID: "t-1", Title: "Test", Status: StatusOpen, CreatedAt: now, UpdatedAt: now},
			wantErr: true,
			errMsg:  "scope is required",
		},
		{
			name:    "blank title",
			task:    Task{ID: "t-1", Scope: "acme", Title: "   ", Status: StatusOpen, CreatedAt: now, UpdatedAt: now},
			wantErr: true,
			errMsg:  "title is required",
		},
		{
			name: "title too long",
			task: Task{
				ID: "t-1", Scope: "acme", Title: strings.Repeat("x", 501),
				Status: StatusOpen, CreatedAt: now, UpdatedAt: now,
			},
			wantErr: true,
			errMsg:  "title must be 500 characters or less",
		},
		{
			name:    "priority too high",
			task:    Task{ID: "t-1", Scope: "acme", Title: "Test", Status: StatusOpen, Priority: 5, CreatedAt: now, UpdatedAt: now},
			wantErr: true,
			errMsg:  "priority must be between 0 and 4",
		},
		{
			name:    "unknown status",
			task:    Task{ID: "t-1", Scope: "acme", Title: "Test", Status: "closed", CreatedAt: now, UpdatedAt: now},
			wantErr: true,
			errMsg:  "invalid status",
		},
		{
			name:    "missing created_at",
			task:    Task{ID: "t-1", Scope: "acme", Title: "Test", Status: StatusOpen, UpdatedAt: now},
			wantErr: true,
			errMsg:  "created_at is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Validate() expected error containing %q, got nil", tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %v, want error containing %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestTask_CloneIsDeep(t *testing.T) {
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	orig := Task{ID: "t-1", Tags: []string{"a", "b"}, DueAt: &due}

	c := orig.Clone()
	c.Tags[0] = "changed"
	*c.DueAt = due.Add(time.Hour)

	if orig.Tags[0] != "a" {
		t.Errorf("clone shares tags slice: %v", orig.Tags)
	}
	if !orig.DueAt.Equal(due) {
		t.Errorf("clone shares due_at pointer: %v", orig.DueAt)
	}
	if !orig.Equal(orig.Clone()) {
		t.Error("clone should be equal to original")
	}
}

func TestTask_Toggled(t *testing.T) {
	tests := []struct {
		from Status
		want Status
	}{
		{StatusOpen, StatusDone},
		{StatusInProgress, StatusDone},
		{StatusDone, StatusOpen},
	}
	for _, tt := range tests {
		if got := (Task{Status: tt.from}).Toggled(); got != tt.want {
			t.Errorf("Toggled(%s) = %s, want %s", tt.from, got, tt.want)
		}
	}
}

func TestTask_SyncCompletion(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	task := Task{Status: StatusDone}
	task.SyncCompletion(now)
	if task.CompletedAt == nil || !task.CompletedAt.Equal(now) {
		t.Fatalf("expected completed_at %v, got %v", now, task.CompletedAt)
	}

	// Already completed tasks keep the original completion time.
	task.SyncCompletion(now.Add(time.Hour))
	if !task.CompletedAt.Equal(now) {
		t.Errorf("completed_at moved to %v", task.CompletedAt)
	}

	task.Status = StatusOpen
	task.SyncCompletion(now)
	if task.CompletedAt != nil {
		t.Errorf("reopened task should clear completed_at, got %v", task.CompletedAt)
	}
}

func TestIsProvisional(t *testing.T) {
	if !IsProvisional("temp-1234") {
		t.Error("temp- prefix should be provisional")
	}
	if IsProvisional("abc123") {
		t.Error("abc123 should not be provisional")
	}
}

func TestTaskPatch_ApplyAndValidate(t *testing.T) {
	title := "Renamed"
	prio := 0
	due := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	base := Task{ID: "t-1", Title: "Old", Status: StatusOpen, Priority: 3, Tags: []string{"x"}, DueAt: &due, Version: 4}

	patch := TaskPatch{Title: &title, Priority: &prio, ClearDue: true}
	if err := patch.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	got := patch.Apply(base)
	if got.Title != "Renamed" || got.Priority != 0 || got.DueAt != nil {
		t.Errorf("unexpected patched task: %+v", got)
	}
	if got.Version != 4 {
		t.Errorf("Apply must not touch the version, got %d", got.Version)
	}
	if base.Title != "Old" || base.DueAt == nil {
		t.Errorf("Apply mutated its input: %+v", base)
	}

	if err := (TaskPatch{}).Validate(); err != ErrEmptyPatch {
		t.Errorf("empty patch: got %v, want ErrEmptyPatch", err)
	}
	bad := Status("archived")
	if err := (TaskPatch{Status: &bad}).Validate(); err == nil {
		t.Error("expected error for invalid status")
	}
	if err := (TaskPatch{DueAt: &due, ClearDue: true}).Validate(); err == nil {
		t.Error("expected error for due_at with clear_due")
	}
}

func TestValidateJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		patch   bool
		wantErr bool
	}{
		{name: "draft ok", body: `{"title":"Draft proposal","priority":2}`},
		{name: "draft missing title", body: `{"priority":2}`, wantErr: true},
		{name: "draft bad status", body: `{"title":"x","status":"closed"}`, wantErr: true},
		{name: "draft not json", body: `{`, wantErr: true},
		{name: "patch ok", body: `{"status":"done","base_version":3}`, patch: true},
		{name: "patch empty", body: `{}`, patch: true, wantErr: true},
		{name: "patch unknown field", body: `{"owner":"bob"}`, patch: true, wantErr: true},
		{name: "patch priority range", body: `{"priority":9}`, patch: true, wantErr: true},
		{name: "patch clear tags", body: `{"tags":[],"base_version":3}`, patch: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.patch {
				err = ValidatePatchJSON([]byte(tt.body))
			} else {
				err = ValidateDraftJSON([]byte(tt.body))
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskPatch_ClearTagsOnTheWire(t *testing.T) {
	tests := []struct {
		name     string
		patch    TaskPatch
		wantTags []string
	}{
		{name: "clear", patch: TaskPatch{Tags: []string{}, BaseVersion: 3}, wantTags: []string{}},
		{name: "set", patch: TaskPatch{Tags: []string{"q3"}}, wantTags: []string{"q3"}},
		{name: "untouched", patch: StatusPatch(StatusDone, 3), wantTags: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(tt.patch)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if err := ValidatePatchJSON(body); err != nil {
				t.Fatalf("ValidatePatchJSON(%s): %v", body, err)
			}

			var got TaskPatch
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("decoded patch %s: %v", body, err)
			}
			if (got.Tags == nil) != (tt.wantTags == nil) || !slices.Equal(got.Tags, tt.wantTags) {
				t.Errorf("Tags = %#v, want %#v (wire %s)", got.Tags, tt.wantTags, body)
			}
		})
	}
}

func TestTaskFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	task := &Task{ID: "t-9", Title: "Quarterly OKRs", Status: StatusOpen, Priority: 1, Tags: []string{"okr"}}

	if err := WriteTaskFile(dir, task); err != nil {
		t.Fatalf("WriteTaskFile failed: %v", err)
	}

	paths, err := ListTaskFiles(dir)
	if err != nil {
		t.Fatalf("ListTaskFiles failed: %v", err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "t-9.json" {
		t.Fatalf("unexpected files: %v", paths)
	}

	got, err := ReadTaskFile(paths[0])
	if err != nil {
		t.Fatalf("ReadTaskFile failed: %v", err)
	}
	if got.Title != task.Title || got.Priority != 1 || len(got.Tags) != 1 {
		t.Errorf("unexpected task: %+v", got)
	}
}

func TestReadTaskFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"priority":1}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadTaskFile(path); err == nil {
		t.Error("expected error for task file without title")
	}

	paths, err := ListTaskFiles(filepath.Join(dir, "missing"))
	if err != nil || len(paths) != 0 {
		t.Errorf("missing dir: paths=%v err=%v", paths, err)
	}
}
