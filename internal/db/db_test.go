package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stratboard/stratboard/internal/schema"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestDB opens a fresh sqlite database in a temp dir
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustCreate(t *testing.T, db *DB, scope, title string) schema.Task {
	t.Helper()
	task, err := db.CreateTask(context.Background(), scope, schema.Task{Title: title, Priority: 2}, testNow)
	if err != nil {
		t.Fatalf("CreateTask(%q) failed: %v", title, err)
	}
	return task
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn        string
		wantDriver Driver
		wantSource string
		wantErr    bool
	}{
		{dsn: "", wantErr: true},
		{dsn: "tasks.db", wantDriver: DriverSQLite, wantSource: "tasks.db"},
		{dsn: "sqlite:/var/lib/sb.db", wantDriver: DriverSQLite, wantSource: "/var/lib/sb.db"},
		{dsn: "postgres://u:p@localhost/sb", wantDriver: DriverPostgres, wantSource: "postgres://u:p@localhost/sb"},
		{dsn: "postgresql://localhost/sb", wantDriver: DriverPostgres, wantSource: "postgresql://localhost/sb"},
		{dsn: "libsql://sb.turso.io", wantDriver: DriverLibSQL, wantSource: "libsql://sb.turso.io"},
		{dsn: "libsql:local.db", wantDriver: DriverLibSQL, wantSource: "file:local.db"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			driver, source, err := ParseDSN(tt.dsn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDSN() error = %v, wantErr %v", err, tt.wantErr)
			}
			if driver != tt.wantDriver || source != tt.wantSource {
				t.Errorf("ParseDSN() = (%q, %q), want (%q, %q)", driver, source, tt.wantDriver, tt.wantSource)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	if got, want := pg.rebind("a = ? AND b = ?"), "a = $1 AND b = $2"; got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}
	lite := &DB{driver: DriverSQLite}
	if got, want := lite.rebind("a = ?"), "a = ?"; got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tasks'`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Errorf("tasks table count = %d, want 1", count)
	}
}

func TestCreateTask_AssignsIdentity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	created, err := db.CreateTask(ctx, "alice", schema.Task{
		ID:    "temp-123",
		Title: "Draft proposal",
		Tags:  []string{"q3"},
	}, testNow)
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	if created.ID == "" || schema.IsProvisional(created.ID) {
		t.Errorf("ID = %q, want server-assigned identity", created.ID)
	}
	if created.Version != 1 {
		t.Errorf("Version = %d, want 1", created.Version)
	}
	if created.Status != schema.StatusOpen {
		t.Errorf("Status = %q, want open", created.Status)
	}

	got, err := db.GetTask(ctx, "alice", created.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if diff := cmp.Diff(created, got); diff != "" {
		t.Errorf("GetTask() mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateTask_RejectsInvalid(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.CreateTask(context.Background(), "alice", schema.Task{Title: "x", Priority: 9}, testNow)
	if err == nil {
		t.Fatal("CreateTask() with priority 9 succeeded, want error")
	}
}

func TestGetTask_ScopeIsolation(t *testing.T) {
	db := setupTestDB(t)
	task := mustCreate(t, db, "alice", "Mine")

	_, err := db.GetTask(context.Background(), "bob", task.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask() from other scope error = %v, want ErrNotFound", err)
	}
}

func TestListTasks_CreationOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i, title := range []string{"first", "second", "third"} {
		if _, err := db.CreateTask(ctx, "alice", schema.Task{Title: title}, testNow.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("CreateTask() failed: %v", err)
		}
	}
	mustCreate(t, db, "bob", "elsewhere")

	tasks, err := db.ListTasks(ctx, "alice")
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	var titles []string
	for _, task := range tasks {
		titles = append(titles, task.Title)
	}
	if diff := cmp.Diff([]string{"first", "second", "third"}, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateTask_BumpsVersionAndComputesCompletion(t *testing.T) {
	db := setupTestDB(t)
	task := mustCreate(t, db, "alice", "Ship it")
	later := testNow.Add(time.Hour)

	updated, err := db.UpdateTask(context.Background(), "alice", task.ID, schema.StatusPatch(schema.StatusDone, task.Version), later)
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(later) {
		t.Errorf("CompletedAt = %v, want %v", updated.CompletedAt, later)
	}
	if !updated.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", task.CreatedAt, updated.CreatedAt)
	}

	reopened, err := db.UpdateTask(context.Background(), "alice", task.ID, schema.StatusPatch(schema.StatusOpen, 0), later)
	if err != nil {
		t.Fatalf("UpdateTask() reopen failed: %v", err)
	}
	if reopened.CompletedAt != nil {
		t.Errorf("CompletedAt = %v after reopen, want nil", reopened.CompletedAt)
	}
}

func TestUpdateTask_StaleBaseVersion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	task := mustCreate(t, db, "alice", "Contended")

	title := "first writer"
	if _, err := db.UpdateTask(ctx, "alice", task.ID, schema.TaskPatch{Title: &title, BaseVersion: 1}, testNow); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	title = "second writer"
	_, err := db.UpdateTask(ctx, "alice", task.ID, schema.TaskPatch{Title: &title, BaseVersion: 1}, testNow)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("UpdateTask() error = %v, want ErrVersionConflict", err)
	}

	got, _ := db.GetTask(ctx, "alice", task.ID)
	if got.Title != "first writer" || got.Version != 2 {
		t.Errorf("stored task = (%q, v%d), want (first writer, v2)", got.Title, got.Version)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	db := setupTestDB(t)
	title := "x"
	_, err := db.UpdateTask(context.Background(), "alice", "missing", schema.TaskPatch{Title: &title}, testNow)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTask() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateTask_ClearDue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	due := testNow.Add(48 * time.Hour)

	task, err := db.CreateTask(ctx, "alice", schema.Task{Title: "Dated", DueAt: &due}, testNow)
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if task.DueAt == nil || !task.DueAt.Equal(due) {
		t.Fatalf("DueAt = %v, want %v", task.DueAt, due)
	}

	updated, err := db.UpdateTask(ctx, "alice", task.ID, schema.TaskPatch{ClearDue: true}, testNow)
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	if updated.DueAt != nil {
		t.Errorf("DueAt = %v, want nil", updated.DueAt)
	}
}

func TestUpsertTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, created, err := db.UpsertTask(ctx, "alice", schema.Task{ID: "inbox-1", Title: "Imported"}, testNow)
	if err != nil {
		t.Fatalf("UpsertTask() insert failed: %v", err)
	}
	if !created || first.Version != 1 {
		t.Errorf("insert = (created %v, v%d), want (true, v1)", created, first.Version)
	}

	second, created, err := db.UpsertTask(ctx, "alice", schema.Task{ID: "inbox-1", Title: "Imported again", Status: schema.StatusDone}, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("UpsertTask() update failed: %v", err)
	}
	if created || second.Version != 2 {
		t.Errorf("update = (created %v, v%d), want (false, v2)", created, second.Version)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update")
	}
	if second.CompletedAt == nil {
		t.Errorf("CompletedAt = nil, want set for done task")
	}
}

func TestUpsertTask_SameIDInTwoScopes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, scope := range []string{"alice", "bob"} {
		got, created, err := db.UpsertTask(ctx, scope, schema.Task{ID: "shared-1", Title: "Imported into " + scope}, testNow)
		if err != nil {
			t.Fatalf("UpsertTask(%s) failed: %v", scope, err)
		}
		if !created || got.Scope != scope {
			t.Errorf("UpsertTask(%s) = (%+v, created %v), want a new task in %s", scope, got, created, scope)
		}
	}

	if err := db.DeleteTask(ctx, "alice", "shared-1"); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	got, err := db.GetTask(ctx, "bob", "shared-1")
	if err != nil {
		t.Fatalf("GetTask(bob) after deleting alice's copy: %v", err)
	}
	if got.Title != "Imported into bob" {
		t.Errorf("bob's task = %+v", got)
	}
}

func TestDeleteTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	task := mustCreate(t, db, "alice", "Doomed")

	if err := db.DeleteTask(ctx, "alice", task.ID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if err := db.DeleteTask(ctx, "alice", task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteTask() error = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	drafts := []schema.Task{
		{Title: "late", DueAt: &past},
		{Title: "late but done", DueAt: &past, Status: schema.StatusDone},
		{Title: "upcoming", DueAt: &future, Status: schema.StatusInProgress},
		{Title: "undated"},
	}
	for _, d := range drafts {
		if _, err := db.CreateTask(ctx, "alice", d, testNow); err != nil {
			t.Fatalf("CreateTask() failed: %v", err)
		}
	}

	got, err := db.Stats(ctx, "alice", testNow)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	want := schema.Stats{
		Scope: "alice",
		Total: 4,
		ByStatus: map[schema.Status]int{
			schema.StatusOpen:       2,
			schema.StatusInProgress: 1,
			schema.StatusDone:       1,
		},
		Overdue: 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestScopes(t *testing.T) {
	db := setupTestDB(t)
	mustCreate(t, db, "bob", "b")
	mustCreate(t, db, "alice", "a")
	mustCreate(t, db, "alice", "a2")

	scopes, err := db.Scopes(context.Background())
	if err != nil {
		t.Fatalf("Scopes() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, scopes); diff != "" {
		t.Errorf("Scopes() mismatch (-want +got):\n%s", diff)
	}
}
