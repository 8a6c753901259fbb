package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stratboard/stratboard/internal/db"
	"github.com/stratboard/stratboard/internal/schema"
)

func openDB(t *testing.T, name string) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func titles(tasks []schema.Task) []string {
	var out []string
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	src := openDB(t, "src.db")

	for _, draft := range []struct {
		scope string
		title string
	}{{"home", "Water plants"}, {"home", "Call plumber"}, {"work", "Review PR"}} {
		if _, err := src.CreateTask(ctx, draft.scope, schema.Task{Title: draft.title, Tags: []string{"x"}}, now); err != nil {
			t.Fatalf("CreateTask() failed: %v", err)
		}
	}

	var buf bytes.Buffer
	n, err := Export(ctx, src, &buf)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if n != 3 || strings.Count(buf.String(), "\n") != 3 {
		t.Fatalf("Export() wrote %d tasks:\n%s", n, buf.String())
	}

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("failed to write export: %v", err)
	}

	dst := openDB(t, "dst.db")
	result, err := Import(ctx, dst, path, ImportOptions{Backup: true, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	want := &ImportResult{Read: 3, Created: 3, BackupCreated: path + ".backup.20250301-090000"}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("Import() mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(result.BackupCreated); err != nil {
		t.Errorf("backup missing: %v", err)
	}

	for _, scope := range []string{"home", "work"} {
		srcTasks, _ := src.ListTasks(ctx, scope)
		dstTasks, _ := dst.ListTasks(ctx, scope)
		if diff := cmp.Diff(titles(srcTasks), titles(dstTasks)); diff != "" {
			t.Errorf("scope %s mismatch (-src +dst):\n%s", scope, diff)
		}
		for i := range srcTasks {
			if dstTasks[i].ID != srcTasks[i].ID {
				t.Errorf("id not preserved: %s != %s", dstTasks[i].ID, srcTasks[i].ID)
			}
		}
	}

	// A second import updates in place.
	again, err := Import(ctx, dst, path, ImportOptions{})
	if err != nil {
		t.Fatalf("second Import() failed: %v", err)
	}
	if again.Created != 0 || again.Updated != 3 {
		t.Errorf("second Import() = %+v, want 3 updates", again)
	}
}

func TestImport_ScopeOverrideDryRunAndErrors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "in.jsonl")
	content := `{"title": "No scope"}
{"title": "", "scope": "home"}
{"id": "fixed-1", "title": "Has id", "scope": "home", "priority": 1}
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	store := openDB(t, "tasks.db")

	dry, err := Import(ctx, store, path, ImportOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Import(dry run) failed: %v", err)
	}
	if dry.Read != 3 || len(dry.Errors) != 2 || dry.Created != 0 {
		t.Errorf("dry run = %+v, want 3 read, 2 errors, nothing written", dry)
	}
	if tasks, _ := store.ListTasks(ctx, "home"); len(tasks) != 0 {
		t.Errorf("dry run wrote %d tasks", len(tasks))
	}

	result, err := Import(ctx, store, path, ImportOptions{Scope: "imported"})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if result.Created != 2 || len(result.Errors) != 1 {
		t.Errorf("Import() = %+v, want 2 created and the empty title rejected", result)
	}
	got, err := store.GetTask(ctx, "imported", "fixed-1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Priority != 1 || got.Version != 1 {
		t.Errorf("imported task = %+v", got)
	}
}

func TestReadJSONL_Invalid(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader(`{"title": "ok"}` + "\n" + `{"title": `))
	if err == nil || !strings.Contains(err.Error(), "record 2") {
		t.Errorf("ReadJSONL() error = %v, want a record 2 error", err)
	}
	if _, err := Import(context.Background(), nil, "/nonexistent/path.jsonl", ImportOptions{}); err == nil {
		t.Error("Import() of a missing file should fail")
	}
}

func TestExportFilesInboxLayout(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	src := openDB(t, "src.db")

	created, err := src.CreateTask(ctx, "home", schema.Task{Title: "Water plants", Priority: 1}, now)
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if _, err := src.CreateTask(ctx, "work", schema.Task{Title: "Review PR"}, now); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	dir := t.TempDir()
	n, err := ExportFiles(ctx, src, dir, "home")
	if err != nil {
		t.Fatalf("ExportFiles() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ExportFiles() = %d, want 1", n)
	}

	paths, err := schema.ListTaskFiles(filepath.Join(dir, "home"))
	if err != nil {
		t.Fatalf("ListTaskFiles() failed: %v", err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != created.Filename() {
		t.Fatalf("files = %v, want %s", paths, created.Filename())
	}
	if _, err := os.Stat(filepath.Join(dir, "work")); !os.IsNotExist(err) {
		t.Errorf("unselected scope exported: %v", err)
	}

	got, err := schema.ReadTaskFile(paths[0])
	if err != nil {
		t.Fatalf("ReadTaskFile() failed: %v", err)
	}
	if got.ID != created.ID || got.Title != "Water plants" || got.Priority != 1 {
		t.Errorf("read back %+v, want %+v", got, created)
	}
}
