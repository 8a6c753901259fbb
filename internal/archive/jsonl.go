// Package archive moves tasks in and out of a store as JSON Lines, one task
// per line. It is used to back up a database and to move scopes between
// backends (sqlite to postgres, for example).
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/stratboard/stratboard/internal/schema"
)

// Source lists tasks. *db.DB satisfies it.
type Source interface {
	Scopes(ctx context.Context) ([]string, error)
	ListTasks(ctx context.Context, scope string) ([]schema.Task, error)
}

// Sink writes imported tasks. *db.DB satisfies it.
type Sink interface {
	UpsertTask(ctx context.Context, scope string, t schema.Task, now time.Time) (schema.Task, bool, error)
}

// Export writes the tasks of the given scopes to w. No scopes means every
// scope in the store. It returns the number of tasks written.
func Export(ctx context.Context, src Source, w io.Writer, scopes ...string) (int, error) {
	if len(scopes) == 0 {
		all, err := src.Scopes(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list scopes: %w", err)
		}
		scopes = all
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	written := 0
	for _, scope := range scopes {
		tasks, err := src.ListTasks(ctx, scope)
		if err != nil {
			return written, fmt.Errorf("failed to list tasks in %s: %w", scope, err)
		}
		for i := range tasks {
			if err := enc.Encode(&tasks[i]); err != nil {
				return written, fmt.Errorf("failed to encode task %s: %w", tasks[i].ID, err)
			}
			written++
		}
	}
	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("failed to write export: %w", err)
	}
	return written, nil
}

// ExportFiles writes each task of the given scopes to dir/<scope>/<id>.json,
// the layout the inbox daemon reads. No scopes means every scope.
func ExportFiles(ctx context.Context, src Source, dir string, scopes ...string) (int, error) {
	if len(scopes) == 0 {
		all, err := src.Scopes(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list scopes: %w", err)
		}
		scopes = all
	}

	written := 0
	for _, scope := range scopes {
		tasks, err := src.ListTasks(ctx, scope)
		if err != nil {
			return written, fmt.Errorf("failed to list tasks in %s: %w", scope, err)
		}
		for i := range tasks {
			if err := schema.WriteTaskFile(filepath.Join(dir, scope), &tasks[i]); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}

// ReadJSONL parses tasks from r. Missing optional fields get their defaults.
func ReadJSONL(r io.Reader) ([]schema.Task, error) {
	var tasks []schema.Task
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var task schema.Task
		if err := decoder.Decode(&task); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		task.SetDefaults()
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// ImportOptions configures Import.
type ImportOptions struct {
	// Scope overrides the scope recorded in each line. Required when the
	// lines carry no scope.
	Scope string

	DryRun bool // Validate without writing
	Backup bool // Copy the input file aside first

	Now func() time.Time
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read          int
	Created       int
	Updated       int
	BackupCreated string
	Errors        []string
}

// Import upserts every task in the JSONL file at path. Invalid lines are
// reported in the result and skipped; the rest are still imported.
func Import(ctx context.Context, sink Sink, path string, opts ImportOptions) (*ImportResult, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	result := &ImportResult{}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + opts.Now().Format("20060102-150405")
		input, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	tasks, err := ReadJSONL(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	result.Read = len(tasks)

	for _, task := range tasks {
		scope := task.Scope
		if opts.Scope != "" {
			scope = opts.Scope
		}
		if scope == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("task %q has no scope (use a scope override)", task.ID))
			continue
		}
		if err := task.ValidateDraft(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("task %q: %v", task.ID, err))
			continue
		}
		if opts.DryRun {
			continue
		}

		_, created, err := sink.UpsertTask(ctx, scope, task, opts.Now())
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to import task %q: %v", task.ID, err))
			continue
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	return result, nil
}
