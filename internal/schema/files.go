package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filename returns the canonical filename for this task: {id}.json
func (t *Task) Filename() string {
	return fmt.Sprintf("%s.json", t.ID)
}

// ReadTaskFile reads and parses a task JSON file from the given path.
// The file may omit id, scope and timestamps; only the draft fields are validated.
func ReadTaskFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}

	if err := ValidateDraftJSON(data); err != nil {
		return nil, fmt.Errorf("invalid task file %s: %w", path, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	task.SetDefaults()

	if err := task.ValidateDraft(); err != nil {
		return nil, fmt.Errorf("invalid task file %s: %w", path, err)
	}

	return &task, nil
}

// WriteTaskFile writes a Task to dir/{id}.json with pretty-printed formatting.
func WriteTaskFile(dir string, task *Task) error {
	if err := task.ValidateDraft(); err != nil {
		return fmt.Errorf("cannot write invalid task: %w", err)
	}
	if task.ID == "" {
		return fmt.Errorf("cannot write task without id")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	path := filepath.Join(dir, task.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file %s: %w", path, err)
	}

	return nil
}

// ListTaskFiles returns the paths of all *.json files directly inside dir.
// A missing directory yields an empty list.
func ListTaskFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}
