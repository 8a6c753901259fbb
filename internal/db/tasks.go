package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratboard/stratboard/internal/schema"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `id, scope, title, description, status, priority, tags,
	due_at, completed_at, version, created_at, updated_at`

// CreateTask stores a new task. The server assigns the identity when the
// draft has none, sets the version to 1 and stamps both timestamps.
func (db *DB) CreateTask(ctx context.Context, scope string, draft schema.Task, now time.Time) (schema.Task, error) {
	t := draft.Clone()
	if t.ID == "" || schema.IsProvisional(t.ID) {
		t.ID = uuid.NewString()
	}
	t.Scope = scope
	t.SetDefaults()
	t.Version = 1
	t.CreatedAt = now.UTC()
	t.UpdatedAt = t.CreatedAt
	t.SyncCompletion(now)

	if err := t.Validate(); err != nil {
		return schema.Task{}, fmt.Errorf("invalid task: %w", err)
	}

	if err := db.insertTask(ctx, db.conn, &t); err != nil {
		return schema.Task{}, err
	}
	return t, nil
}

// GetTask retrieves one task from scope.
func (db *DB) GetTask(ctx context.Context, scope, id string) (schema.Task, error) {
	return db.getTask(ctx, db.conn, scope, id)
}

// ListTasks returns every task of scope in creation order.
func (db *DB) ListTasks(ctx context.Context, scope string) ([]schema.Task, error) {
	query := db.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE scope = ? ORDER BY created_at, id`)
	rows, err := db.conn.QueryContext(ctx, query, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// UpdateTask applies patch to the task inside a transaction. A non-zero
// BaseVersion must equal the stored version or ErrVersionConflict is returned.
// The stored version is bumped by one.
func (db *DB) UpdateTask(ctx context.Context, scope, id string, patch schema.TaskPatch, now time.Time) (schema.Task, error) {
	if err := patch.Validate(); err != nil {
		return schema.Task{}, fmt.Errorf("invalid patch: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return schema.Task{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := db.getTask(ctx, tx, scope, id)
	if err != nil {
		return schema.Task{}, err
	}
	if patch.BaseVersion != 0 && patch.BaseVersion != cur.Version {
		return schema.Task{}, fmt.Errorf("%w: base version %d, stored version %d", ErrVersionConflict, patch.BaseVersion, cur.Version)
	}

	next := patch.Apply(cur)
	next.Version = cur.Version + 1
	next.UpdatedAt = now.UTC()
	next.SyncCompletion(now)
	if err := next.Validate(); err != nil {
		return schema.Task{}, fmt.Errorf("invalid task: %w", err)
	}

	if err := db.writeTask(ctx, tx, &next, cur.Version); err != nil {
		return schema.Task{}, err
	}

	if err := tx.Commit(); err != nil {
		return schema.Task{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

// UpsertTask inserts t when its id is unknown in scope, otherwise overwrites
// the stored content. It reports whether the task was created. Used for
// imports that carry their own identities.
func (db *DB) UpsertTask(ctx context.Context, scope string, t schema.Task, now time.Time) (schema.Task, bool, error) {
	if t.ID == "" {
		created, err := db.CreateTask(ctx, scope, t, now)
		return created, err == nil, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return schema.Task{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	next := t.Clone()
	next.Scope = scope
	next.SetDefaults()
	next.UpdatedAt = now.UTC()

	cur, err := db.getTask(ctx, tx, scope, t.ID)
	created := false
	switch {
	case errors.Is(err, ErrNotFound):
		created = true
		next.Version = 1
		next.CreatedAt = next.UpdatedAt
		next.CompletedAt = nil
		next.SyncCompletion(now)
		if err := next.Validate(); err != nil {
			return schema.Task{}, false, fmt.Errorf("invalid task: %w", err)
		}
		if err := db.insertTask(ctx, tx, &next); err != nil {
			return schema.Task{}, false, err
		}
	case err != nil:
		return schema.Task{}, false, err
	default:
		next.Version = cur.Version + 1
		next.CreatedAt = cur.CreatedAt
		next.CompletedAt = cur.CompletedAt
		next.SyncCompletion(now)
		if err := next.Validate(); err != nil {
			return schema.Task{}, false, fmt.Errorf("invalid task: %w", err)
		}
		if err := db.writeTask(ctx, tx, &next, cur.Version); err != nil {
			return schema.Task{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return schema.Task{}, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, created, nil
}

// DeleteTask removes a task from scope.
func (db *DB) DeleteTask(ctx context.Context, scope, id string) error {
	query := db.rebind(`DELETE FROM tasks WHERE scope = ? AND id = ?`)
	res, err := db.conn.ExecContext(ctx, query, scope, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Stats returns per-status counts and the number of open tasks past due.
func (db *DB) Stats(ctx context.Context, scope string, now time.Time) (schema.Stats, error) {
	stats := schema.Stats{
		Scope: scope,
		ByStatus: map[schema.Status]int{
			schema.StatusOpen:       0,
			schema.StatusInProgress: 0,
			schema.StatusDone:       0,
		},
	}

	query := db.rebind(`SELECT status, COUNT(*) FROM tasks WHERE scope = ? GROUP BY status`)
	rows, err := db.conn.QueryContext(ctx, query, scope)
	if err != nil {
		return stats, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan count: %w", err)
		}
		stats.ByStatus[schema.Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to count tasks: %w", err)
	}

	query = db.rebind(`SELECT COUNT(*) FROM tasks WHERE scope = ? AND status != ? AND due_at IS NOT NULL AND due_at < ?`)
	if err := db.conn.QueryRowContext(ctx, query, scope, string(schema.StatusDone), now.UTC().Format(timeLayout)).Scan(&stats.Overdue); err != nil {
		return stats, fmt.Errorf("failed to count overdue tasks: %w", err)
	}

	return stats, nil
}

// Scopes returns every scope that holds at least one task.
func (db *DB) Scopes(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT scope FROM tasks ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (db *DB) getTask(ctx context.Context, q querier, scope, id string) (schema.Task, error) {
	query := db.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE scope = ? AND id = ?`)
	rows, err := q.QueryContext(ctx, query, scope, id)
	if err != nil {
		return schema.Task{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return schema.Task{}, err
	}
	if len(tasks) == 0 {
		return schema.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tasks[0], nil
}

func (db *DB) insertTask(ctx context.Context, q querier, t *schema.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}

	query := db.rebind(`
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = q.ExecContext(ctx, query,
		t.ID, t.Scope, t.Title, t.Description, string(t.Status), t.Priority, tags,
		timeToNullString(t.DueAt), timeToNullString(t.CompletedAt), t.Version,
		t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// writeTask overwrites the stored row if its version is still expected.
func (db *DB) writeTask(ctx context.Context, q querier, t *schema.Task, expected int64) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}

	query := db.rebind(`
		UPDATE tasks SET
			title = ?, description = ?, status = ?, priority = ?, tags = ?,
			due_at = ?, completed_at = ?, version = ?, updated_at = ?
		WHERE scope = ? AND id = ? AND version = ?
	`)
	res, err := q.ExecContext(ctx, query,
		t.Title, t.Description, string(t.Status), t.Priority, tags,
		timeToNullString(t.DueAt), timeToNullString(t.CompletedAt), t.Version,
		t.UpdatedAt.UTC().Format(timeLayout),
		t.Scope, t.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrVersionConflict, t.ID)
	}
	return nil
}

// scanTasks is a helper to scan multiple task rows
func scanTasks(rows *sql.Rows) ([]schema.Task, error) {
	var tasks []schema.Task

	for rows.Next() {
		var t schema.Task
		var status, tags, createdAt, updatedAt string
		var dueAt, completedAt sql.NullString

		err := rows.Scan(
			&t.ID, &t.Scope, &t.Title, &t.Description, &status, &t.Priority, &tags,
			&dueAt, &completedAt, &t.Version, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		t.Status = schema.Status(status)
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of task %s: %w", t.ID, err)
		}
		if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at of task %s: %w", t.ID, err)
		}
		if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at of task %s: %w", t.ID, err)
		}
		t.DueAt = nullStringToTime(dueAt)
		t.CompletedAt = nullStringToTime(completedAt)

		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	return string(data), nil
}

// timeToNullString converts *time.Time to sql.NullString
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// nullStringToTime converts sql.NullString to *time.Time
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
