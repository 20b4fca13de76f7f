package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ivannde/lecollecteur/internal/model"
)

type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore { return &TaskStore{db: db} }

const taskColumns = `id, server_id, script, due_at, recurrence, status, last_run_at`

func scanTask(row interface{ Scan(...any) error }) (model.Task, error) {
	var (
		t          model.Task
		dueAt      int64
		recurrence string
		status     string
		lastRun    sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.ServerID, &t.Script, &dueAt, &recurrence, &status, &lastRun); err != nil {
		return model.Task{}, err
	}
	t.DueAt = fromMillis(dueAt)
	rec, err := model.ParseRecurrence(recurrence)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.Recurrence = rec
	st, err := model.ParseStatus(status)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.Status = st
	if lastRun.Valid {
		lr := fromMillis(lastRun.Int64)
		t.LastRunAt = &lr
	}
	return t, nil
}

func (r *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// Create inserts t. A zero status becomes active.
func (r *TaskStore) Create(ctx context.Context, t *model.Task) error {
	if t.ServerID <= 0 {
		return fmt.Errorf("%w: task server id is required", ErrInvalid)
	}
	if strings.TrimSpace(t.Script) == "" {
		return fmt.Errorf("%w: task script is required", ErrInvalid)
	}
	if t.Status == "" {
		t.Status = model.StatusActive
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks(server_id, script, due_at, recurrence, status, last_run_at) VALUES (?,?,?,?,?,?)`,
		t.ServerID, t.Script, toMillis(t.DueAt), string(t.Recurrence), string(t.Status), nullMillis(t.LastRunAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	t.DueAt = t.DueAt.UTC()
	return nil
}

func (r *TaskStore) Get(ctx context.Context, id int64) (model.Task, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

// ListAllByDue returns every task, earliest due first.
func (r *TaskStore) ListAllByDue(ctx context.Context) ([]model.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY due_at ASC, id ASC`)
}

func (r *TaskStore) ListActive(ctx context.Context) ([]model.Task, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY due_at ASC, id ASC`, string(model.StatusActive))
}

// ListDue returns active tasks due at or before now whose current occurrence
// has not been claimed yet.
func (r *TaskStore) ListDue(ctx context.Context, now time.Time) ([]model.Task, error) {
	return r.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND due_at <= ? AND (claimed_due IS NULL OR claimed_due <> due_at)
		 ORDER BY due_at ASC, id ASC`,
		string(model.StatusActive), toMillis(now))
}

// Claim marks the occurrence of task id due at dueAt as picked up. It reports
// false when the task is no longer active, has moved to another due time, or
// the occurrence is already claimed.
func (r *TaskStore) Claim(ctx context.Context, id int64, dueAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET claimed_due = due_at
		 WHERE id = ? AND status = ? AND due_at = ? AND (claimed_due IS NULL OR claimed_due <> due_at)`,
		id, string(model.StatusActive), toMillis(dueAt))
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops a claim so the occurrence becomes eligible again.
func (r *TaskStore) Release(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tasks SET claimed_due = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("release task %d: %w", id, err)
	}
	return nil
}

// ReleaseAll drops every claim and reports how many were held. Claims only
// live as long as the process that took them, so a fresh start calls this
// before its first tick.
func (r *TaskStore) ReleaseAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET claimed_due = NULL WHERE claimed_due IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return res.RowsAffected()
}

// Update writes every mutable field of t. A change of status or due time
// clears the claim, making the new occurrence eligible.
func (r *TaskStore) Update(ctx context.Context, t model.Task) error {
	return updateTask(ctx, r.db, t)
}

func updateTask(ctx context.Context, q querier, t model.Task) error {
	due := toMillis(t.DueAt)
	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET
		   claimed_due = CASE WHEN status <> ? OR due_at <> ? THEN NULL ELSE claimed_due END,
		   server_id = ?, script = ?, due_at = ?, recurrence = ?, status = ?, last_run_at = ?
		 WHERE id = ?`,
		string(t.Status), due,
		t.ServerID, t.Script, due, string(t.Recurrence), string(t.Status), nullMillis(t.LastRunAt),
		t.ID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	return affectedOne(res, "task", t.ID)
}

func (r *TaskStore) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return affectedOne(res, "task", id)
}

// CountByStatus returns the number of tasks per status.
func (r *TaskStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.Status]int{model.StatusActive: 0, model.StatusDone: 0, model.StatusError: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}
