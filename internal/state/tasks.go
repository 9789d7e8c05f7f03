package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/pkg/models"
)

const taskColumns = `id, status, claimed_by, claimed_at, priority, tags, payload,
	budget_node_id, cost, failure_reason, created_at, completed_at, version`

// CreateTask creates a new task.
func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	tags, err := json.Marshal(nonNilTags(t.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	err = db.TransactionContext(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, t.ID, string(t.Status), nullableString(t.ClaimedBy), nullableTime(t.ClaimedAt), t.Priority,
			string(tags), []byte(t.Payload), nullableString(t.BudgetNodeID), t.Cost.String(),
			nullableString(t.FailureReason), formatTime(t.CreatedAt), nullableTime(t.CompletedAt))
		return err
	})
	if isUniqueViolation(err) {
		return models.NewError(models.ErrInvalidState, "create task", t.ID, "task already exists")
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	t.Version = 1
	return nil
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrNotFound, "get task", id, "")
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask applies fn to a task and stores it if the version is unchanged.
func (db *DB) UpdateTask(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error) {
	var out *models.Task
	err := db.retry(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		current, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewError(models.ErrNotFound, "update task", id, "")
		}
		if err != nil {
			return fmt.Errorf("select task: %w", err)
		}

		next := current.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		tags, err := json.Marshal(nonNilTags(next.Tags))
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, claimed_by = ?, claimed_at = ?, priority = ?, tags = ?, payload = ?,
				budget_node_id = ?, cost = ?, failure_reason = ?, completed_at = ?,
				version = version + 1
			WHERE id = ? AND version = ?
		`, string(next.Status), nullableString(next.ClaimedBy), nullableTime(next.ClaimedAt), next.Priority,
			string(tags), []byte(next.Payload), nullableString(next.BudgetNodeID), next.Cost.String(),
			nullableString(next.FailureReason), nullableTime(next.CompletedAt), id, current.Version)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := expectOneRow(res, "update task", id); err != nil {
			return err
		}
		next.ID = id
		next.Version = current.Version + 1
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTask deletes a task by ID.
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	res, err := db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return models.NewError(models.ErrNotFound, "delete task", id, "")
	}
	return nil
}

// ListTasks lists all tasks.
func (db *DB) ListTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := db.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(scan func(dest ...any) error) (*models.Task, error) {
	var (
		t                                models.Task
		status, tags, cost, createdAt    string
		claimedBy, budgetNodeID, failure sql.NullString
		claimedAt, completedAt           sql.NullString
		payload                          []byte
	)
	if err := scan(&t.ID, &status, &claimedBy, &claimedAt, &t.Priority, &tags, &payload,
		&budgetNodeID, &cost, &failure, &createdAt, &completedAt, &t.Version); err != nil {
		return nil, err
	}
	var err error
	if t.Status, err = models.ParseTaskStatus(status); err != nil {
		return nil, fmt.Errorf("decode status of task %s: %w", t.ID, err)
	}
	t.ClaimedBy = claimedBy.String
	t.ClaimedAt = parseNullableTime(claimedAt)
	t.BudgetNodeID = budgetNodeID.String
	t.FailureReason = failure.String
	t.CompletedAt = parseNullableTime(completedAt)
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	d, err := decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("decode cost: %w", err)
	}
	t.Cost = d
	t.CreatedAt, _ = parseTime(createdAt)
	return &t, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// expectOneRow turns a zero-row versioned update into ErrConflict.
func expectOneRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n != 1 {
		return models.NewError(models.ErrConflict, op, id, "row version changed")
	}
	return nil
}
