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

const coordinatorColumns = `id, type, name, parent_id, budget_node_id, budget_allocated, budget_used,
	status, progress, priority, created_at, updated_at`

// CreateCoordinator inserts a coordinator.
func (db *DB) CreateCoordinator(ctx context.Context, c *models.Coordinator) error {
	err := db.TransactionContext(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO coordinators (`+coordinatorColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, string(c.Type), c.Name, nullableString(c.ParentID), nullableString(c.BudgetNodeID),
			c.BudgetAllocated.String(), c.BudgetUsed.String(), string(c.Status), c.Progress, c.Priority,
			formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return models.NewError(models.ErrInvalidState, "create coordinator", c.ID, "coordinator already exists")
	}
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	return nil
}

// GetCoordinator retrieves a coordinator by ID.
func (db *DB) GetCoordinator(ctx context.Context, id string) (*models.Coordinator, error) {
	row := db.QueryRow(`SELECT `+coordinatorColumns+` FROM coordinators WHERE id = ?`, id)
	c, err := scanCoordinator(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrNotFound, "get coordinator", id, "")
	}
	if err != nil {
		return nil, fmt.Errorf("get coordinator: %w", err)
	}
	return c, nil
}

// UpdateCoordinator applies fn to a coordinator inside a transaction. Identity
// and tree placement are not written back.
func (db *DB) UpdateCoordinator(ctx context.Context, id string, fn func(c *models.Coordinator) error) (*models.Coordinator, error) {
	var out *models.Coordinator
	err := db.TransactionContext(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+coordinatorColumns+` FROM coordinators WHERE id = ?`, id)
		current, err := scanCoordinator(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NewError(models.ErrNotFound, "update coordinator", id, "")
		}
		if err != nil {
			return fmt.Errorf("select coordinator: %w", err)
		}
		next := *current
		if err := fn(&next); err != nil {
			return err
		}
		next.ID = current.ID
		next.ParentID = current.ParentID
		next.Type = current.Type

		_, err = tx.ExecContext(ctx, `
			UPDATE coordinators
			SET name = ?, budget_node_id = ?, budget_allocated = ?, budget_used = ?,
				status = ?, progress = ?, priority = ?, updated_at = ?
			WHERE id = ?
		`, next.Name, nullableString(next.BudgetNodeID), next.BudgetAllocated.String(), next.BudgetUsed.String(),
			string(next.Status), next.Progress, next.Priority, formatTime(next.UpdatedAt), id)
		if err != nil {
			return fmt.Errorf("update coordinator: %w", err)
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListCoordinators lists coordinators in registration order.
func (db *DB) ListCoordinators(ctx context.Context) ([]models.Coordinator, error) {
	rows, err := db.Query(`SELECT ` + coordinatorColumns + ` FROM coordinators ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list coordinators: %w", err)
	}
	defer rows.Close()

	out := make([]models.Coordinator, 0)
	for rows.Next() {
		c, err := scanCoordinator(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan coordinator: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ChildrenOf returns the ids registered under id, in registration order.
func (db *DB) ChildrenOf(ctx context.Context, id string) ([]string, error) {
	return db.selectIDs(`SELECT id FROM coordinators WHERE parent_id = ? ORDER BY seq`, id)
}

// ParentOf returns the parent id of a coordinator, empty for a root.
func (db *DB) ParentOf(ctx context.Context, id string) (string, error) {
	var parent sql.NullString
	err := db.QueryRow(`SELECT parent_id FROM coordinators WHERE id = ?`, id).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.NewError(models.ErrNotFound, "parent of", id, "")
	}
	if err != nil {
		return "", fmt.Errorf("parent of: %w", err)
	}
	return parent.String, nil
}

// CoordinatorsByType returns the ids of every coordinator of type t.
func (db *DB) CoordinatorsByType(ctx context.Context, t models.CoordinatorType) ([]string, error) {
	return db.selectIDs(`SELECT id FROM coordinators WHERE type = ? ORDER BY seq`, string(t))
}

func (db *DB) selectIDs(query string, args ...any) ([]string, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanCoordinator(scan func(dest ...any) error) (*models.Coordinator, error) {
	var (
		c                            models.Coordinator
		typ, status, allocated, used string
		createdAt, updatedAt         string
		name, parentID, budgetNodeID sql.NullString
	)
	if err := scan(&c.ID, &typ, &name, &parentID, &budgetNodeID, &allocated, &used,
		&status, &c.Progress, &c.Priority, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.Type, err = models.ParseCoordinatorType(typ); err != nil {
		return nil, fmt.Errorf("decode type of coordinator %s: %w", c.ID, err)
	}
	if c.Status, err = models.ParseCoordinatorStatus(status); err != nil {
		return nil, fmt.Errorf("decode status of coordinator %s: %w", c.ID, err)
	}
	c.Name = name.String
	c.ParentID = parentID.String
	c.BudgetNodeID = budgetNodeID.String
	if c.BudgetAllocated, err = decimal.NewFromString(allocated); err != nil {
		return nil, fmt.Errorf("decode budget_allocated: %w", err)
	}
	if c.BudgetUsed, err = decimal.NewFromString(used); err != nil {
		return nil, fmt.Errorf("decode budget_used: %w", err)
	}
	c.CreatedAt, _ = parseTime(createdAt)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}

// PutEscalationChain replaces the chain of a coordinator.
func (db *DB) PutEscalationChain(ctx context.Context, chain *models.EscalationChain) error {
	return db.TransactionContext(ctx, func(tx *sql.Tx) error {
		return upsertChain(ctx, tx, chain)
	})
}

func upsertChain(ctx context.Context, tx *sql.Tx, chain *models.EscalationChain) error {
	levels, err := json.Marshal(chain.Levels)
	if err != nil {
		return fmt.Errorf("encode levels: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalation_chains (coordinator_id, levels, position, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(coordinator_id) DO UPDATE SET
			levels = excluded.levels,
			position = excluded.position,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, chain.CoordinatorID, string(levels), chain.Position, nullableTime(chain.ExpiresAt), formatTime(chain.CreatedAt))
	if err != nil {
		return fmt.Errorf("put escalation chain: %w", err)
	}
	return nil
}

const chainColumns = `coordinator_id, levels, position, expires_at, created_at`

// GetEscalationChain retrieves the chain of a coordinator.
func (db *DB) GetEscalationChain(ctx context.Context, id string) (*models.EscalationChain, error) {
	row := db.QueryRow(`SELECT `+chainColumns+` FROM escalation_chains WHERE coordinator_id = ?`, id)
	c, err := scanChain(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrNotFound, "get escalation chain", id, "")
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation chain: %w", err)
	}
	return c, nil
}

// DeleteEscalationChain removes a chain. History and queues are kept.
func (db *DB) DeleteEscalationChain(ctx context.Context, id string) error {
	if _, err := db.Exec(`DELETE FROM escalation_chains WHERE coordinator_id = ?`, id); err != nil {
		return fmt.Errorf("delete escalation chain: %w", err)
	}
	return nil
}

// ListEscalationChains lists every chain ordered by coordinator id.
func (db *DB) ListEscalationChains(ctx context.Context) ([]models.EscalationChain, error) {
	rows, err := db.Query(`SELECT ` + chainColumns + ` FROM escalation_chains ORDER BY coordinator_id`)
	if err != nil {
		return nil, fmt.Errorf("list escalation chains: %w", err)
	}
	defer rows.Close()

	out := make([]models.EscalationChain, 0)
	for rows.Next() {
		c, err := scanChain(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan escalation chain: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanChain(scan func(dest ...any) error) (*models.EscalationChain, error) {
	var (
		c                 models.EscalationChain
		levels, createdAt string
		expiresAt         sql.NullString
	)
	if err := scan(&c.CoordinatorID, &levels, &c.Position, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(levels), &c.Levels); err != nil {
		return nil, fmt.Errorf("decode levels: %w", err)
	}
	c.ExpiresAt = parseNullableTime(expiresAt)
	c.CreatedAt, _ = parseTime(createdAt)
	return &c, nil
}

// AdvanceEscalation runs fn over a coordinator's chain and routes the record
// it returns, all in one transaction.
func (db *DB) AdvanceEscalation(ctx context.Context, id string, fn func(chain *models.EscalationChain) (*models.EscalationRecord, error)) (*models.EscalationRecord, error) {
	var out *models.EscalationRecord
	err := db.TransactionContext(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM escalation_chains WHERE coordinator_id = ?`, id)
		chain, err := scanChain(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			chain = nil
		} else if err != nil {
			return fmt.Errorf("select escalation chain: %w", err)
		}

		rec, err := fn(chain)
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if chain != nil {
			if err := upsertChain(ctx, tx, chain); err != nil {
				return err
			}
		}
		if err := insertRecord(ctx, tx, "escalation_history", rec.From, rec); err != nil {
			return err
		}
		if err := insertRecord(ctx, tx, "escalation_queue", rec.To, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, table, coordinatorID string, rec *models.EscalationRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (record_id, coordinator_id, from_id, to_id, issue, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, coordinatorID, rec.From, rec.To, rec.Issue, rec.Level, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// EscalationHistory returns the outbound escalations of a coordinator.
func (db *DB) EscalationHistory(ctx context.Context, id string) ([]models.EscalationRecord, error) {
	rows, err := db.Query(`
		SELECT record_id, from_id, to_id, issue, level, created_at
		FROM escalation_history WHERE coordinator_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("escalation history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// EscalationQueue returns the inbound escalations of a coordinator, emptying
// the queue when drain is set.
func (db *DB) EscalationQueue(ctx context.Context, id string, drain bool) ([]models.EscalationRecord, error) {
	const query = `
		SELECT record_id, from_id, to_id, issue, level, created_at
		FROM escalation_queue WHERE coordinator_id = ? ORDER BY seq
	`
	if !drain {
		rows, err := db.Query(query, id)
		if err != nil {
			return nil, fmt.Errorf("escalation queue: %w", err)
		}
		defer rows.Close()
		return scanRecords(rows)
	}

	var out []models.EscalationRecord
	err := db.TransactionContext(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, id)
		if err != nil {
			return fmt.Errorf("escalation queue: %w", err)
		}
		out, err = scanRecords(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM escalation_queue WHERE coordinator_id = ?`, id); err != nil {
			return fmt.Errorf("drain escalation queue: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanRecords(rows *sql.Rows) ([]models.EscalationRecord, error) {
	var out []models.EscalationRecord
	for rows.Next() {
		var (
			r         models.EscalationRecord
			issue     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.From, &r.To, &issue, &r.Level, &createdAt); err != nil {
			return nil, fmt.Errorf("scan escalation record: %w", err)
		}
		r.Issue = issue.String
		r.CreatedAt, _ = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
