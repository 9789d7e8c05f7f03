package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/pkg/models"
)

const budgetColumns = `id, name, total_budget, allocated_budget, used_budget, parent_id,
	status, warning_threshold, critical_threshold, created_at, version`

// CreateBudgetRoot inserts the root node. The partial unique index on is_root
// backs the in-transaction check against a concurrent second root.
func (db *DB) CreateBudgetRoot(ctx context.Context, n *models.BudgetNode) error {
	err := db.TransactionContext(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM budget_nodes WHERE is_root = 1`).Scan(&existing)
		if err == nil {
			return models.NewError(models.ErrDuplicateRoot, "create root", n.ID, fmt.Sprintf("root %s already exists", existing))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select root: %w", err)
		}
		return insertBudgetNode(ctx, tx, n, true)
	})
	if isUniqueViolation(err) {
		return models.NewError(models.ErrDuplicateRoot, "create root", n.ID, "root already exists")
	}
	if err != nil {
		return err
	}
	n.Version = 1
	return nil
}

func insertBudgetNode(ctx context.Context, tx *sql.Tx, n *models.BudgetNode, root bool) error {
	isRoot := 0
	if root {
		isRoot = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO budget_nodes (id, name, total_budget, allocated_budget, used_budget, parent_id, is_root,
			status, warning_threshold, critical_threshold, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, n.ID, n.Name, n.TotalBudget.String(), n.AllocatedBudget.String(), n.UsedBudget.String(),
		nullableString(n.ParentID), isRoot, string(n.Status), n.WarningThreshold, n.CriticalThreshold,
		formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert budget node: %w", err)
	}
	return nil
}

// GetBudgetNode retrieves a node with its children ids.
func (db *DB) GetBudgetNode(ctx context.Context, id string) (*models.BudgetNode, error) {
	var out *models.BudgetNode
	err := db.TransactionContext(ctx, func(tx *sql.Tx) error {
		n, err := selectBudgetNode(ctx, tx, id)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrNotFound, "get budget node", id, "")
	}
	if err != nil {
		return nil, fmt.Errorf("get budget node: %w", err)
	}
	return out, nil
}

// GetBudgetRoot retrieves the root node.
func (db *DB) GetBudgetRoot(ctx context.Context) (*models.BudgetNode, error) {
	var id string
	err := db.QueryRow(`SELECT id FROM budget_nodes WHERE is_root = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.ErrNotFound, "get budget root", "", "no root budget")
	}
	if err != nil {
		return nil, fmt.Errorf("get budget root: %w", err)
	}
	return db.GetBudgetNode(ctx, id)
}

func selectBudgetNode(ctx context.Context, tx *sql.Tx, id string) (*models.BudgetNode, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budget_nodes WHERE id = ?`, id)
	n, err := scanBudgetNode(row.Scan)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM budget_nodes WHERE parent_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("select children: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		n.ChildrenIDs = append(n.ChildrenIDs, child)
	}
	return n, rows.Err()
}

// ListBudgetNodes lists every node in creation order with children resolved.
func (db *DB) ListBudgetNodes(ctx context.Context) ([]models.BudgetNode, error) {
	rows, err := db.Query(`SELECT ` + budgetColumns + ` FROM budget_nodes ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list budget nodes: %w", err)
	}
	defer rows.Close()

	var nodes []models.BudgetNode
	index := make(map[string]int)
	for rows.Next() {
		n, err := scanBudgetNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan budget node: %w", err)
		}
		index[n.ID] = len(nodes)
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if i, ok := index[n.ParentID]; ok && n.ParentID != "" {
			nodes[i].ChildrenIDs = append(nodes[i].ChildrenIDs, n.ID)
		}
	}
	return nodes, nil
}

func scanBudgetNode(scan func(dest ...any) error) (*models.BudgetNode, error) {
	var (
		n                      models.BudgetNode
		total, allocated, used string
		status, createdAt      string
		parentID               sql.NullString
	)
	if err := scan(&n.ID, &n.Name, &total, &allocated, &used, &parentID, &status,
		&n.WarningThreshold, &n.CriticalThreshold, &createdAt, &n.Version); err != nil {
		return nil, err
	}
	var err error
	if n.TotalBudget, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("decode total_budget: %w", err)
	}
	if n.AllocatedBudget, err = decimal.NewFromString(allocated); err != nil {
		return nil, fmt.Errorf("decode allocated_budget: %w", err)
	}
	if n.UsedBudget, err = decimal.NewFromString(used); err != nil {
		return nil, fmt.Errorf("decode used_budget: %w", err)
	}
	n.ParentID = parentID.String
	if n.Status, err = models.ParseBudgetStatus(status); err != nil {
		return nil, fmt.Errorf("decode status of budget node %s: %w", n.ID, err)
	}
	n.CreatedAt, _ = parseTime(createdAt)
	return &n, nil
}

type dbBudgetTx struct {
	ctx      context.Context
	tx       *sql.Tx
	declared map[string]struct{}
	loaded   map[string]*models.BudgetNode
	staged   map[string]*models.BudgetNode
	order    []string
	txns     []models.Transaction
	alerts   []models.Alert
	err      error
}

func (t *dbBudgetTx) Node(id string) (*models.BudgetNode, bool) {
	if _, ok := t.declared[id]; !ok {
		return nil, false
	}
	if n, ok := t.staged[id]; ok {
		c := n.Clone()
		return &c, true
	}
	n, ok := t.loaded[id]
	if !ok {
		loaded, err := selectBudgetNode(t.ctx, t.tx, id)
		if errors.Is(err, sql.ErrNoRows) {
			t.loaded[id] = nil
			return nil, false
		}
		if err != nil {
			t.err = err
			return nil, false
		}
		t.loaded[id] = loaded
		n = loaded
	}
	if n == nil {
		return nil, false
	}
	c := n.Clone()
	return &c, true
}

func (t *dbBudgetTx) Put(n *models.BudgetNode) {
	if _, ok := t.declared[n.ID]; !ok {
		t.err = fmt.Errorf("put budget node %s: not declared in unit of work", n.ID)
		return
	}
	if _, ok := t.staged[n.ID]; !ok {
		t.order = append(t.order, n.ID)
	}
	c := n.Clone()
	t.staged[n.ID] = &c
}

func (t *dbBudgetTx) Record(txn models.Transaction) {
	t.txns = append(t.txns, txn)
}

func (t *dbBudgetTx) Alert(a models.Alert) {
	t.alerts = append(t.alerts, a)
}

func (t *dbBudgetTx) commit() error {
	for _, id := range t.order {
		n := t.staged[id]
		prev, existed := t.loaded[id]
		if !existed {
			// Put without a prior Node call; resolve whether the row exists.
			loaded, err := selectBudgetNode(t.ctx, t.tx, id)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			prev = loaded
		}
		if prev == nil {
			if err := insertBudgetNode(t.ctx, t.tx, n, false); err != nil {
				return err
			}
			continue
		}
		res, err := t.tx.ExecContext(t.ctx, `
			UPDATE budget_nodes
			SET name = ?, total_budget = ?, allocated_budget = ?, used_budget = ?, status = ?,
				warning_threshold = ?, critical_threshold = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, n.Name, n.TotalBudget.String(), n.AllocatedBudget.String(), n.UsedBudget.String(),
			string(n.Status), n.WarningThreshold, n.CriticalThreshold, id, prev.Version)
		if err != nil {
			return fmt.Errorf("update budget node: %w", err)
		}
		if err := expectOneRow(res, "update budget node", id); err != nil {
			return err
		}
	}
	for _, txn := range t.txns {
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO budget_transactions (id, node_id, amount, description, type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, txn.ID, txn.NodeID, txn.Amount.String(), txn.Description, string(txn.Type), formatTime(txn.CreatedAt)); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}
	for _, a := range t.alerts {
		if _, err := t.tx.ExecContext(t.ctx, `
			INSERT INTO budget_alerts (id, node_id, level, usage, message, created_at, acknowledged)
			VALUES (?, ?, ?, ?, ?, ?, 0)
		`, a.ID, a.NodeID, string(a.Level), a.Usage, a.Message, formatTime(a.CreatedAt)); err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
	}
	return nil
}

// UpdateBudget runs fn over the declared nodes inside one transaction.
func (db *DB) UpdateBudget(ctx context.Context, ids []string, fn func(tx BudgetTx) error) error {
	declared := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		declared[id] = struct{}{}
	}
	return db.retry(ctx, func(tx *sql.Tx) error {
		btx := &dbBudgetTx{
			ctx:      ctx,
			tx:       tx,
			declared: declared,
			loaded:   make(map[string]*models.BudgetNode),
			staged:   make(map[string]*models.BudgetNode),
		}
		if err := fn(btx); err != nil {
			return err
		}
		if btx.err != nil {
			return btx.err
		}
		return btx.commit()
	})
}

// ListTransactions lists ledger entries in insertion order.
func (db *DB) ListTransactions(ctx context.Context, nodeID string) ([]models.Transaction, error) {
	query := `SELECT id, node_id, amount, description, type, created_at FROM budget_transactions`
	var args []any
	if nodeID != "" {
		query += ` WHERE node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY seq`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]models.Transaction, 0)
	for rows.Next() {
		var (
			t                      models.Transaction
			amount, typ, createdAt string
			description            sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.NodeID, &amount, &description, &typ, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("decode amount: %w", err)
		}
		t.Description = description.String
		if t.Type, err = models.ParseTransactionType(typ); err != nil {
			return nil, fmt.Errorf("decode type of transaction %s: %w", t.ID, err)
		}
		t.CreatedAt, _ = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAlerts lists alerts in insertion order.
func (db *DB) ListAlerts(ctx context.Context, nodeID string, includeAcknowledged bool) ([]models.Alert, error) {
	query := `SELECT id, node_id, level, usage, message, created_at, acknowledged FROM budget_alerts WHERE 1 = 1`
	var args []any
	if nodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, nodeID)
	}
	if !includeAcknowledged {
		query += ` AND acknowledged = 0`
	}
	query += ` ORDER BY seq`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAlert(scan func(dest ...any) error) (*models.Alert, error) {
	var (
		a                models.Alert
		level, createdAt string
		message          sql.NullString
		acked            int
	)
	if err := scan(&a.ID, &a.NodeID, &level, &a.Usage, &message, &createdAt, &acked); err != nil {
		return nil, err
	}
	var err error
	if a.Level, err = models.ParseAlertLevel(level); err != nil {
		return nil, fmt.Errorf("decode level of alert %s: %w", a.ID, err)
	}
	a.Message = message.String
	a.CreatedAt, _ = parseTime(createdAt)
	a.Acknowledged = acked != 0
	return &a, nil
}

// AcknowledgeAlert flips the acknowledged flag of an alert.
func (db *DB) AcknowledgeAlert(ctx context.Context, id string) (*models.Alert, error) {
	var out *models.Alert
	err := db.TransactionContext(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE budget_alerts SET acknowledged = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("acknowledge alert: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return models.NewError(models.ErrNotFound, "acknowledge alert", id, "")
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, node_id, level, usage, message, created_at, acknowledged
			FROM budget_alerts WHERE id = ?
		`, id)
		out, err = scanAlert(row.Scan)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
