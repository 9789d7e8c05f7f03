// Package orchestrator coordinates the budget tree, the coordinator hierarchy
// and sub-project spawning.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// AlertHandler receives every alert after the spend that raised it commits.
type AlertHandler func(ctx context.Context, alert models.Alert)

// BudgetOption configures a BudgetTree.
type BudgetOption func(*BudgetTree)

// WithBudgetLogger sets the debug logger.
func WithBudgetLogger(l *logging.DebugLogger) BudgetOption {
	return func(t *BudgetTree) { t.logger = l.With("BUDGET") }
}

// WithBudgetHooks sets the instrumentation hooks.
func WithBudgetHooks(h *observability.Hooks) BudgetOption {
	return func(t *BudgetTree) { t.hooks = h }
}

// WithBudgetClock overrides time.Now (mainly for testing).
func WithBudgetClock(now func() time.Time) BudgetOption {
	return func(t *BudgetTree) { t.now = now }
}

// WithDefaultThresholds sets the thresholds used when a child is created
// without explicit ones.
func WithDefaultThresholds(warning, critical float64) BudgetOption {
	return func(t *BudgetTree) {
		t.warning = warning
		t.critical = critical
	}
}

// BudgetTree is a hierarchical cost-center ledger with exactly one root.
//
// Every check-and-write (child creation, spend, reallocation) runs inside one
// UpdateBudget unit of work, so concurrent spenders on a node can never
// jointly exceed its available budget.
type BudgetTree struct {
	store    state.BudgetStore
	logger   *logging.DebugLogger
	hooks    *observability.Hooks
	now      func() time.Time
	warning  float64
	critical float64

	mu       sync.RWMutex
	handlers []AlertHandler
}

// NewBudgetTree creates a BudgetTree over store.
func NewBudgetTree(store state.BudgetStore, opts ...BudgetOption) *BudgetTree {
	t := &BudgetTree{
		store:    store,
		now:      time.Now,
		warning:  models.DefaultWarningThreshold,
		critical: models.DefaultCriticalThreshold,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnAlert registers a handler for emitted alerts.
func (t *BudgetTree) OnAlert(h AlertHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Thresholds returns the default warning and critical thresholds.
func (t *BudgetTree) Thresholds() (warning, critical float64) {
	return t.warning, t.critical
}

// CreateRoot creates the single root node.
func (t *BudgetTree) CreateRoot(ctx context.Context, name string, total decimal.Decimal) (*models.BudgetNode, error) {
	if !total.IsPositive() {
		return nil, models.NewError(models.ErrInvalidArgument, "create root", "", "total budget must be positive")
	}
	if err := models.ValidateThresholds(t.warning, t.critical); err != nil {
		return nil, err
	}
	root := &models.BudgetNode{
		ID:                uuid.New().String(),
		Name:              name,
		TotalBudget:       total,
		Status:            models.BudgetStatusActive,
		WarningThreshold:  t.warning,
		CriticalThreshold: t.critical,
		CreatedAt:         t.now().UTC(),
	}
	if err := t.store.CreateBudgetRoot(ctx, root); err != nil {
		return nil, err
	}
	t.logger.Log("root %s (%s) created with %s", root.ID, name, total)
	t.hooks.BudgetUsed(root.ID, 0)
	return root, nil
}

// ChildSpec describes one child in CreateChildren. Zero thresholds take the
// tree defaults.
type ChildSpec struct {
	Name              string
	Amount            decimal.Decimal
	WarningThreshold  float64
	CriticalThreshold float64
}

// CreateChild carves amount out of the parent's unallocated budget.
func (t *BudgetTree) CreateChild(ctx context.Context, parentID, name string, amount decimal.Decimal, warning, critical float64) (*models.BudgetNode, error) {
	nodes, err := t.CreateChildren(ctx, parentID, []ChildSpec{{
		Name:              name,
		Amount:            amount,
		WarningThreshold:  warning,
		CriticalThreshold: critical,
	}})
	if err != nil {
		return nil, err
	}
	return &nodes[0], nil
}

// CreateChildren creates every child or none. The sum of the amounts is
// checked against the parent's unallocated budget in the same atomic step that
// records the allocations.
func (t *BudgetTree) CreateChildren(ctx context.Context, parentID string, specs []ChildSpec) ([]models.BudgetNode, error) {
	if len(specs) == 0 {
		return nil, models.NewError(models.ErrInvalidArgument, "create children", parentID, "no children requested")
	}

	now := t.now().UTC()
	children := make([]models.BudgetNode, len(specs))
	ids := []string{parentID}
	sum := decimal.Zero
	for i, spec := range specs {
		if !spec.Amount.IsPositive() {
			return nil, models.Errorf(models.ErrInvalidArgument, "create child", parentID, "allocation for %q must be positive", spec.Name)
		}
		warning, critical := spec.WarningThreshold, spec.CriticalThreshold
		if warning == 0 {
			warning = t.warning
		}
		if critical == 0 {
			critical = t.critical
		}
		if err := models.ValidateThresholds(warning, critical); err != nil {
			return nil, err
		}
		children[i] = models.BudgetNode{
			ID:                uuid.New().String(),
			Name:              spec.Name,
			TotalBudget:       spec.Amount,
			ParentID:          parentID,
			Status:            models.BudgetStatusActive,
			WarningThreshold:  warning,
			CriticalThreshold: critical,
			CreatedAt:         now,
		}
		ids = append(ids, children[i].ID)
		sum = sum.Add(spec.Amount)
	}

	err := t.store.UpdateBudget(ctx, ids, func(tx state.BudgetTx) error {
		parent, ok := tx.Node(parentID)
		if !ok {
			return models.NewError(models.ErrNotFound, "create child", parentID, "parent budget node not found")
		}
		if sum.GreaterThan(parent.Unallocated()) {
			return models.Errorf(models.ErrInsufficientBudget, "create child", parentID,
				"requested %s but only %s unallocated", sum, parent.Unallocated())
		}
		parent.AllocatedBudget = parent.AllocatedBudget.Add(sum)
		for i := range children {
			parent.ChildrenIDs = append(parent.ChildrenIDs, children[i].ID)
			tx.Put(&children[i])
			tx.Record(models.Transaction{
				ID:          uuid.New().String(),
				NodeID:      children[i].ID,
				Amount:      children[i].TotalBudget,
				Description: fmt.Sprintf("allocated from %s", parentID),
				Type:        models.TransactionAllocation,
				CreatedAt:   now,
			})
		}
		tx.Put(parent)
		return nil
	})
	if err != nil {
		t.logger.Log("create %d child(ren) under %s refused: %v", len(specs), parentID, err)
		return nil, err
	}
	for i := range children {
		children[i].Version = 1
		t.logger.Log("child %s (%s) created under %s with %s", children[i].ID, children[i].Name, parentID, children[i].TotalBudget)
		t.hooks.BudgetUsed(children[i].ID, 0)
	}
	return children, nil
}

// SpendResult is the outcome of a committed spend.
type SpendResult struct {
	Node        models.BudgetNode
	Transaction models.Transaction
	Alert       *models.Alert
}

// Spend records amount against nodeID. It satisfies tasks.Spender.
func (t *BudgetTree) Spend(ctx context.Context, nodeID string, amount decimal.Decimal, description string) error {
	_, err := t.Charge(ctx, nodeID, amount, description)
	return err
}

// Charge records amount against nodeID and returns the updated node and the
// alert raised, if any. At most one alert is raised per call; critical wins
// over warning.
func (t *BudgetTree) Charge(ctx context.Context, nodeID string, amount decimal.Decimal, description string) (*SpendResult, error) {
	if !amount.IsPositive() {
		t.hooks.SpendResult("invalid")
		return nil, models.NewError(models.ErrInvalidArgument, "spend", nodeID, "amount must be positive")
	}

	now := t.now().UTC()
	var result SpendResult
	err := t.store.UpdateBudget(ctx, []string{nodeID}, func(tx state.BudgetTx) error {
		result = SpendResult{}
		node, ok := tx.Node(nodeID)
		if !ok {
			return models.NewError(models.ErrNotFound, "spend", nodeID, "budget node not found")
		}
		if node.Status != models.BudgetStatusActive {
			return models.Errorf(models.ErrInvalidState, "spend", nodeID, "node is %s", node.Status)
		}
		if amount.GreaterThan(node.Available()) {
			return models.Errorf(models.ErrInsufficientBudget, "spend", nodeID,
				"requested %s but only %s available", amount, node.Available())
		}

		node.UsedBudget = node.UsedBudget.Add(amount)
		if !node.Available().IsPositive() {
			node.Status = models.BudgetStatusExhausted
		}
		tx.Put(node)

		txn := models.Transaction{
			ID:          uuid.New().String(),
			NodeID:      nodeID,
			Amount:      amount,
			Description: description,
			Type:        models.TransactionExpense,
			CreatedAt:   now,
		}
		tx.Record(txn)

		if alert := thresholdAlert(node, now); alert != nil {
			tx.Alert(*alert)
			result.Alert = alert
		}
		result.Node = *node
		result.Transaction = txn
		return nil
	})
	if err != nil {
		t.hooks.SpendResult(spendFailure(err))
		t.logger.Log("spend %s on %s refused: %v", amount, nodeID, err)
		return nil, err
	}

	t.hooks.SpendResult("ok")
	t.hooks.BudgetUsed(nodeID, result.Node.UsedBudget.InexactFloat64())
	t.logger.Log("spent %s on %s (%s), used %s of %s", amount, nodeID, description,
		result.Node.UsedBudget, result.Node.TotalBudget)
	if result.Node.Status == models.BudgetStatusExhausted {
		t.logger.Log("node %s exhausted", nodeID)
	}
	if result.Alert != nil {
		t.hooks.AlertEmitted(string(result.Alert.Level))
		t.logger.Log("%s alert on %s: %s", result.Alert.Level, nodeID, result.Alert.Message)
		t.dispatch(ctx, *result.Alert)
	}
	return &result, nil
}

func thresholdAlert(node *models.BudgetNode, now time.Time) *models.Alert {
	usage := node.Usage()
	var level models.AlertLevel
	switch {
	case usage.GreaterThanOrEqual(decimal.NewFromFloat(node.CriticalThreshold)):
		level = models.AlertCritical
	case usage.GreaterThanOrEqual(decimal.NewFromFloat(node.WarningThreshold)):
		level = models.AlertWarning
	default:
		return nil
	}
	pct := usage.Mul(decimal.NewFromInt(100)).StringFixed(1)
	return &models.Alert{
		ID:        uuid.New().String(),
		NodeID:    node.ID,
		Level:     level,
		Usage:     usage.InexactFloat64(),
		Message:   fmt.Sprintf("%s has used %s%% of its budget (%s of %s)", node.Name, pct, node.UsedBudget, node.TotalBudget),
		CreatedAt: now,
	}
}

func spendFailure(err error) string {
	switch models.KindOf(err) {
	case models.ErrNotFound:
		return "not_found"
	case models.ErrInvalidState:
		return "inactive"
	case models.ErrInsufficientBudget:
		return "insufficient"
	default:
		return "error"
	}
}

func (t *BudgetTree) dispatch(ctx context.Context, alert models.Alert) {
	t.mu.RLock()
	handlers := append([]AlertHandler(nil), t.handlers...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, alert)
	}
}

// Reallocate moves amount of total budget from one sibling to another. The
// parent's allocation is unchanged since the sum over its children is.
func (t *BudgetTree) Reallocate(ctx context.Context, fromID, toID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return models.NewError(models.ErrInvalidArgument, "reallocate", fromID, "amount must be positive")
	}
	if fromID == toID {
		return models.NewError(models.ErrInvalidArgument, "reallocate", fromID, "source and target are the same node")
	}

	now := t.now().UTC()
	var from, to models.BudgetNode
	err := t.store.UpdateBudget(ctx, []string{fromID, toID}, func(tx state.BudgetTx) error {
		src, ok := tx.Node(fromID)
		if !ok {
			return models.NewError(models.ErrNotFound, "reallocate", fromID, "budget node not found")
		}
		dst, ok := tx.Node(toID)
		if !ok {
			return models.NewError(models.ErrNotFound, "reallocate", toID, "budget node not found")
		}
		if src.ParentID == "" || src.ParentID != dst.ParentID {
			return models.Errorf(models.ErrInvalidTopology, "reallocate", fromID,
				"%s and %s are not siblings", fromID, toID)
		}
		if amount.GreaterThan(src.Available()) {
			return models.Errorf(models.ErrInsufficientBudget, "reallocate", fromID,
				"requested %s but only %s available", amount, src.Available())
		}
		if src.TotalBudget.Sub(amount).LessThan(src.AllocatedBudget) {
			return models.Errorf(models.ErrInsufficientBudget, "reallocate", fromID,
				"%s is promised to children of %s", src.AllocatedBudget, fromID)
		}

		src.TotalBudget = src.TotalBudget.Sub(amount)
		dst.TotalBudget = dst.TotalBudget.Add(amount)
		reevaluate(src)
		reevaluate(dst)
		tx.Put(src)
		tx.Put(dst)

		desc := fmt.Sprintf("reallocated %s from %s to %s", amount, fromID, toID)
		tx.Record(models.Transaction{
			ID: uuid.New().String(), NodeID: fromID, Amount: amount.Neg(),
			Description: desc, Type: models.TransactionReallocation, CreatedAt: now,
		})
		tx.Record(models.Transaction{
			ID: uuid.New().String(), NodeID: toID, Amount: amount,
			Description: desc, Type: models.TransactionReallocation, CreatedAt: now,
		})
		from, to = *src, *dst
		return nil
	})
	if err != nil {
		t.logger.Log("reallocate %s from %s to %s refused: %v", amount, fromID, toID, err)
		return err
	}
	t.logger.Log("reallocated %s from %s (now %s) to %s (now %s)", amount, fromID, from.TotalBudget, toID, to.TotalBudget)
	return nil
}

// reevaluate recomputes active/exhausted. Suspension is only lifted by Resume.
func reevaluate(n *models.BudgetNode) {
	if n.Status == models.BudgetStatusSuspended {
		return
	}
	if n.Available().IsPositive() {
		n.Status = models.BudgetStatusActive
	} else {
		n.Status = models.BudgetStatusExhausted
	}
}

// Suspend blocks further spend on a node.
func (t *BudgetTree) Suspend(ctx context.Context, nodeID string) (*models.BudgetNode, error) {
	return t.setStatus(ctx, "suspend", nodeID, func(n *models.BudgetNode) error {
		n.Status = models.BudgetStatusSuspended
		return nil
	})
}

// Resume lifts a suspension, landing in active or exhausted by capacity.
func (t *BudgetTree) Resume(ctx context.Context, nodeID string) (*models.BudgetNode, error) {
	return t.setStatus(ctx, "resume", nodeID, func(n *models.BudgetNode) error {
		if n.Status != models.BudgetStatusSuspended {
			return models.Errorf(models.ErrInvalidState, "resume", nodeID, "node is %s, not suspended", n.Status)
		}
		n.Status = models.BudgetStatusActive
		reevaluate(n)
		return nil
	})
}

func (t *BudgetTree) setStatus(ctx context.Context, op, nodeID string, fn func(n *models.BudgetNode) error) (*models.BudgetNode, error) {
	var out models.BudgetNode
	err := t.store.UpdateBudget(ctx, []string{nodeID}, func(tx state.BudgetTx) error {
		n, ok := tx.Node(nodeID)
		if !ok {
			return models.NewError(models.ErrNotFound, op, nodeID, "budget node not found")
		}
		if err := fn(n); err != nil {
			return err
		}
		tx.Put(n)
		out = *n
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Log("%s %s: status %s", op, nodeID, out.Status)
	return &out, nil
}

// Node returns a node by id.
func (t *BudgetTree) Node(ctx context.Context, id string) (*models.BudgetNode, error) {
	return t.store.GetBudgetNode(ctx, id)
}

// Root returns the root node.
func (t *BudgetTree) Root(ctx context.Context) (*models.BudgetNode, error) {
	return t.store.GetBudgetRoot(ctx)
}

// Nodes returns every node in creation order.
func (t *BudgetTree) Nodes(ctx context.Context) ([]models.BudgetNode, error) {
	return t.store.ListBudgetNodes(ctx)
}

// Children returns the direct children of a node.
func (t *BudgetTree) Children(ctx context.Context, id string) ([]models.BudgetNode, error) {
	parent, err := t.store.GetBudgetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]models.BudgetNode, 0, len(parent.ChildrenIDs))
	for _, cid := range parent.ChildrenIDs {
		child, err := t.store.GetBudgetNode(ctx, cid)
		if err != nil {
			return nil, err
		}
		out = append(out, *child)
	}
	return out, nil
}

// Transactions returns the ledger of one node, or of the whole tree when
// nodeID is empty.
func (t *BudgetTree) Transactions(ctx context.Context, nodeID string) ([]models.Transaction, error) {
	return t.store.ListTransactions(ctx, nodeID)
}

// Alerts returns the alerts of one node, or of the whole tree when nodeID is
// empty.
func (t *BudgetTree) Alerts(ctx context.Context, nodeID string, includeAcknowledged bool) ([]models.Alert, error) {
	return t.store.ListAlerts(ctx, nodeID, includeAcknowledged)
}

// AcknowledgeAlert marks an alert as seen. Alerts are never deleted.
func (t *BudgetTree) AcknowledgeAlert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := t.store.AcknowledgeAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	t.logger.Log("alert %s acknowledged", id)
	return a, nil
}
