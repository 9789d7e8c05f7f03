package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// RegistryOption configures a HierarchyRegistry.
type RegistryOption func(*HierarchyRegistry)

// WithRegistryLogger sets the debug logger.
func WithRegistryLogger(l *logging.DebugLogger) RegistryOption {
	return func(r *HierarchyRegistry) {
		r.logger = l.With("HIERARCHY")
		r.escLogger = l.With("ESCALATION")
	}
}

// WithRegistryHooks sets the instrumentation hooks.
func WithRegistryHooks(h *observability.Hooks) RegistryOption {
	return func(r *HierarchyRegistry) { r.hooks = h }
}

// WithRegistryClock overrides time.Now (mainly for testing).
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *HierarchyRegistry) { r.now = now }
}

// WithChainTTL gives new escalation chains an expiry. Zero means never.
func WithChainTTL(ttl time.Duration) RegistryOption {
	return func(r *HierarchyRegistry) { r.chainTTL = ttl }
}

// HierarchyRegistry tracks the coordinator tree and its escalation chains.
// It provides thread-safe access backed by a HierarchyStore.
type HierarchyRegistry struct {
	store     state.HierarchyStore
	logger    *logging.DebugLogger
	escLogger *logging.DebugLogger
	hooks     *observability.Hooks
	now       func() time.Time
	chainTTL  time.Duration

	// registerMu serializes the cycle check with the insert.
	registerMu sync.Mutex
}

// NewHierarchyRegistry creates a HierarchyRegistry over store.
func NewHierarchyRegistry(store state.HierarchyStore, opts ...RegistryOption) *HierarchyRegistry {
	r := &HierarchyRegistry{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a coordinator. An empty ID is replaced by a UUID and an empty
// status defaults to pending. The parent need not exist yet, but a parent
// whose ancestry leads back to the new id is rejected with ErrInvalidTopology.
func (r *HierarchyRegistry) Register(ctx context.Context, c *models.Coordinator) (*models.Coordinator, error) {
	co := *c
	if co.ID == "" {
		co.ID = uuid.New().String()
	}
	if !co.Type.Valid() {
		return nil, models.Errorf(models.ErrInvalidArgument, "register", co.ID, "unknown coordinator type %q", co.Type)
	}
	if co.Status == "" {
		co.Status = models.CoordinatorPending
	}
	if !co.Status.Valid() {
		return nil, models.Errorf(models.ErrInvalidArgument, "register", co.ID, "unknown coordinator status %q", co.Status)
	}
	if co.ParentID == co.ID {
		return nil, models.NewError(models.ErrInvalidTopology, "register", co.ID, "coordinator cannot be its own parent")
	}
	now := r.now().UTC()
	if co.CreatedAt.IsZero() {
		co.CreatedAt = now
	}
	co.UpdatedAt = now

	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	if co.ParentID != "" {
		chain, err := r.Ancestors(ctx, co.ParentID)
		if err != nil && !errors.Is(err, models.ErrInvalidTopology) {
			return nil, err
		}
		for _, id := range append([]string{co.ParentID}, chain...) {
			if id == co.ID {
				return nil, models.Errorf(models.ErrInvalidTopology, "register", co.ID,
					"parent %s descends from %s", co.ParentID, co.ID)
			}
		}
	}

	if err := r.store.CreateCoordinator(ctx, &co); err != nil {
		return nil, err
	}
	r.logger.Log("registered %s %s (%s) under %q", co.Type, co.ID, co.Name, co.ParentID)
	return &co, nil
}

// Get returns a coordinator by id.
func (r *HierarchyRegistry) Get(ctx context.Context, id string) (*models.Coordinator, error) {
	return r.store.GetCoordinator(ctx, id)
}

// All returns every coordinator in registration order.
func (r *HierarchyRegistry) All(ctx context.Context) ([]models.Coordinator, error) {
	return r.store.ListCoordinators(ctx)
}

// Children returns the direct children of id.
func (r *HierarchyRegistry) Children(ctx context.Context, id string) ([]models.Coordinator, error) {
	ids, err := r.store.ChildrenOf(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids)
}

// ByType returns the coordinators of type t.
func (r *HierarchyRegistry) ByType(ctx context.Context, t models.CoordinatorType) ([]models.Coordinator, error) {
	ids, err := r.store.CoordinatorsByType(ctx, t)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, ids)
}

// ByBudgetNode returns the coordinator bound to a budget node.
func (r *HierarchyRegistry) ByBudgetNode(ctx context.Context, nodeID string) (*models.Coordinator, error) {
	all, err := r.store.ListCoordinators(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].BudgetNodeID == nodeID {
			return &all[i], nil
		}
	}
	return nil, models.NewError(models.ErrNotFound, "coordinator for budget node", nodeID, "no coordinator bound")
}

func (r *HierarchyRegistry) load(ctx context.Context, ids []string) ([]models.Coordinator, error) {
	out := make([]models.Coordinator, 0, len(ids))
	for _, id := range ids {
		c, err := r.store.GetCoordinator(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// Ancestors returns the parent chain of id, nearest first. The walk stops at
// a missing parent. A parent pointer that loops back is a defect: the walk
// stops, logs it, and returns what it collected with ErrInvalidTopology.
func (r *HierarchyRegistry) Ancestors(ctx context.Context, id string) ([]string, error) {
	var out []string
	visited := map[string]bool{id: true}
	cur := id
	for {
		parent, err := r.store.ParentOf(ctx, cur)
		if errors.Is(err, models.ErrNotFound) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if parent == "" {
			return out, nil
		}
		if visited[parent] {
			r.logger.Log("cycle above %s at %s", id, parent)
			return out, models.Errorf(models.ErrInvalidTopology, "ancestors", id, "parent chain loops at %s", parent)
		}
		visited[parent] = true
		out = append(out, parent)
		cur = parent
	}
}

// Descendants returns every coordinator below id, breadth first.
func (r *HierarchyRegistry) Descendants(ctx context.Context, id string) ([]string, error) {
	var out []string
	var defect error
	visited := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids, err := r.store.ChildrenOf(ctx, cur)
		if err != nil {
			return out, err
		}
		for _, k := range kids {
			if visited[k] {
				r.logger.Log("cycle below %s at %s", id, k)
				defect = models.Errorf(models.ErrInvalidTopology, "descendants", id, "%s reached twice", k)
				continue
			}
			visited[k] = true
			out = append(out, k)
			queue = append(queue, k)
		}
	}
	return out, defect
}

// subtree returns id and its descendants, loaded.
func (r *HierarchyRegistry) subtree(ctx context.Context, id string) ([]models.Coordinator, error) {
	root, err := r.store.GetCoordinator(ctx, id)
	if err != nil {
		return nil, err
	}
	ids, defect := r.Descendants(ctx, id)
	if defect != nil && !errors.Is(defect, models.ErrInvalidTopology) {
		return nil, defect
	}
	rest, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	return append([]models.Coordinator{*root}, rest...), defect
}

// BudgetRollup is the coordinator-level budget over a subtree.
type BudgetRollup struct {
	Allocated    decimal.Decimal
	Used         decimal.Decimal
	Coordinators int
}

// BudgetRollup sums allocated and used budget over {id} and its descendants.
func (r *HierarchyRegistry) BudgetRollup(ctx context.Context, id string) (*BudgetRollup, error) {
	nodes, defect := r.subtree(ctx, id)
	if nodes == nil {
		return nil, defect
	}
	out := &BudgetRollup{Allocated: decimal.Zero, Used: decimal.Zero}
	for _, c := range nodes {
		out.Allocated = out.Allocated.Add(c.BudgetAllocated)
		out.Used = out.Used.Add(c.BudgetUsed)
		out.Coordinators++
	}
	return out, defect
}

// ProgressRollup counts statuses over a subtree.
type ProgressRollup struct {
	Total        int
	ByStatus     map[models.CoordinatorStatus]int
	MeanProgress float64
}

// ProgressRollup counts coordinator statuses over {id} and its descendants.
func (r *HierarchyRegistry) ProgressRollup(ctx context.Context, id string) (*ProgressRollup, error) {
	nodes, defect := r.subtree(ctx, id)
	if nodes == nil {
		return nil, defect
	}
	out := &ProgressRollup{ByStatus: make(map[models.CoordinatorStatus]int)}
	var sum float64
	for _, c := range nodes {
		out.Total++
		out.ByStatus[c.Status]++
		sum += c.Progress
	}
	if out.Total > 0 {
		out.MeanProgress = sum / float64(out.Total)
	}
	return out, defect
}

// UpdateStatus sets a coordinator's status. Completing also sets progress to 1.
func (r *HierarchyRegistry) UpdateStatus(ctx context.Context, id string, status models.CoordinatorStatus) (*models.Coordinator, error) {
	if !status.Valid() {
		return nil, models.Errorf(models.ErrInvalidArgument, "update status", id, "unknown status %q", status)
	}
	c, err := r.store.UpdateCoordinator(ctx, id, func(c *models.Coordinator) error {
		c.Status = status
		if status == models.CoordinatorCompleted {
			c.Progress = 1
		}
		c.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Log("%s status -> %s", id, status)
	return c, nil
}

// UpdateProgress sets a coordinator's completed fraction. A pending
// coordinator moves to in_progress on its first report and 1.0 completes it.
func (r *HierarchyRegistry) UpdateProgress(ctx context.Context, id string, fraction float64) (*models.Coordinator, error) {
	if fraction < 0 || fraction > 1 {
		return nil, models.Errorf(models.ErrInvalidArgument, "update progress", id, "fraction %v outside [0, 1]", fraction)
	}
	c, err := r.store.UpdateCoordinator(ctx, id, func(c *models.Coordinator) error {
		if c.Status == models.CoordinatorFailed {
			return models.NewError(models.ErrInvalidState, "update progress", id, "coordinator has failed")
		}
		c.Progress = fraction
		switch {
		case fraction == 1:
			c.Status = models.CoordinatorCompleted
		case fraction > 0 && c.Status == models.CoordinatorPending:
			c.Status = models.CoordinatorInProgress
		}
		c.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Log("%s progress %.2f (%s)", id, fraction, c.Status)
	return c, nil
}

// RecordBudgetUse adds amount to a coordinator's reported spend.
func (r *HierarchyRegistry) RecordBudgetUse(ctx context.Context, id string, amount decimal.Decimal) (*models.Coordinator, error) {
	if amount.IsNegative() {
		return nil, models.NewError(models.ErrInvalidArgument, "record budget use", id, "amount must not be negative")
	}
	return r.store.UpdateCoordinator(ctx, id, func(c *models.Coordinator) error {
		c.BudgetUsed = c.BudgetUsed.Add(amount)
		c.UpdatedAt = r.now().UTC()
		return nil
	})
}

// SetBudgetAllocation replaces the budget granted to a coordinator.
func (r *HierarchyRegistry) SetBudgetAllocation(ctx context.Context, id string, amount decimal.Decimal) (*models.Coordinator, error) {
	if amount.IsNegative() {
		return nil, models.NewError(models.ErrInvalidArgument, "set budget allocation", id, "amount must not be negative")
	}
	c, err := r.store.UpdateCoordinator(ctx, id, func(c *models.Coordinator) error {
		c.BudgetAllocated = amount
		c.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Log("%s allocation now %s", id, amount)
	return c, nil
}

// TreeNode is a nested view of the hierarchy.
type TreeNode struct {
	Coordinator models.Coordinator
	Children    []*TreeNode
}

// Tree builds the nested view rooted at id. Nodes reached twice are left out
// and reported with ErrInvalidTopology alongside the partial tree.
func (r *HierarchyRegistry) Tree(ctx context.Context, id string) (*TreeNode, error) {
	root, err := r.store.GetCoordinator(ctx, id)
	if err != nil {
		return nil, err
	}
	top := &TreeNode{Coordinator: *root}
	var defect error
	visited := map[string]bool{id: true}
	queue := []*TreeNode{top}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids, err := r.Children(ctx, cur.Coordinator.ID)
		if err != nil {
			return top, err
		}
		for _, k := range kids {
			if visited[k.ID] {
				r.logger.Log("cycle below %s at %s", id, k.ID)
				defect = models.Errorf(models.ErrInvalidTopology, "tree", id, "%s reached twice", k.ID)
				continue
			}
			visited[k.ID] = true
			child := &TreeNode{Coordinator: k}
			cur.Children = append(cur.Children, child)
			queue = append(queue, child)
		}
	}
	return top, defect
}
