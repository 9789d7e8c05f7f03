package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Orchestrator turns planner output into funded, registered sub-projects and
// reports progress across them. It owns no state of its own: the budget tree
// and the hierarchy registry are the sources of truth.
type Orchestrator struct {
	budget   *BudgetTree
	registry *HierarchyRegistry
	logger   *logging.DebugLogger
	events   *EventEmitter
	opts     orchestratorOptions
}

// New creates an Orchestrator and subscribes it to the tree's alerts.
func New(budget *BudgetTree, registry *HierarchyRegistry, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	orc := &Orchestrator{
		budget:   budget,
		registry: registry,
		logger:   o.logger.With("ORCHESTRATOR"),
		events:   o.events,
		opts:     o,
	}
	budget.OnAlert(orc.handleAlert)
	return orc
}

// Budget returns the underlying budget tree.
func (o *Orchestrator) Budget() *BudgetTree { return o.budget }

// Registry returns the underlying hierarchy registry.
func (o *Orchestrator) Registry() *HierarchyRegistry { return o.registry }

// Bootstrapped holds the entities created by Bootstrap.
type Bootstrapped struct {
	Root   models.BudgetNode
	Master models.Coordinator
}

// Bootstrap creates the budget root and the master coordinator bound to it.
func (o *Orchestrator) Bootstrap(ctx context.Context, name string, total decimal.Decimal) (*Bootstrapped, error) {
	root, err := o.budget.CreateRoot(ctx, name, total)
	if err != nil {
		return nil, err
	}
	master, err := o.registry.Register(ctx, &models.Coordinator{
		Type:            models.CoordinatorMaster,
		Name:            name,
		BudgetNodeID:    root.ID,
		BudgetAllocated: total,
	})
	if err != nil {
		return nil, fmt.Errorf("register master for root %s: %w", root.ID, err)
	}
	o.logger.Log("bootstrapped %q: root %s, master %s, budget %s", name, root.ID, master.ID, total)
	return &Bootstrapped{Root: *root, Master: *master}, nil
}

// Master returns the master coordinator.
func (o *Orchestrator) Master(ctx context.Context) (*models.Coordinator, error) {
	masters, err := o.registry.ByType(ctx, models.CoordinatorMaster)
	if err != nil {
		return nil, err
	}
	if len(masters) == 0 {
		return nil, models.NewError(models.ErrNotFound, "master", "", "not bootstrapped")
	}
	return &masters[0], nil
}

// Assignment binds one sub-project to its coordinator and budget node.
type Assignment struct {
	SubProject    models.SubProject
	CoordinatorID string
	BudgetNodeID  string
}

// Spawn funds and registers one sub-coordinator per definition.
//
// Funding is all-or-nothing: the requests are checked together against the
// root's unallocated budget, so either every sub-project is funded or none is.
// Registration is not. If it fails part way, the assignments made so far are
// returned with the error and the funded nodes left without a coordinator are
// suspended.
func (o *Orchestrator) Spawn(ctx context.Context, defs []models.SubProject) ([]Assignment, error) {
	if len(defs) == 0 {
		return nil, models.NewError(models.ErrInvalidArgument, "spawn", "", "no sub-projects given")
	}
	master, err := o.Master(ctx)
	if err != nil {
		return nil, err
	}

	specs := make([]ChildSpec, len(defs))
	for i, d := range defs {
		if d.Title == "" {
			return nil, models.Errorf(models.ErrInvalidArgument, "spawn", "", "sub-project %d has no title", i)
		}
		if !d.BudgetRequest.IsPositive() {
			return nil, models.Errorf(models.ErrInvalidArgument, "spawn", "", "sub-project %q needs a positive budget request", d.Title)
		}
		specs[i] = ChildSpec{Name: d.Title, Amount: d.BudgetRequest}
	}

	nodes, err := o.budget.CreateChildren(ctx, master.BudgetNodeID, specs)
	if err != nil {
		return nil, fmt.Errorf("fund sub-projects: %w", err)
	}

	out := make([]Assignment, 0, len(defs))
	for i, d := range defs {
		sub, err := o.registry.Register(ctx, &models.Coordinator{
			Type:            models.CoordinatorSub,
			Name:            d.Title,
			ParentID:        master.ID,
			BudgetNodeID:    nodes[i].ID,
			BudgetAllocated: d.BudgetRequest,
			Priority:        d.Priority,
		})
		if err != nil {
			o.suspendOrphans(ctx, nodes[i:])
			return out, fmt.Errorf("register sub-project %q: %w", d.Title, err)
		}
		if o.opts.defaultChain {
			if _, err := o.registry.CreateEscalationChain(ctx, sub.ID, []string{master.ID}); err != nil {
				o.suspendOrphans(ctx, nodes[i+1:])
				return out, fmt.Errorf("chain for sub-project %q: %w", d.Title, err)
			}
		}
		out = append(out, Assignment{SubProject: d, CoordinatorID: sub.ID, BudgetNodeID: nodes[i].ID})
		o.logger.Log("spawned %s for %q with %s", sub.ID, d.Title, d.BudgetRequest)
		o.events.Emit(Event{
			Type:          EventCoordinatorSpawned,
			CoordinatorID: sub.ID,
			NodeID:        nodes[i].ID,
			Message:       d.Title,
		})
	}
	return out, nil
}

// suspendOrphans blocks spend on nodes a failed Spawn funded but never bound.
func (o *Orchestrator) suspendOrphans(ctx context.Context, nodes []models.BudgetNode) {
	for _, n := range nodes {
		if _, err := o.budget.Suspend(ctx, n.ID); err != nil {
			o.logger.Log("suspend orphaned node %s: %v", n.ID, err)
			continue
		}
		o.logger.Log("suspended orphaned node %s (%s)", n.ID, n.Name)
	}
}

// Spend charges a budget node and credits the spend to the coordinator bound
// to it. It satisfies tasks.Spender.
func (o *Orchestrator) Spend(ctx context.Context, nodeID string, amount decimal.Decimal, description string) error {
	_, err := o.Charge(ctx, nodeID, amount, description)
	return err
}

// Charge is Spend returning the tree's result.
func (o *Orchestrator) Charge(ctx context.Context, nodeID string, amount decimal.Decimal, description string) (*SpendResult, error) {
	res, err := o.budget.Charge(ctx, nodeID, amount, description)
	if err != nil {
		return nil, err
	}
	c, err := o.registry.ByBudgetNode(ctx, nodeID)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return res, err
	default:
		if _, err := o.registry.RecordBudgetUse(ctx, c.ID, amount); err != nil {
			return res, fmt.Errorf("credit spend to %s: %w", c.ID, err)
		}
	}
	o.events.Emit(Event{
		Type:    EventBudgetSpent,
		NodeID:  nodeID,
		Message: fmt.Sprintf("%s: %s (used %s of %s)", description, amount, res.Node.UsedBudget, res.Node.TotalBudget),
	})
	return res, nil
}

// Reallocate moves budget between two sibling nodes and carries the new
// totals over to the coordinators bound to them, so progress weights follow
// the money.
func (o *Orchestrator) Reallocate(ctx context.Context, fromID, toID string, amount decimal.Decimal) error {
	if err := o.budget.Reallocate(ctx, fromID, toID, amount); err != nil {
		return err
	}
	for _, nodeID := range []string{fromID, toID} {
		if err := o.syncAllocation(ctx, nodeID); err != nil {
			return fmt.Errorf("sync allocation for %s: %w", nodeID, err)
		}
	}
	return nil
}

// syncAllocation sets the bound coordinator's allocation to the node's total.
// A node without a coordinator is left alone.
func (o *Orchestrator) syncAllocation(ctx context.Context, nodeID string) error {
	c, err := o.registry.ByBudgetNode(ctx, nodeID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	n, err := o.budget.Node(ctx, nodeID)
	if err != nil {
		return err
	}
	if c.BudgetAllocated.Equal(n.TotalBudget) {
		return nil
	}
	_, err = o.registry.SetBudgetAllocation(ctx, c.ID, n.TotalBudget)
	return err
}

// UpdateProgress records a sub-coordinator's completed fraction.
func (o *Orchestrator) UpdateProgress(ctx context.Context, coordinatorID string, fraction float64) (*models.Coordinator, error) {
	c, err := o.registry.UpdateProgress(ctx, coordinatorID, fraction)
	if err != nil {
		return nil, err
	}
	o.events.Emit(Event{
		Type:          EventProgressUpdated,
		CoordinatorID: coordinatorID,
		Progress:      c.Progress,
	})
	return c, nil
}

// Progress is the budget-weighted mean of the sub-projects' fractions, each
// weighted by its allocated budget. A completed sub-project counts as 1.
func (o *Orchestrator) Progress(ctx context.Context) (float64, error) {
	master, err := o.Master(ctx)
	if err != nil {
		return 0, err
	}
	subs, err := o.subProjects(ctx, master.ID)
	if err != nil {
		return 0, err
	}
	return weightedProgress(subs), nil
}

func weightedProgress(subs []models.Coordinator) float64 {
	weight := decimal.Zero
	done := decimal.Zero
	for _, s := range subs {
		fraction := s.Progress
		if s.Status == models.CoordinatorCompleted {
			fraction = 1
		}
		weight = weight.Add(s.BudgetAllocated)
		done = done.Add(s.BudgetAllocated.Mul(decimal.NewFromFloat(fraction)))
	}
	if !weight.IsPositive() {
		return 0
	}
	return done.Div(weight).InexactFloat64()
}

func (o *Orchestrator) subProjects(ctx context.Context, masterID string) ([]models.Coordinator, error) {
	kids, err := o.registry.Children(ctx, masterID)
	if err != nil {
		return nil, err
	}
	subs := kids[:0]
	for _, k := range kids {
		if k.Type == models.CoordinatorSub {
			subs = append(subs, k)
		}
	}
	return subs, nil
}

// Status is a point-in-time view of the whole project.
type Status struct {
	Master      models.Coordinator
	Progress    float64
	Rollup      *ProgressRollup
	Budget      *Report
	SubProjects []models.Coordinator
}

// Status gathers progress and the root budget report.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	master, err := o.Master(ctx)
	if err != nil {
		return nil, err
	}
	subs, err := o.subProjects(ctx, master.ID)
	if err != nil {
		return nil, err
	}
	rollup, err := o.registry.ProgressRollup(ctx, master.ID)
	if err != nil {
		return nil, err
	}
	report, err := o.budget.Report(ctx, master.BudgetNodeID)
	if err != nil {
		return nil, err
	}
	return &Status{
		Master:      *master,
		Progress:    weightedProgress(subs),
		Rollup:      rollup,
		Budget:      report,
		SubProjects: subs,
	}, nil
}

// handleAlert publishes every alert and routes critical ones up the chain of
// the coordinator bound to the node.
func (o *Orchestrator) handleAlert(ctx context.Context, a models.Alert) {
	o.events.Emit(Event{
		Type:    EventBudgetAlert,
		NodeID:  a.NodeID,
		Level:   a.Level,
		Message: a.Message,
	})
	if a.Level != models.AlertCritical || !o.opts.escalateCritical {
		return
	}

	c, err := o.registry.ByBudgetNode(ctx, a.NodeID)
	if err != nil {
		o.logger.Log("critical alert on %s not routed: %v", a.NodeID, err)
		return
	}
	rec, err := o.registry.Escalate(ctx, c.ID, a.Message)
	if err != nil {
		o.logger.Log("escalating critical alert from %s failed: %v", c.ID, err)
		return
	}
	if rec == nil {
		o.events.Emit(Event{Type: EventEscalationExhausted, CoordinatorID: c.ID, NodeID: a.NodeID, Message: a.Message})
		return
	}
	o.events.Emit(Event{Type: EventEscalationRouted, CoordinatorID: c.ID, NodeID: a.NodeID, Target: rec.To, Message: a.Message})
}
