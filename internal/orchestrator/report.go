package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// ReportLine is one node of a report breakdown, in breadth-first order.
type ReportLine struct {
	ID          string
	Name        string
	ParentID    string
	Depth       int
	TotalBudget decimal.Decimal
	UsedBudget  decimal.Decimal
	Status      models.BudgetStatus
}

// Report aggregates a node and its descendants.
//
// TotalBudget is the node's own total: child totals are carved out of it, so
// adding them again would count the same money twice. UsedBudget sums every
// node's direct spend exactly once.
type Report struct {
	NodeID          string
	Name            string
	TotalBudget     decimal.Decimal
	AllocatedBudget decimal.Decimal
	DirectUsed      decimal.Decimal
	UsedBudget      decimal.Decimal
	Remaining       decimal.Decimal
	Usage           float64
	Status          models.BudgetStatus
	NodeCount       int
	Nodes           []ReportLine
}

// Report walks the subtree below nodeID iteratively. A node reached twice
// means a malformed child link; the walk skips it and returns the partial
// report with ErrInvalidTopology.
func (t *BudgetTree) Report(ctx context.Context, nodeID string) (*Report, error) {
	all, err := t.store.ListBudgetNodes(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.BudgetNode, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
	}
	top, ok := byID[nodeID]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "report", nodeID, "budget node not found")
	}

	r := &Report{
		NodeID:          top.ID,
		Name:            top.Name,
		TotalBudget:     top.TotalBudget,
		AllocatedBudget: top.AllocatedBudget,
		DirectUsed:      top.UsedBudget,
		UsedBudget:      decimal.Zero,
		Status:          top.Status,
	}

	type item struct {
		id    string
		depth int
	}
	var defect error
	visited := map[string]bool{}
	queue := []item{{id: nodeID}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur.id] {
			defect = models.Errorf(models.ErrInvalidTopology, "report", cur.id, "node reached twice below %s", nodeID)
			t.logger.Log("report %s: cycle at %s, skipped", nodeID, cur.id)
			continue
		}
		visited[cur.id] = true
		n, ok := byID[cur.id]
		if !ok {
			continue
		}
		r.UsedBudget = r.UsedBudget.Add(n.UsedBudget)
		r.Nodes = append(r.Nodes, ReportLine{
			ID:          n.ID,
			Name:        n.Name,
			ParentID:    n.ParentID,
			Depth:       cur.depth,
			TotalBudget: n.TotalBudget,
			UsedBudget:  n.UsedBudget,
			Status:      n.Status,
		})
		for _, cid := range n.ChildrenIDs {
			queue = append(queue, item{id: cid, depth: cur.depth + 1})
		}
	}

	r.NodeCount = len(r.Nodes)
	r.Remaining = r.TotalBudget.Sub(r.UsedBudget)
	if r.TotalBudget.IsPositive() {
		r.Usage = r.UsedBudget.Div(r.TotalBudget).InexactFloat64()
	}
	return r, defect
}
