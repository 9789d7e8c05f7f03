// Package state provides the storage collaborator for foreman: an in-memory
// backend and a SQLite backend behind the same interfaces.
package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// TaskStore handles task persistence. It carries no policy.
//
// UpdateTask runs fn against a private copy of the current record and stores
// the result atomically with respect to every other writer of the same task.
// If fn returns an error the record is left untouched and the error is
// returned as is.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(t *models.Task) error) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context) ([]models.Task, error)
}

// BudgetTx is a unit of work over a declared set of budget nodes. Node only
// resolves ids declared when the unit of work was opened; Put stages a new or
// changed node; Record and Alert append to the ledger on commit.
type BudgetTx interface {
	Node(id string) (*models.BudgetNode, bool)
	Put(n *models.BudgetNode)
	Record(t models.Transaction)
	Alert(a models.Alert)
}

// BudgetStore handles budget tree persistence.
//
// UpdateBudget commits everything staged by fn as one atomic step, or nothing
// if fn fails.
type BudgetStore interface {
	CreateBudgetRoot(ctx context.Context, n *models.BudgetNode) error
	GetBudgetNode(ctx context.Context, id string) (*models.BudgetNode, error)
	GetBudgetRoot(ctx context.Context) (*models.BudgetNode, error)
	ListBudgetNodes(ctx context.Context) ([]models.BudgetNode, error)
	UpdateBudget(ctx context.Context, ids []string, fn func(tx BudgetTx) error) error
	ListTransactions(ctx context.Context, nodeID string) ([]models.Transaction, error)
	ListAlerts(ctx context.Context, nodeID string, includeAcknowledged bool) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string) (*models.Alert, error)
}

// HierarchyStore handles coordinator and escalation persistence.
//
// AdvanceEscalation passes the coordinator's chain (nil when none exists) to
// fn. A non-nil record returned by fn is appended to the history of its From
// coordinator and to the inbound queue of its To coordinator, in the same
// atomic step that stores the advanced chain.
type HierarchyStore interface {
	CreateCoordinator(ctx context.Context, c *models.Coordinator) error
	GetCoordinator(ctx context.Context, id string) (*models.Coordinator, error)
	UpdateCoordinator(ctx context.Context, id string, fn func(c *models.Coordinator) error) (*models.Coordinator, error)
	ListCoordinators(ctx context.Context) ([]models.Coordinator, error)
	ChildrenOf(ctx context.Context, id string) ([]string, error)
	ParentOf(ctx context.Context, id string) (string, error)
	CoordinatorsByType(ctx context.Context, t models.CoordinatorType) ([]string, error)

	PutEscalationChain(ctx context.Context, chain *models.EscalationChain) error
	GetEscalationChain(ctx context.Context, id string) (*models.EscalationChain, error)
	DeleteEscalationChain(ctx context.Context, id string) error
	ListEscalationChains(ctx context.Context) ([]models.EscalationChain, error)
	AdvanceEscalation(ctx context.Context, id string, fn func(chain *models.EscalationChain) (*models.EscalationRecord, error)) (*models.EscalationRecord, error)
	EscalationHistory(ctx context.Context, id string) ([]models.EscalationRecord, error)
	EscalationQueue(ctx context.Context, id string, drain bool) ([]models.EscalationRecord, error)
}

// StateStore composes every store the coordination core needs.
type StateStore interface {
	io.Closer
	TaskStore
	BudgetStore
	HierarchyStore
}

// Compile-time verification that both backends implement all interfaces.
var (
	_ StateStore = (*DB)(nil)
	_ StateStore = (*MemoryStore)(nil)
)
