package state

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/ShayCichocki/foreman/pkg/models"
)

const stripeCount = 64

// MemoryStore keeps all state in process memory.
//
// Writers of one entity are serialized by a striped lock keyed by the entity
// id, so unrelated entities never wait on each other. The maps themselves are
// guarded by mu, which is only held for the copy in or out; readers take a
// snapshot under the read lock.
type MemoryStore struct {
	stripes [stripeCount]sync.Mutex

	mu     sync.RWMutex
	tasks  map[string]models.Task
	nodes  map[string]models.BudgetNode
	rootID string
	txns   []models.Transaction
	alerts []models.Alert

	coordinators map[string]models.Coordinator
	children     map[string][]string
	byType       map[models.CoordinatorType][]string
	chains       map[string]models.EscalationChain
	history      map[string][]models.EscalationRecord
	queues       map[string][]models.EscalationRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:        make(map[string]models.Task),
		nodes:        make(map[string]models.BudgetNode),
		coordinators: make(map[string]models.Coordinator),
		children:     make(map[string][]string),
		byType:       make(map[models.CoordinatorType][]string),
		chains:       make(map[string]models.EscalationChain),
		history:      make(map[string][]models.EscalationRecord),
		queues:       make(map[string][]models.EscalationRecord),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func stripeIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % stripeCount)
}

// lockKeys locks the stripes covering keys in ascending order so that
// multi-entity writers cannot deadlock.
func (m *MemoryStore) lockKeys(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		i := stripeIndex(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		m.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			m.stripes[idx[j]].Unlock()
		}
	}
}

func taskKey(id string) string  { return "task:" + id }
func nodeKey(id string) string  { return "node:" + id }
func coordKey(id string) string { return "coord:" + id }
func chainKey(id string) string { return "chain:" + id }

// Task operations

// CreateTask stores a new task.
func (m *MemoryStore) CreateTask(_ context.Context, t *models.Task) error {
	unlock := m.lockKeys(taskKey(t.ID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return models.NewError(models.ErrInvalidState, "create task", t.ID, "task already exists")
	}
	c := t.Clone()
	c.Version = 1
	m.tasks[t.ID] = c
	t.Version = 1
	return nil
}

// GetTask returns a copy of a task.
func (m *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "get task", id, "")
	}
	c := t.Clone()
	return &c, nil
}

// UpdateTask applies fn to a task atomically.
func (m *MemoryStore) UpdateTask(_ context.Context, id string, fn func(t *models.Task) error) (*models.Task, error) {
	unlock := m.lockKeys(taskKey(id))
	defer unlock()

	m.mu.RLock()
	current, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "update task", id, "")
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.ID = id
	next.Version = current.Version + 1

	m.mu.Lock()
	m.tasks[id] = next.Clone()
	m.mu.Unlock()
	return &next, nil
}

// DeleteTask removes a task regardless of status.
func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	unlock := m.lockKeys(taskKey(id))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return models.NewError(models.ErrNotFound, "delete task", id, "")
	}
	delete(m.tasks, id)
	return nil
}

// ListTasks returns a snapshot of every task.
func (m *MemoryStore) ListTasks(_ context.Context) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

// Budget operations

// CreateBudgetRoot stores the root node, failing if a root already exists.
func (m *MemoryStore) CreateBudgetRoot(_ context.Context, n *models.BudgetNode) error {
	unlock := m.lockKeys(nodeKey(n.ID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rootID != "" {
		return models.NewError(models.ErrDuplicateRoot, "create root", n.ID, fmt.Sprintf("root %s already exists", m.rootID))
	}
	if _, ok := m.nodes[n.ID]; ok {
		return models.NewError(models.ErrInvalidState, "create root", n.ID, "node already exists")
	}
	c := n.Clone()
	c.Version = 1
	m.nodes[n.ID] = c
	m.rootID = n.ID
	n.Version = 1
	return nil
}

// GetBudgetNode returns a copy of a node.
func (m *MemoryStore) GetBudgetNode(_ context.Context, id string) (*models.BudgetNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "get budget node", id, "")
	}
	c := n.Clone()
	return &c, nil
}

// GetBudgetRoot returns a copy of the root node.
func (m *MemoryStore) GetBudgetRoot(ctx context.Context) (*models.BudgetNode, error) {
	m.mu.RLock()
	rootID := m.rootID
	m.mu.RUnlock()
	if rootID == "" {
		return nil, models.NewError(models.ErrNotFound, "get budget root", "", "no root budget")
	}
	return m.GetBudgetNode(ctx, rootID)
}

// ListBudgetNodes returns a snapshot of every node.
func (m *MemoryStore) ListBudgetNodes(_ context.Context) ([]models.BudgetNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.BudgetNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memBudgetTx struct {
	store    *MemoryStore
	declared map[string]struct{}
	staged   map[string]*models.BudgetNode
	order    []string
	txns     []models.Transaction
	alerts   []models.Alert
	err      error
}

func (tx *memBudgetTx) Node(id string) (*models.BudgetNode, bool) {
	if _, ok := tx.declared[id]; !ok {
		return nil, false
	}
	if n, ok := tx.staged[id]; ok {
		c := n.Clone()
		return &c, true
	}
	tx.store.mu.RLock()
	n, ok := tx.store.nodes[id]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, false
	}
	c := n.Clone()
	return &c, true
}

func (tx *memBudgetTx) Put(n *models.BudgetNode) {
	if _, ok := tx.declared[n.ID]; !ok {
		tx.err = fmt.Errorf("put budget node %s: not declared in unit of work", n.ID)
		return
	}
	if _, ok := tx.staged[n.ID]; !ok {
		tx.order = append(tx.order, n.ID)
	}
	c := n.Clone()
	tx.staged[n.ID] = &c
}

func (tx *memBudgetTx) Record(t models.Transaction) {
	tx.txns = append(tx.txns, t)
}

func (tx *memBudgetTx) Alert(a models.Alert) {
	tx.alerts = append(tx.alerts, a)
}

// UpdateBudget runs fn over the declared nodes and commits atomically.
func (m *MemoryStore) UpdateBudget(_ context.Context, ids []string, fn func(tx BudgetTx) error) error {
	keys := make([]string, len(ids))
	declared := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		keys[i] = nodeKey(id)
		declared[id] = struct{}{}
	}
	unlock := m.lockKeys(keys...)
	defer unlock()

	tx := &memBudgetTx{
		store:    m,
		declared: declared,
		staged:   make(map[string]*models.BudgetNode),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range tx.order {
		n := tx.staged[id]
		if prev, ok := m.nodes[id]; ok {
			n.Version = prev.Version + 1
		} else {
			n.Version = 1
		}
		m.nodes[id] = *n
	}
	m.txns = append(m.txns, tx.txns...)
	m.alerts = append(m.alerts, tx.alerts...)
	return nil
}

// ListTransactions returns the ledger, optionally for one node.
func (m *MemoryStore) ListTransactions(_ context.Context, nodeID string) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Transaction, 0)
	for _, t := range m.txns {
		if nodeID == "" || t.NodeID == nodeID {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListAlerts returns alerts, optionally for one node.
func (m *MemoryStore) ListAlerts(_ context.Context, nodeID string, includeAcknowledged bool) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Alert, 0)
	for _, a := range m.alerts {
		if nodeID != "" && a.NodeID != nodeID {
			continue
		}
		if a.Acknowledged && !includeAcknowledged {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// AcknowledgeAlert flips the acknowledged flag of an alert.
func (m *MemoryStore) AcknowledgeAlert(_ context.Context, id string) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Acknowledged = true
			a := m.alerts[i]
			return &a, nil
		}
	}
	return nil, models.NewError(models.ErrNotFound, "acknowledge alert", id, "")
}

// Hierarchy operations

// CreateCoordinator stores a coordinator and updates the tree indices.
func (m *MemoryStore) CreateCoordinator(_ context.Context, c *models.Coordinator) error {
	unlock := m.lockKeys(coordKey(c.ID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.coordinators[c.ID]; ok {
		return models.NewError(models.ErrInvalidState, "create coordinator", c.ID, "coordinator already exists")
	}
	m.coordinators[c.ID] = *c
	if c.ParentID != "" {
		m.children[c.ParentID] = append(m.children[c.ParentID], c.ID)
	}
	m.byType[c.Type] = append(m.byType[c.Type], c.ID)
	return nil
}

// GetCoordinator returns a copy of a coordinator.
func (m *MemoryStore) GetCoordinator(_ context.Context, id string) (*models.Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coordinators[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "get coordinator", id, "")
	}
	return &c, nil
}

// UpdateCoordinator applies fn to a coordinator atomically. Identity and
// tree placement cannot be changed through fn.
func (m *MemoryStore) UpdateCoordinator(_ context.Context, id string, fn func(c *models.Coordinator) error) (*models.Coordinator, error) {
	unlock := m.lockKeys(coordKey(id))
	defer unlock()

	m.mu.RLock()
	current, ok := m.coordinators[id]
	m.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "update coordinator", id, "")
	}
	next := current
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.ParentID = current.ParentID
	next.Type = current.Type

	m.mu.Lock()
	m.coordinators[id] = next
	m.mu.Unlock()
	return &next, nil
}

// ListCoordinators returns a snapshot of every coordinator.
func (m *MemoryStore) ListCoordinators(_ context.Context) ([]models.Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ChildrenOf returns the ids registered under id, in registration order.
func (m *MemoryStore) ChildrenOf(_ context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.children[id]...), nil
}

// ParentOf returns the parent id of a coordinator, empty for a root.
func (m *MemoryStore) ParentOf(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coordinators[id]
	if !ok {
		return "", models.NewError(models.ErrNotFound, "parent of", id, "")
	}
	return c.ParentID, nil
}

// CoordinatorsByType returns the ids of every coordinator of type t.
func (m *MemoryStore) CoordinatorsByType(_ context.Context, t models.CoordinatorType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.byType[t]...), nil
}

// PutEscalationChain replaces the chain of a coordinator.
func (m *MemoryStore) PutEscalationChain(_ context.Context, chain *models.EscalationChain) error {
	unlock := m.lockKeys(chainKey(chain.CoordinatorID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[chain.CoordinatorID] = chain.Clone()
	return nil
}

// GetEscalationChain returns a copy of a coordinator's chain.
func (m *MemoryStore) GetEscalationChain(_ context.Context, id string) (*models.EscalationChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "get escalation chain", id, "")
	}
	out := c.Clone()
	return &out, nil
}

// DeleteEscalationChain removes a chain. History and queues are kept.
func (m *MemoryStore) DeleteEscalationChain(_ context.Context, id string) error {
	unlock := m.lockKeys(chainKey(id))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chains, id)
	return nil
}

// ListEscalationChains returns a snapshot of every chain.
func (m *MemoryStore) ListEscalationChains(_ context.Context) ([]models.EscalationChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EscalationChain, 0, len(m.chains))
	for _, c := range m.chains {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CoordinatorID < out[j].CoordinatorID })
	return out, nil
}

// AdvanceEscalation runs fn over a coordinator's chain and routes the record it returns.
func (m *MemoryStore) AdvanceEscalation(_ context.Context, id string, fn func(chain *models.EscalationChain) (*models.EscalationRecord, error)) (*models.EscalationRecord, error) {
	unlock := m.lockKeys(chainKey(id))
	defer unlock()

	m.mu.RLock()
	current, ok := m.chains[id]
	m.mu.RUnlock()

	var chain *models.EscalationChain
	if ok {
		c := current.Clone()
		chain = &c
	}
	rec, err := fn(chain)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if chain != nil {
		m.chains[id] = chain.Clone()
	}
	m.history[rec.From] = append(m.history[rec.From], *rec)
	m.queues[rec.To] = append(m.queues[rec.To], *rec)
	return rec, nil
}

// EscalationHistory returns the outbound escalations of a coordinator.
func (m *MemoryStore) EscalationHistory(_ context.Context, id string) ([]models.EscalationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.EscalationRecord(nil), m.history[id]...), nil
}

// EscalationQueue returns the inbound escalations of a coordinator, emptying
// the queue when drain is set.
func (m *MemoryStore) EscalationQueue(_ context.Context, id string, drain bool) ([]models.EscalationRecord, error) {
	if !drain {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return append([]models.EscalationRecord(nil), m.queues[id]...), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.EscalationRecord(nil), m.queues[id]...)
	delete(m.queues, id)
	return out, nil
}
