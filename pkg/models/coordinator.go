package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CoordinatorType is the role a coordinator plays in the hierarchy.
type CoordinatorType string

const (
	// CoordinatorMaster owns the root budget and spawns sub-coordinators.
	CoordinatorMaster CoordinatorType = "master"
	// CoordinatorSub owns one sub-project.
	CoordinatorSub CoordinatorType = "sub"
	// CoordinatorWorker executes tasks.
	CoordinatorWorker CoordinatorType = "worker"
)

// Valid returns true if the type is a known value.
func (t CoordinatorType) Valid() bool {
	switch t {
	case CoordinatorMaster, CoordinatorSub, CoordinatorWorker:
		return true
	default:
		return false
	}
}

// ParseCoordinatorType converts text into a CoordinatorType, rejecting unknown values.
func ParseCoordinatorType(s string) (CoordinatorType, error) {
	t := CoordinatorType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", NewError(ErrInvalidArgument, "parse coordinator type", "", fmt.Sprintf("unknown type %q", s))
	}
	return t, nil
}

// CoordinatorStatus represents the progress state of a coordinator.
type CoordinatorStatus string

const (
	// CoordinatorPending indicates the coordinator has not started.
	CoordinatorPending CoordinatorStatus = "pending"
	// CoordinatorInProgress indicates the coordinator is working.
	CoordinatorInProgress CoordinatorStatus = "in_progress"
	// CoordinatorCompleted indicates the coordinator finished.
	CoordinatorCompleted CoordinatorStatus = "completed"
	// CoordinatorFailed indicates the coordinator gave up.
	CoordinatorFailed CoordinatorStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s CoordinatorStatus) Valid() bool {
	switch s {
	case CoordinatorPending, CoordinatorInProgress, CoordinatorCompleted, CoordinatorFailed:
		return true
	default:
		return false
	}
}

// ParseCoordinatorStatus converts text into a CoordinatorStatus, rejecting unknown values.
func ParseCoordinatorStatus(s string) (CoordinatorStatus, error) {
	status := CoordinatorStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", NewError(ErrInvalidArgument, "parse coordinator status", "", fmt.Sprintf("unknown status %q", s))
	}
	return status, nil
}

// Coordinator is a node of the coordination hierarchy. It references a budget
// node by id but is a separate entity.
type Coordinator struct {
	// ID is the unique identifier for this coordinator.
	ID string `json:"id"`
	// Type is the coordinator's role.
	Type CoordinatorType `json:"type"`
	// Name is a human label, usually the sub-project title.
	Name string `json:"name,omitempty"`
	// ParentID is the owning coordinator, empty for the master.
	ParentID string `json:"parent_id,omitempty"`
	// BudgetNodeID links to the budget tree.
	BudgetNodeID string `json:"budget_node_id,omitempty"`
	// BudgetAllocated is the budget granted to this coordinator.
	BudgetAllocated decimal.Decimal `json:"budget_allocated"`
	// BudgetUsed is the spend reported by this coordinator.
	BudgetUsed decimal.Decimal `json:"budget_used"`
	// Status is the current progress state.
	Status CoordinatorStatus `json:"status"`
	// Progress is the completed fraction in [0, 1].
	Progress float64 `json:"progress"`
	// Priority is copied from the sub-project definition.
	Priority int `json:"priority,omitempty"`
	// CreatedAt is when the coordinator was registered.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the coordinator last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// EscalationChain is the ordered list of targets consulted when a coordinator
// hands off an issue.
type EscalationChain struct {
	CoordinatorID string     `json:"coordinator_id"`
	Levels        []string   `json:"levels"`
	Position      int        `json:"position"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Exhausted reports whether every level has been consulted.
func (c *EscalationChain) Exhausted() bool {
	return c.Position >= len(c.Levels)
}

// Expired reports whether the chain's optional expiry has passed.
func (c *EscalationChain) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Clone returns a deep copy of the chain.
func (c EscalationChain) Clone() EscalationChain {
	out := c
	out.Levels = append([]string(nil), c.Levels...)
	if c.ExpiresAt != nil {
		at := *c.ExpiresAt
		out.ExpiresAt = &at
	}
	return out
}

// EscalationRecord is one routed escalation. The same record lands in the
// issuer's history and in the target's inbound queue.
type EscalationRecord struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Issue     string    `json:"issue"`
	Level     int       `json:"level"`
	CreatedAt time.Time `json:"timestamp"`
}

// SubProject is a structured definition handed over by an external planner.
type SubProject struct {
	Title         string          `json:"title" yaml:"title"`
	Description   string          `json:"description" yaml:"description"`
	BudgetRequest decimal.Decimal `json:"budget_request" yaml:"-"`
	Priority      int             `json:"priority" yaml:"priority"`
}
