package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BudgetStatus represents the spend state of a budget node.
type BudgetStatus string

const (
	// BudgetStatusActive indicates the node accepts spend.
	BudgetStatusActive BudgetStatus = "active"
	// BudgetStatusExhausted indicates nothing is left to spend.
	BudgetStatusExhausted BudgetStatus = "exhausted"
	// BudgetStatusSuspended indicates the node was archived or frozen by an operator.
	BudgetStatusSuspended BudgetStatus = "suspended"
)

// Valid returns true if the status is a known value.
func (s BudgetStatus) Valid() bool {
	switch s {
	case BudgetStatusActive, BudgetStatusExhausted, BudgetStatusSuspended:
		return true
	default:
		return false
	}
}

// ParseBudgetStatus converts text into a BudgetStatus, rejecting unknown values.
func ParseBudgetStatus(s string) (BudgetStatus, error) {
	status := BudgetStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", NewError(ErrInvalidArgument, "parse budget status", "", fmt.Sprintf("unknown status %q", s))
	}
	return status, nil
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	// TransactionAllocation records a child carved out of its parent.
	TransactionAllocation TransactionType = "allocation"
	// TransactionExpense records spend against a node.
	TransactionExpense TransactionType = "expense"
	// TransactionReallocation records capacity moved between siblings.
	TransactionReallocation TransactionType = "reallocation"
)

// Valid returns true if the type is a known value.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionAllocation, TransactionExpense, TransactionReallocation:
		return true
	default:
		return false
	}
}

// ParseTransactionType converts text into a TransactionType, rejecting unknown values.
func ParseTransactionType(s string) (TransactionType, error) {
	typ := TransactionType(strings.ToLower(strings.TrimSpace(s)))
	if !typ.Valid() {
		return "", NewError(ErrInvalidArgument, "parse transaction type", "", fmt.Sprintf("unknown type %q", s))
	}
	return typ, nil
}

// AlertLevel is the severity of a threshold alert.
type AlertLevel string

const (
	// AlertWarning is emitted when usage reaches the warning threshold.
	AlertWarning AlertLevel = "warning"
	// AlertCritical is emitted when usage reaches the critical threshold.
	AlertCritical AlertLevel = "critical"
)

// Valid returns true if the level is a known value.
func (l AlertLevel) Valid() bool {
	return l == AlertWarning || l == AlertCritical
}

// ParseAlertLevel converts text into an AlertLevel, rejecting unknown values.
func ParseAlertLevel(s string) (AlertLevel, error) {
	level := AlertLevel(strings.ToLower(strings.TrimSpace(s)))
	if !level.Valid() {
		return "", NewError(ErrInvalidArgument, "parse alert level", "", fmt.Sprintf("unknown level %q", s))
	}
	return level, nil
}

// Default thresholds, as fractions of a node's total budget.
const (
	DefaultWarningThreshold  = 0.80
	DefaultCriticalThreshold = 0.95
)

// BudgetNode is one cost center in a budget tree.
type BudgetNode struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	TotalBudget       decimal.Decimal `json:"total_budget"`
	AllocatedBudget   decimal.Decimal `json:"allocated_budget"`
	UsedBudget        decimal.Decimal `json:"used_budget"`
	ParentID          string          `json:"parent_id,omitempty"`
	ChildrenIDs       []string        `json:"children_ids,omitempty"`
	Status            BudgetStatus    `json:"status"`
	WarningThreshold  float64         `json:"warning_threshold"`
	CriticalThreshold float64         `json:"critical_threshold"`
	CreatedAt         time.Time       `json:"created_at"`
	Version           int64           `json:"version"`
}

// IsRoot reports whether the node has no parent.
func (n *BudgetNode) IsRoot() bool {
	return n.ParentID == ""
}

// Unallocated is the capacity not yet promised to children.
func (n *BudgetNode) Unallocated() decimal.Decimal {
	return n.TotalBudget.Sub(n.AllocatedBudget)
}

// Available is the capacity left for direct spend.
func (n *BudgetNode) Available() decimal.Decimal {
	return n.TotalBudget.Sub(n.UsedBudget)
}

// Usage returns used/total as a decimal fraction. A zero total reports zero usage.
func (n *BudgetNode) Usage() decimal.Decimal {
	if !n.TotalBudget.IsPositive() {
		return decimal.Zero
	}
	return n.UsedBudget.Div(n.TotalBudget)
}

// Clone returns a deep copy of the node.
func (n BudgetNode) Clone() BudgetNode {
	c := n
	if n.ChildrenIDs != nil {
		c.ChildrenIDs = append([]string(nil), n.ChildrenIDs...)
	}
	return c
}

// ValidateThresholds checks 0 < warning < critical <= 1.
func ValidateThresholds(warning, critical float64) error {
	if warning <= 0 || critical > 1 || warning >= critical {
		return NewError(ErrInvalidArgument, "validate thresholds", "",
			fmt.Sprintf("need 0 < warning < critical <= 1, got warning=%v critical=%v", warning, critical))
	}
	return nil
}

// Transaction is an append-only ledger entry.
type Transaction struct {
	ID          string          `json:"id"`
	NodeID      string          `json:"node_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Type        TransactionType `json:"type"`
	CreatedAt   time.Time       `json:"timestamp"`
}

// Alert is a threshold notification. Alerts are never deleted; acknowledging
// only flips Acknowledged.
type Alert struct {
	ID           string     `json:"id"`
	NodeID       string     `json:"node_id"`
	Level        AlertLevel `json:"level"`
	Usage        float64    `json:"usage"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"created_at"`
	Acknowledged bool       `json:"acknowledged"`
}
