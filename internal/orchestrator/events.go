package orchestrator

import (
	"time"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventCoordinatorSpawned indicates a sub-project coordinator was created.
	EventCoordinatorSpawned EventType = "coordinator_spawned"
	// EventProgressUpdated indicates a coordinator reported progress.
	EventProgressUpdated EventType = "progress_updated"
	// EventBudgetSpent indicates spend was recorded through the orchestrator.
	EventBudgetSpent EventType = "budget_spent"
	// EventBudgetAlert indicates a threshold alert was raised.
	EventBudgetAlert EventType = "budget_alert"
	// EventEscalationRouted indicates an issue reached the next level.
	EventEscalationRouted EventType = "escalation_routed"
	// EventEscalationExhausted indicates an issue had nowhere left to go.
	EventEscalationExhausted EventType = "escalation_exhausted"
)

// Event is emitted by the Orchestrator to subscribers such as the worker daemon.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// CoordinatorID is the related coordinator, if any.
	CoordinatorID string
	// NodeID is the related budget node, if any.
	NodeID string
	// Target is the escalation target for routed escalations.
	Target string
	// Level is the alert level for budget alerts.
	Level models.AlertLevel
	// Progress is the fraction for progress events.
	Progress float64
	// Message provides additional context about the event.
	Message string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
