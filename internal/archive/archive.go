// Package archive exports point-in-time snapshots of the coordination state.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Snapshot is everything needed to audit a run after the fact.
type Snapshot struct {
	TakenAt      time.Time                            `json:"taken_at"`
	BudgetNodes  []models.BudgetNode                  `json:"budget_nodes"`
	Transactions []models.Transaction                 `json:"transactions"`
	Alerts       []models.Alert                       `json:"alerts"`
	Coordinators []models.Coordinator                 `json:"coordinators"`
	Escalations  map[string][]models.EscalationRecord `json:"escalations"`
	Tasks        []models.Task                        `json:"tasks"`
}

// Collect reads a snapshot from store.
func Collect(ctx context.Context, store state.StateStore, now time.Time) (*Snapshot, error) {
	s := &Snapshot{TakenAt: now.UTC(), Escalations: make(map[string][]models.EscalationRecord)}
	var err error
	if s.BudgetNodes, err = store.ListBudgetNodes(ctx); err != nil {
		return nil, fmt.Errorf("budget nodes: %w", err)
	}
	if s.Transactions, err = store.ListTransactions(ctx, ""); err != nil {
		return nil, fmt.Errorf("transactions: %w", err)
	}
	if s.Alerts, err = store.ListAlerts(ctx, "", true); err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	if s.Coordinators, err = store.ListCoordinators(ctx); err != nil {
		return nil, fmt.Errorf("coordinators: %w", err)
	}
	for _, c := range s.Coordinators {
		h, err := store.EscalationHistory(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("escalation history of %s: %w", c.ID, err)
		}
		if len(h) > 0 {
			s.Escalations[c.ID] = h
		}
	}
	if s.Tasks, err = store.ListTasks(ctx); err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	return s, nil
}

// ObjectName is the key a snapshot is stored under.
func ObjectName(prefix string, takenAt time.Time) string {
	return path.Join(prefix, "snapshot-"+takenAt.UTC().Format("20060102T150405Z")+".json")
}

// Sink stores an encoded snapshot and returns where it went.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// Export collects a snapshot and writes it to sink under prefix.
func Export(ctx context.Context, store state.StateStore, sink Sink, prefix string, now time.Time) (string, error) {
	snap, err := Collect(ctx, store, now)
	if err != nil {
		return "", fmt.Errorf("collect snapshot: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	loc, err := sink.Put(ctx, ObjectName(prefix, snap.TakenAt), data)
	if err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	return loc, nil
}
