package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting to be claimed.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusClaimed indicates a worker holds the task exclusively.
	TaskStatusClaimed TaskStatus = "claimed"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusClaimed, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses no transition leaves.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ParseTaskStatus converts text into a TaskStatus, rejecting unknown values.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", NewError(ErrInvalidArgument, "parse task status", "", fmt.Sprintf("unknown status %q", s))
	}
	return status, nil
}

// Task represents a unit of work in the shared pool.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// ClaimedBy is the owner id while the task is claimed.
	ClaimedBy string `json:"claimed_by,omitempty"`
	// ClaimedAt is when the current claim was taken.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	// Priority orders tasks; higher runs first.
	Priority int `json:"priority"`
	// Tags is a sorted set of labels.
	Tags []string `json:"tags,omitempty"`
	// Payload is opaque producer data.
	Payload json.RawMessage `json:"payload,omitempty"`
	// BudgetNodeID is the cost center charged when the task resolves.
	BudgetNodeID string `json:"budget_node_id,omitempty"`
	// Cost is the amount charged to BudgetNodeID on resolution.
	Cost decimal.Decimal `json:"cost"`
	// FailureReason is recorded by a fail transition.
	FailureReason string `json:"failure_reason,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Version increments on every stored mutation.
	Version int64 `json:"version"`
}

// HasTag reports whether the task carries tag.
func (t *Task) HasTag(tag string) bool {
	i := sort.SearchStrings(t.Tags, tag)
	return i < len(t.Tags) && t.Tags[i] == tag
}

// Available reports whether the task can be claimed right now.
func (t *Task) Available() bool {
	return t.Status == TaskStatusPending && t.ClaimedBy == ""
}

// Clone returns a deep copy so callers never share slices with the store.
func (t Task) Clone() Task {
	c := t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		c.ClaimedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// NormalizeTags trims, dedupes and sorts tags into set form.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
