// Package tasks implements exclusive claiming and read-only queries over the
// shared task pool.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Spender records the cost of a resolved task against a budget node.
type Spender interface {
	Spend(ctx context.Context, nodeID string, amount decimal.Decimal, description string) error
}

// Option configures a Claimer.
type Option func(*Claimer)

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(c *Claimer) { c.logger = l.With("CLAIM") }
}

// WithHooks sets the instrumentation hooks.
func WithHooks(h *observability.Hooks) Option {
	return func(c *Claimer) { c.hooks = h }
}

// WithSpender charges task cost to the budget tree on complete and fail.
func WithSpender(s Spender) Option {
	return func(c *Claimer) { c.spender = s }
}

// WithClock overrides time.Now (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(c *Claimer) { c.now = now }
}

// Claimer runs the task state machine: pending -> claimed -> completed|failed,
// with claimed -> pending on release.
//
// Every transition is a single UpdateTask step on the store, so exactly one of
// several concurrent claimers of the same task wins.
type Claimer struct {
	store   state.TaskStore
	logger  *logging.DebugLogger
	hooks   *observability.Hooks
	spender Spender
	now     func() time.Time
}

// NewClaimer creates a Claimer over store.
func NewClaimer(store state.TaskStore, opts ...Option) *Claimer {
	c := &Claimer{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddTask stores a new pending task. An empty ID is replaced by a UUID and the
// ownership fields are cleared regardless of what the producer passed.
func (c *Claimer) AddTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	task := t.Clone()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Cost.IsNegative() {
		return nil, models.NewError(models.ErrInvalidArgument, "add task", task.ID, "cost must not be negative")
	}
	task.Status = models.TaskStatusPending
	task.ClaimedBy = ""
	task.ClaimedAt = nil
	task.CompletedAt = nil
	task.FailureReason = ""
	task.Tags = models.NormalizeTags(task.Tags)
	if task.CreatedAt.IsZero() {
		task.CreatedAt = c.now().UTC()
	}

	if err := c.store.CreateTask(ctx, &task); err != nil {
		return nil, err
	}
	c.logger.Log("task %s added (priority=%d tags=%v)", task.ID, task.Priority, task.Tags)
	return &task, nil
}

// Get returns a task by id.
func (c *Claimer) Get(ctx context.Context, id string) (*models.Task, error) {
	return c.store.GetTask(ctx, id)
}

// Delete removes a task regardless of its status.
func (c *Claimer) Delete(ctx context.Context, id string) error {
	if err := c.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.logger.Log("task %s deleted", id)
	return nil
}

// SpendError reports a task that resolved but whose cost was refused by the
// budget tree. The transition itself was stored.
type SpendError struct {
	TaskID string
	NodeID string
	Err    error
}

func (e *SpendError) Error() string {
	return fmt.Sprintf("record spend for task %s on %s: %v", e.TaskID, e.NodeID, e.Err)
}

func (e *SpendError) Unwrap() error { return e.Err }

// errLost marks a claim that found the task already taken.
var errLost = errors.New("claim lost")

// Claim takes exclusive ownership of a pending task.
//
// Losing to another claimer is reported as (false, nil). A missing task is
// (false, ErrNotFound) and a task already completed or failed is
// (false, ErrInvalidState). Neither outcome mutates the record.
func (c *Claimer) Claim(ctx context.Context, taskID, claimerID string) (bool, error) {
	if claimerID == "" {
		return false, models.NewError(models.ErrInvalidArgument, "claim", taskID, "claimer id is required")
	}

	now := c.now().UTC()
	_, err := c.store.UpdateTask(ctx, taskID, func(t *models.Task) error {
		if t.Status.Terminal() {
			return models.Errorf(models.ErrInvalidState, "claim", taskID, "task is %s", t.Status)
		}
		if !t.Available() {
			return errLost
		}
		t.Status = models.TaskStatusClaimed
		t.ClaimedBy = claimerID
		t.ClaimedAt = &now
		return nil
	})
	switch {
	case err == nil:
		c.hooks.ClaimResult("won")
		c.hooks.Transition(string(models.TaskStatusClaimed))
		c.logger.Log("task %s claimed by %s", taskID, claimerID)
		return true, nil
	case errors.Is(err, errLost):
		c.hooks.ClaimResult("lost")
		return false, nil
	default:
		c.hooks.ClaimResult("error")
		return false, err
	}
}

// ClaimNext claims the first task matching q in priority order. It returns
// nil when every candidate is taken.
func (c *Claimer) ClaimNext(ctx context.Context, claimerID string, q Query) (*models.Task, error) {
	q.AvailableOnly = true
	candidates, err := NewFilter(c.store).Query(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		won, err := c.Claim(ctx, t.ID, claimerID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidState) {
				continue
			}
			return nil, err
		}
		if won {
			return c.store.GetTask(ctx, t.ID)
		}
	}
	return nil, nil
}

// Release returns a claimed task to the pool. A non-empty claimerID must match
// the current owner.
func (c *Claimer) Release(ctx context.Context, taskID, claimerID string) error {
	_, err := c.transition(ctx, "release", taskID, claimerID, models.TaskStatusPending, "")
	return err
}

// Complete marks a claimed task completed and charges its cost.
func (c *Claimer) Complete(ctx context.Context, taskID, claimerID string) error {
	t, err := c.transition(ctx, "complete", taskID, claimerID, models.TaskStatusCompleted, "")
	if err != nil {
		return err
	}
	return c.charge(ctx, t)
}

// Fail marks a claimed task failed, recording reason, and charges its cost.
func (c *Claimer) Fail(ctx context.Context, taskID, claimerID, reason string) error {
	t, err := c.transition(ctx, "fail", taskID, claimerID, models.TaskStatusFailed, reason)
	if err != nil {
		return err
	}
	return c.charge(ctx, t)
}

func (c *Claimer) transition(ctx context.Context, op, taskID, claimerID string, to models.TaskStatus, reason string) (*models.Task, error) {
	now := c.now().UTC()
	updated, err := c.store.UpdateTask(ctx, taskID, func(t *models.Task) error {
		if t.Status != models.TaskStatusClaimed {
			return models.Errorf(models.ErrInvalidState, op, taskID, "task is %s, not claimed", t.Status)
		}
		if claimerID != "" && t.ClaimedBy != claimerID {
			return models.Errorf(models.ErrOwnershipMismatch, op, taskID, "claimed by %s, not %s", t.ClaimedBy, claimerID)
		}
		t.Status = to
		t.ClaimedBy = ""
		t.ClaimedAt = nil
		if to.Terminal() {
			t.CompletedAt = &now
			t.FailureReason = reason
		}
		return nil
	})
	if err != nil {
		c.logger.Log("%s %s rejected: %v", op, taskID, err)
		return nil, err
	}
	c.hooks.Transition(string(to))
	c.logger.Log("task %s -> %s", taskID, to)
	return updated, nil
}

// charge records a resolved task's cost. The transition has already been
// stored, so a refused spend is returned without undoing it.
func (c *Claimer) charge(ctx context.Context, t *models.Task) error {
	if c.spender == nil || t.BudgetNodeID == "" || !t.Cost.IsPositive() {
		return nil
	}
	desc := fmt.Sprintf("task %s %s", t.ID, t.Status)
	if err := c.spender.Spend(ctx, t.BudgetNodeID, t.Cost, desc); err != nil {
		c.logger.Log("spend for task %s on %s refused: %v", t.ID, t.BudgetNodeID, err)
		return &SpendError{TaskID: t.ID, NodeID: t.BudgetNodeID, Err: err}
	}
	return nil
}

// ReclaimExpired releases claims older than ttl. It returns the released task
// ids. A ttl of zero or less disables the sweep.
func (c *Claimer) ReclaimExpired(ctx context.Context, ttl time.Duration, now time.Time) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	all, err := c.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	var released []string
	for _, t := range all {
		if t.Status != models.TaskStatusClaimed || t.ClaimedAt == nil || now.Sub(*t.ClaimedAt) < ttl {
			continue
		}
		owner, claimedAt := t.ClaimedBy, *t.ClaimedAt
		_, err := c.store.UpdateTask(ctx, t.ID, func(cur *models.Task) error {
			// The claim may have changed hands since the listing.
			if cur.Status != models.TaskStatusClaimed || cur.ClaimedBy != owner ||
				cur.ClaimedAt == nil || !cur.ClaimedAt.Equal(claimedAt) {
				return errLost
			}
			cur.Status = models.TaskStatusPending
			cur.ClaimedBy = ""
			cur.ClaimedAt = nil
			return nil
		})
		if errors.Is(err, errLost) || errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return released, err
		}
		c.hooks.Transition(string(models.TaskStatusPending))
		c.logger.Log("lease on task %s held by %s expired, released", t.ID, owner)
		released = append(released, t.ID)
	}
	return released, nil
}
