package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// setupTestDB creates a migrated SQLite store in a temp directory.
func setupTestDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store state.TaskStore)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, state.NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestDB(t)) })
}

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return epoch }
}

func addTask(t *testing.T, c *Claimer, id string) {
	t.Helper()
	if _, err := c.AddTask(context.Background(), &models.Task{ID: id}); err != nil {
		t.Fatalf("AddTask(%s) failed: %v", id, err)
	}
}

func TestAddTask(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.TaskStore) {
		c := NewClaimer(store, WithClock(fixedClock()))
		ctx := context.Background()

		got, err := c.AddTask(ctx, &models.Task{
			Status:    models.TaskStatusClaimed,
			ClaimedBy: "sneaky",
			Tags:      []string{"b", "a", "b", " "},
		})
		if err != nil {
			t.Fatalf("AddTask failed: %v", err)
		}
		if got.ID == "" {
			t.Error("expected generated id")
		}
		if got.Status != models.TaskStatusPending || got.ClaimedBy != "" {
			t.Errorf("task not forced pending: status=%s claimedBy=%q", got.Status, got.ClaimedBy)
		}
		if len(got.Tags) != 2 || got.Tags[0] != "a" || got.Tags[1] != "b" {
			t.Errorf("tags = %v, want [a b]", got.Tags)
		}
		if !got.CreatedAt.Equal(epoch) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, epoch)
		}

		_, err = c.AddTask(ctx, &models.Task{Cost: decimal.NewFromInt(-1)})
		if !errors.Is(err, models.ErrInvalidArgument) {
			t.Errorf("negative cost err = %v, want ErrInvalidArgument", err)
		}
	})
}

func TestClaim_SingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.TaskStore) {
		registry := observability.NewRegistry()
		c := NewClaimer(store, WithHooks(observability.NewHooks(registry)))
		addTask(t, c, "t1")

		const workers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				won, err := c.Claim(context.Background(), "t1", id)
				if err != nil {
					t.Errorf("Claim(%s) error: %v", id, err)
					return
				}
				if won {
					mu.Lock()
					winners = append(winners, id)
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", i))
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("winners = %v, want exactly one", winners)
		}
		got, _ := c.Get(context.Background(), "t1")
		if got.Status != models.TaskStatusClaimed || got.ClaimedBy != winners[0] {
			t.Errorf("task = %s/%s, want claimed/%s", got.Status, got.ClaimedBy, winners[0])
		}
		if n := registry.Counter(observability.MetricTaskClaims, map[string]string{"result": "won"}); n != 1 {
			t.Errorf("won counter = %v, want 1", n)
		}
		if n := registry.Counter(observability.MetricTaskClaims, map[string]string{"result": "lost"}); n != workers-1 {
			t.Errorf("lost counter = %v, want %d", n, workers-1)
		}
	})
}

func TestClaim_TwoWorkersScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.TaskStore) {
		c := NewClaimer(store)
		addTask(t, c, "shared")

		results := make([]bool, 2)
		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = c.Claim(context.Background(), "shared", fmt.Sprintf("worker-%d", i))
			}(i)
		}
		wg.Wait()

		if results[0] == results[1] {
			t.Fatalf("results = %v, want exactly one true", results)
		}
		winner := "worker-0"
		if results[1] {
			winner = "worker-1"
		}
		got, _ := c.Get(context.Background(), "shared")
		if got.Status != models.TaskStatusClaimed || got.ClaimedBy != winner {
			t.Errorf("task = %s/%s, want claimed/%s", got.Status, got.ClaimedBy, winner)
		}
	})
}

func TestClaim_Failures(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.TaskStore) {
		c := NewClaimer(store)
		ctx := context.Background()
		addTask(t, c, "t1")

		won, err := c.Claim(ctx, "missing", "w1")
		if won || !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Claim(missing) = %v, %v; want false, ErrNotFound", won, err)
		}
		if _, err := c.Claim(ctx, "t1", ""); !errors.Is(err, models.ErrInvalidArgument) {
			t.Errorf("Claim with empty claimer err = %v, want ErrInvalidArgument", err)
		}

		if won, err := c.Claim(ctx, "t1", "w1"); !won || err != nil {
			t.Fatalf("first claim = %v, %v", won, err)
		}
		if won, err := c.Claim(ctx, "t1", "w2"); won || err != nil {
			t.Errorf("claim of claimed task = %v, %v; want false, nil", won, err)
		}
		if err := c.Complete(ctx, "t1", "w1"); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if won, err := c.Claim(ctx, "t1", "w2"); won || !errors.Is(err, models.ErrInvalidState) {
			t.Errorf("claim of completed task = %v, %v; want false, ErrInvalidState", won, err)
		}
	})
}

func TestTransitionLegality(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Claimer, ctx context.Context) // brings t1 into its starting state
		op    func(c *Claimer, ctx context.Context) error
		want  error
	}{
		{
			name: "complete pending",
			op:   func(c *Claimer, ctx context.Context) error { return c.Complete(ctx, "t1", "") },
			want: models.ErrInvalidState,
		},
		{
			name: "fail pending",
			op:   func(c *Claimer, ctx context.Context) error { return c.Fail(ctx, "t1", "", "boom") },
			want: models.ErrInvalidState,
		},
		{
			name: "release pending",
			op:   func(c *Claimer, ctx context.Context) error { return c.Release(ctx, "t1", "") },
			want: models.ErrInvalidState,
		},
		{
			name: "release completed",
			setup: func(c *Claimer, ctx context.Context) {
				c.Claim(ctx, "t1", "w1")
				c.Complete(ctx, "t1", "w1")
			},
			op:   func(c *Claimer, ctx context.Context) error { return c.Release(ctx, "t1", "w1") },
			want: models.ErrInvalidState,
		},
		{
			name: "complete failed",
			setup: func(c *Claimer, ctx context.Context) {
				c.Claim(ctx, "t1", "w1")
				c.Fail(ctx, "t1", "w1", "boom")
			},
			op:   func(c *Claimer, ctx context.Context) error { return c.Complete(ctx, "t1", "w1") },
			want: models.ErrInvalidState,
		},
		{
			name:  "release by stranger",
			setup: func(c *Claimer, ctx context.Context) { c.Claim(ctx, "t1", "w1") },
			op:    func(c *Claimer, ctx context.Context) error { return c.Release(ctx, "t1", "w2") },
			want:  models.ErrOwnershipMismatch,
		},
		{
			name:  "complete by stranger",
			setup: func(c *Claimer, ctx context.Context) { c.Claim(ctx, "t1", "w1") },
			op:    func(c *Claimer, ctx context.Context) error { return c.Complete(ctx, "t1", "w2") },
			want:  models.ErrOwnershipMismatch,
		},
		{
			name: "complete missing",
			op:   func(c *Claimer, ctx context.Context) error { return c.Complete(ctx, "nope", "") },
			want: models.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, store state.TaskStore) {
				c := NewClaimer(store)
				ctx := context.Background()
				addTask(t, c, "t1")
				if tt.setup != nil {
					tt.setup(c, ctx)
				}
				before, _ := c.Get(ctx, "t1")

				// Repeating a rejected call must not change anything either.
				for i := 0; i < 2; i++ {
					if err := tt.op(c, ctx); !errors.Is(err, tt.want) {
						t.Fatalf("attempt %d err = %v, want %v", i, err, tt.want)
					}
				}

				after, _ := c.Get(ctx, "t1")
				if after.Status != before.Status || after.ClaimedBy != before.ClaimedBy || after.Version != before.Version {
					t.Errorf("record changed: before=%+v after=%+v", before, after)
				}
			})
		})
	}
}

func TestLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.TaskStore) {
		c := NewClaimer(store, WithClock(fixedClock()))
		ctx := context.Background()
		addTask(t, c, "t1")

		if won, _ := c.Claim(ctx, "t1", "w1"); !won {
			t.Fatal("claim failed")
		}
		got, _ := c.Get(ctx, "t1")
		if got.ClaimedAt == nil || !got.ClaimedAt.Equal(epoch) {
			t.Errorf("ClaimedAt = %v, want %v", got.ClaimedAt, epoch)
		}

		if err := c.Release(ctx, "t1", "w1"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		got, _ = c.Get(ctx, "t1")
		if got.Status != models.TaskStatusPending || got.ClaimedBy != "" || got.ClaimedAt != nil {
			t.Errorf("released task = %+v", got)
		}

		c.Claim(ctx, "t1", "w2")
		if err := c.Fail(ctx, "t1", "", "disk full"); err != nil {
			t.Fatalf("Fail without claimer check failed: %v", err)
		}
		got, _ = c.Get(ctx, "t1")
		if got.Status != models.TaskStatusFailed || got.FailureReason != "disk full" {
			t.Errorf("failed task = %s/%q", got.Status, got.FailureReason)
		}
		if got.ClaimedBy != "" || got.CompletedAt == nil {
			t.Errorf("terminal task owner=%q completedAt=%v", got.ClaimedBy, got.CompletedAt)
		}

		if err := c.Delete(ctx, "t1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := c.Get(ctx, "t1"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Get after delete err = %v", err)
		}
	})
}

type fakeSpender struct {
	mu     sync.Mutex
	calls  []string
	refuse error
}

func (f *fakeSpender) Spend(_ context.Context, nodeID string, amount decimal.Decimal, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%s:%s", nodeID, amount, description))
	return f.refuse
}

func TestComplete_ChargesBudget(t *testing.T) {
	spender := &fakeSpender{}
	c := NewClaimer(state.NewMemoryStore(), WithSpender(spender))
	ctx := context.Background()

	if _, err := c.AddTask(ctx, &models.Task{ID: "t1", BudgetNodeID: "node-a", Cost: decimal.RequireFromString("3.5")}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	addTask(t, c, "free")

	c.Claim(ctx, "t1", "w1")
	if err := c.Complete(ctx, "t1", "w1"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	c.Claim(ctx, "free", "w1")
	if err := c.Complete(ctx, "free", "w1"); err != nil {
		t.Fatalf("Complete(free) failed: %v", err)
	}

	if len(spender.calls) != 1 || spender.calls[0] != "node-a:3.5:task t1 completed" {
		t.Errorf("spend calls = %v", spender.calls)
	}
}

func TestFail_RefusedSpendKeepsTransition(t *testing.T) {
	spender := &fakeSpender{refuse: models.NewError(models.ErrInsufficientBudget, "spend", "node-a", "")}
	c := NewClaimer(state.NewMemoryStore(), WithSpender(spender))
	ctx := context.Background()

	c.AddTask(ctx, &models.Task{ID: "t1", BudgetNodeID: "node-a", Cost: decimal.NewFromInt(10)})
	c.Claim(ctx, "t1", "w1")

	err := c.Fail(ctx, "t1", "w1", "timeout")
	if !errors.Is(err, models.ErrInsufficientBudget) {
		t.Fatalf("err = %v, want ErrInsufficientBudget", err)
	}
	got, _ := c.Get(ctx, "t1")
	if got.Status != models.TaskStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestReclaimExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.TaskStore) {
		clock := epoch
		c := NewClaimer(store, WithClock(func() time.Time { return clock }))
		ctx := context.Background()
		addTask(t, c, "old")
		addTask(t, c, "fresh")

		c.Claim(ctx, "old", "w1")
		clock = epoch.Add(10 * time.Minute)
		c.Claim(ctx, "fresh", "w2")

		if ids, err := c.ReclaimExpired(ctx, 0, clock); err != nil || ids != nil {
			t.Errorf("disabled sweep = %v, %v", ids, err)
		}

		ids, err := c.ReclaimExpired(ctx, 5*time.Minute, clock)
		if err != nil {
			t.Fatalf("ReclaimExpired failed: %v", err)
		}
		if len(ids) != 1 || ids[0] != "old" {
			t.Errorf("released = %v, want [old]", ids)
		}
		old, _ := c.Get(ctx, "old")
		if !old.Available() {
			t.Errorf("old task not available after sweep: %+v", old)
		}
		fresh, _ := c.Get(ctx, "fresh")
		if fresh.ClaimedBy != "w2" {
			t.Errorf("fresh task lost its claim: %+v", fresh)
		}
	})
}

func TestClaimNext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.TaskStore) {
		c := NewClaimer(store, WithClock(fixedClock()))
		ctx := context.Background()
		for i, p := range []int{1, 5, 3} {
			if _, err := c.AddTask(ctx, &models.Task{ID: fmt.Sprintf("t%d", i), Priority: p, Tags: []string{"go"}}); err != nil {
				t.Fatalf("AddTask failed: %v", err)
			}
		}

		var order []string
		for {
			task, err := c.ClaimNext(ctx, "w1", Query{Tags: []string{"go"}})
			if err != nil {
				t.Fatalf("ClaimNext failed: %v", err)
			}
			if task == nil {
				break
			}
			order = append(order, task.ID)
		}
		if strings.Join(order, ",") != "t1,t2,t0" {
			t.Errorf("claim order = %v, want [t1 t2 t0]", order)
		}
	})
}

func TestClaimer_LogsWithComponentTag(t *testing.T) {
	var buf bytes.Buffer
	c := NewClaimer(state.NewMemoryStore(), WithLogger(logging.NewWriter(&buf)))
	addTask(t, c, "t1")
	c.Claim(context.Background(), "t1", "w1")

	if !strings.Contains(buf.String(), "[CLAIM] task t1 claimed by w1") {
		t.Errorf("log output = %q", buf.String())
	}
}
