package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/ShayCichocki/foreman/internal/logging"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

func newTestOrchestrator(store state.StateStore, opts ...Option) *Orchestrator {
	tree := NewBudgetTree(store, WithBudgetClock(fixedClock()))
	reg := NewHierarchyRegistry(store, WithRegistryClock(fixedClock()))
	return New(tree, reg, opts...)
}

func TestOrchestrator_BootstrapAndSpawn(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		o := newTestOrchestrator(store)
		ctx := context.Background()

		boot, err := o.Bootstrap(ctx, "launch", d("100"))
		if err != nil {
			t.Fatalf("Bootstrap failed: %v", err)
		}
		if boot.Master.BudgetNodeID != boot.Root.ID || boot.Master.Type != models.CoordinatorMaster {
			t.Errorf("master = %+v", boot.Master)
		}

		assigned, err := o.Spawn(ctx, []models.SubProject{
			{Title: "api", BudgetRequest: d("60"), Priority: 2},
			{Title: "ui", BudgetRequest: d("30")},
		})
		if err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
		if len(assigned) != 2 {
			t.Fatalf("assignments = %d, want 2", len(assigned))
		}

		for _, a := range assigned {
			c, err := o.Registry().Get(ctx, a.CoordinatorID)
			if err != nil {
				t.Fatalf("Get(%s): %v", a.CoordinatorID, err)
			}
			if c.ParentID != boot.Master.ID || c.BudgetNodeID != a.BudgetNodeID || c.Type != models.CoordinatorSub {
				t.Errorf("sub coordinator = %+v", c)
			}
			n, err := o.Budget().Node(ctx, a.BudgetNodeID)
			if err != nil {
				t.Fatalf("Node(%s): %v", a.BudgetNodeID, err)
			}
			if !n.TotalBudget.Equal(a.SubProject.BudgetRequest) || n.ParentID != boot.Root.ID {
				t.Errorf("budget node = %+v", n)
			}
			chain, err := o.Registry().Chain(ctx, a.CoordinatorID)
			if err != nil || !equalStrings(chain.Levels, []string{boot.Master.ID}) {
				t.Errorf("default chain = %+v, %v", chain, err)
			}
		}
	})
}

func TestOrchestrator_SpawnOverBudgetIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		o := newTestOrchestrator(store)
		ctx := context.Background()
		boot, err := o.Bootstrap(ctx, "p", d("100"))
		if err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}

		_, err = o.Spawn(ctx, []models.SubProject{
			{Title: "a", BudgetRequest: d("70")},
			{Title: "b", BudgetRequest: d("40")},
		})
		if !errors.Is(err, models.ErrInsufficientBudget) {
			t.Fatalf("expected ErrInsufficientBudget, got %v", err)
		}
		kids, _ := o.Registry().Children(ctx, boot.Master.ID)
		nodes, _ := o.Budget().Children(ctx, boot.Root.ID)
		if len(kids) != 0 || len(nodes) != 0 {
			t.Errorf("refused spawn left %d coordinators and %d nodes", len(kids), len(nodes))
		}
	})
}

func TestOrchestrator_SpawnValidation(t *testing.T) {
	tests := []struct {
		name string
		defs []models.SubProject
	}{
		{"empty", nil},
		{"no title", []models.SubProject{{BudgetRequest: d("1")}}},
		{"zero request", []models.SubProject{{Title: "x"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOrchestrator(state.NewMemoryStore())
			o.Bootstrap(context.Background(), "p", d("10"))
			if _, err := o.Spawn(context.Background(), tc.defs); !errors.Is(err, models.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	o := newTestOrchestrator(state.NewMemoryStore())
	if _, err := o.Spawn(context.Background(), []models.SubProject{{Title: "x", BudgetRequest: d("1")}}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("spawn before bootstrap: expected ErrNotFound, got %v", err)
	}
}

func TestOrchestrator_WeightedProgress(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		o := newTestOrchestrator(store)
		ctx := context.Background()
		if _, err := o.Bootstrap(ctx, "p", d("100")); err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}

		got, err := o.Progress(ctx)
		if err != nil || got != 0 {
			t.Errorf("progress with no sub-projects = %v, %v", got, err)
		}

		assigned, err := o.Spawn(ctx, []models.SubProject{
			{Title: "big", BudgetRequest: d("60")},
			{Title: "small", BudgetRequest: d("20")},
			{Title: "done", BudgetRequest: d("20")},
		})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		if _, err := o.UpdateProgress(ctx, assigned[0].CoordinatorID, 0.5); err != nil {
			t.Fatalf("UpdateProgress: %v", err)
		}
		if _, err := o.UpdateProgress(ctx, assigned[1].CoordinatorID, 0.25); err != nil {
			t.Fatalf("UpdateProgress: %v", err)
		}
		if _, err := o.Registry().UpdateStatus(ctx, assigned[2].CoordinatorID, models.CoordinatorCompleted); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}

		// (60*0.5 + 20*0.25 + 20*1) / 100
		got, err = o.Progress(ctx)
		if err != nil {
			t.Fatalf("Progress: %v", err)
		}
		if math.Abs(got-0.55) > 1e-9 {
			t.Errorf("progress = %v, want 0.55", got)
		}

		st, err := o.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if math.Abs(st.Progress-0.55) > 1e-9 || st.Rollup.Total != 4 || len(st.SubProjects) != 3 {
			t.Errorf("status = %+v", st)
		}
		if !st.Budget.TotalBudget.Equal(d("100")) || st.Budget.NodeCount != 4 {
			t.Errorf("status budget = %+v", st.Budget)
		}
	})
}

func TestOrchestrator_SpendCreditsCoordinator(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		emitter := NewEventEmitter(16, nil)
		o := newTestOrchestrator(store, WithEvents(emitter))
		ctx := context.Background()
		o.Bootstrap(ctx, "p", d("100"))
		assigned, err := o.Spawn(ctx, []models.SubProject{{Title: "a", BudgetRequest: d("40")}})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}

		if err := o.Spend(ctx, assigned[0].BudgetNodeID, d("12.5"), "task t1 completed"); err != nil {
			t.Fatalf("Spend: %v", err)
		}
		c, _ := o.Registry().Get(ctx, assigned[0].CoordinatorID)
		if !c.BudgetUsed.Equal(d("12.5")) {
			t.Errorf("coordinator budget used = %s, want 12.5", c.BudgetUsed)
		}

		emitter.Close()
		var types []EventType
		for ev := range emitter.Events() {
			types = append(types, ev.Type)
		}
		if len(types) != 2 || types[0] != EventCoordinatorSpawned || types[1] != EventBudgetSpent {
			t.Errorf("events = %v", types)
		}
	})
}

func TestOrchestrator_CriticalAlertEscalates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		var buf bytes.Buffer
		emitter := NewEventEmitter(16, nil)
		o := newTestOrchestrator(store, WithEvents(emitter), WithLogger(logging.NewWriter(&buf)))
		ctx := context.Background()
		boot, _ := o.Bootstrap(ctx, "p", d("100"))
		assigned, err := o.Spawn(ctx, []models.SubProject{{Title: "a", BudgetRequest: d("40")}})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		sub := assigned[0]

		// 32/40 is a warning; it is published but not escalated.
		if err := o.Spend(ctx, sub.BudgetNodeID, d("32"), "x"); err != nil {
			t.Fatalf("Spend: %v", err)
		}
		if q, _ := o.Registry().EscalationQueue(ctx, boot.Master.ID, false); len(q) != 0 {
			t.Fatalf("warning escalated: %+v", q)
		}

		// 39/40 is critical and lands in the master's queue.
		if err := o.Spend(ctx, sub.BudgetNodeID, d("7"), "x"); err != nil {
			t.Fatalf("Spend: %v", err)
		}
		q, err := o.Registry().EscalationQueue(ctx, boot.Master.ID, false)
		if err != nil || len(q) != 1 || q[0].From != sub.CoordinatorID {
			t.Fatalf("master queue = %+v, %v", q, err)
		}

		// The chain has one level, so a second critical alert has nowhere to go.
		if err := o.Spend(ctx, sub.BudgetNodeID, d("0.5"), "x"); err != nil {
			t.Fatalf("Spend: %v", err)
		}
		if h, _ := o.Registry().EscalationHistory(ctx, sub.CoordinatorID); len(h) != 1 {
			t.Errorf("history = %+v, want 1 record", h)
		}

		emitter.Close()
		seen := map[EventType]int{}
		for ev := range emitter.Events() {
			seen[ev.Type]++
		}
		if seen[EventBudgetAlert] != 3 || seen[EventEscalationRouted] != 1 || seen[EventEscalationExhausted] != 1 {
			t.Errorf("events = %v", seen)
		}
		if !strings.Contains(buf.String(), "[ORCHESTRATOR]") {
			t.Errorf("log missing component tag: %q", buf.String())
		}
	})
}

func TestOrchestrator_CriticalEscalationDisabled(t *testing.T) {
	o := newTestOrchestrator(state.NewMemoryStore(), WithCriticalEscalation(false))
	ctx := context.Background()
	boot, _ := o.Bootstrap(ctx, "p", d("10"))
	assigned, _ := o.Spawn(ctx, []models.SubProject{{Title: "a", BudgetRequest: d("10")}})
	if err := o.Spend(ctx, assigned[0].BudgetNodeID, d("10"), "x"); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if q, _ := o.Registry().EscalationQueue(ctx, boot.Master.ID, false); len(q) != 0 {
		t.Errorf("escalated with routing disabled: %+v", q)
	}
}

func TestOrchestrator_ReallocateMovesProgressWeight(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		o := newTestOrchestrator(store)
		ctx := context.Background()
		if _, err := o.Bootstrap(ctx, "p", d("100")); err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}
		assigned, err := o.Spawn(ctx, []models.SubProject{
			{Title: "a", BudgetRequest: d("40")},
			{Title: "b", BudgetRequest: d("40")},
		})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		a, b := assigned[0], assigned[1]

		if err := o.Reallocate(ctx, a.BudgetNodeID, b.BudgetNodeID, d("30")); err != nil {
			t.Fatalf("Reallocate: %v", err)
		}
		for _, tc := range []struct {
			id   string
			want string
		}{{a.CoordinatorID, "10"}, {b.CoordinatorID, "70"}} {
			c, err := o.Registry().Get(ctx, tc.id)
			if err != nil {
				t.Fatalf("Get(%s): %v", tc.id, err)
			}
			if !c.BudgetAllocated.Equal(d(tc.want)) {
				t.Errorf("%s allocated = %s, want %s", tc.id, c.BudgetAllocated, tc.want)
			}
		}

		if _, err := o.UpdateProgress(ctx, a.CoordinatorID, 1); err != nil {
			t.Fatalf("UpdateProgress: %v", err)
		}
		got, err := o.Progress(ctx)
		if err != nil {
			t.Fatalf("Progress: %v", err)
		}
		if math.Abs(got-0.125) > 1e-9 {
			t.Errorf("Progress() = %v, want 0.125", got)
		}
	})
}

func TestOrchestrator_ReallocateRefusedLeavesAllocations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		o := newTestOrchestrator(store)
		ctx := context.Background()
		if _, err := o.Bootstrap(ctx, "p", d("100")); err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}
		assigned, err := o.Spawn(ctx, []models.SubProject{
			{Title: "a", BudgetRequest: d("40")},
			{Title: "b", BudgetRequest: d("40")},
		})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		err = o.Reallocate(ctx, assigned[0].BudgetNodeID, assigned[1].BudgetNodeID, d("50"))
		if !errors.Is(err, models.ErrInsufficientBudget) {
			t.Fatalf("Reallocate error = %v, want insufficient budget", err)
		}
		c, err := o.Registry().Get(ctx, assigned[0].CoordinatorID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !c.BudgetAllocated.Equal(d("40")) {
			t.Errorf("allocated = %s after refused move, want 40", c.BudgetAllocated)
		}
	})
}

// refuseCoordinatorStore fails registration of one named coordinator.
type refuseCoordinatorStore struct {
	state.StateStore
	name string
}

func (s *refuseCoordinatorStore) CreateCoordinator(ctx context.Context, c *models.Coordinator) error {
	if c.Name == s.name {
		return errors.New("disk full")
	}
	return s.StateStore.CreateCoordinator(ctx, c)
}

func TestOrchestrator_SpawnSuspendsUnboundNodes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		o := newTestOrchestrator(&refuseCoordinatorStore{StateStore: store, name: "b"})
		ctx := context.Background()
		boot, err := o.Bootstrap(ctx, "p", d("100"))
		if err != nil {
			t.Fatalf("Bootstrap: %v", err)
		}

		assigned, err := o.Spawn(ctx, []models.SubProject{
			{Title: "a", BudgetRequest: d("20")},
			{Title: "b", BudgetRequest: d("20")},
			{Title: "c", BudgetRequest: d("20")},
		})
		if err == nil {
			t.Fatal("Spawn succeeded despite a failed registration")
		}
		if len(assigned) != 1 || assigned[0].SubProject.Title != "a" {
			t.Fatalf("assignments = %+v, want only a", assigned)
		}

		kids, err := o.Budget().Children(ctx, boot.Root.ID)
		if err != nil {
			t.Fatalf("Children: %v", err)
		}
		if len(kids) != 3 {
			t.Fatalf("funded %d nodes, want 3", len(kids))
		}
		for _, n := range kids {
			want := models.BudgetStatusSuspended
			if n.ID == assigned[0].BudgetNodeID {
				want = models.BudgetStatusActive
			}
			if n.Status != want {
				t.Errorf("node %s (%s) status = %s, want %s", n.ID, n.Name, n.Status, want)
			}
		}
	})
}
