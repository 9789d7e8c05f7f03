package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/internal/observability"
	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

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

func forEachBackend(t *testing.T, fn func(t *testing.T, store state.StateStore)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) { fn(t, state.NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestDB(t)) })
}

var epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return epoch }
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustRoot(t *testing.T, tree *BudgetTree, total string) *models.BudgetNode {
	t.Helper()
	root, err := tree.CreateRoot(context.Background(), "root", d(total))
	if err != nil {
		t.Fatalf("CreateRoot failed: %v", err)
	}
	return root
}

func mustChild(t *testing.T, tree *BudgetTree, parentID, name, amount string) *models.BudgetNode {
	t.Helper()
	child, err := tree.CreateChild(context.Background(), parentID, name, d(amount), 0, 0)
	if err != nil {
		t.Fatalf("CreateChild(%s) failed: %v", name, err)
	}
	return child
}

func mustNode(t *testing.T, tree *BudgetTree, id string) *models.BudgetNode {
	t.Helper()
	n, err := tree.Node(context.Background(), id)
	if err != nil {
		t.Fatalf("Node(%s) failed: %v", id, err)
	}
	return n
}

func TestBudgetTree_Scenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		tree := NewBudgetTree(store, WithBudgetClock(fixedClock()))
		ctx := context.Background()

		root := mustRoot(t, tree, "100")
		a := mustChild(t, tree, root.ID, "A", "40")
		mustChild(t, tree, root.ID, "B", "40")

		_, err := tree.CreateChild(ctx, root.ID, "C", d("30"), 0, 0)
		if !errors.Is(err, models.ErrInsufficientBudget) {
			t.Fatalf("third child: expected ErrInsufficientBudget, got %v", err)
		}
		if got := mustNode(t, tree, root.ID).Unallocated(); !got.Equal(d("20")) {
			t.Errorf("root unallocated = %s, want 20", got)
		}

		res, err := tree.Charge(ctx, a.ID, d("33"), "work")
		if err != nil {
			t.Fatalf("spend 33: %v", err)
		}
		if res.Alert == nil || res.Alert.Level != models.AlertWarning {
			t.Fatalf("expected warning alert, got %+v", res.Alert)
		}
		if !res.Node.UsedBudget.Equal(d("33")) || res.Node.Status != models.BudgetStatusActive {
			t.Errorf("node after spend = %+v", res.Node)
		}

		alerts, err := tree.Alerts(ctx, a.ID, false)
		if err != nil {
			t.Fatalf("Alerts failed: %v", err)
		}
		if len(alerts) != 1 || alerts[0].Level != models.AlertWarning {
			t.Errorf("alerts = %+v, want one warning", alerts)
		}
	})
}

func TestBudgetTree_CreateRoot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		tree := NewBudgetTree(store)
		ctx := context.Background()

		if _, err := tree.CreateRoot(ctx, "zero", decimal.Zero); !errors.Is(err, models.ErrInvalidArgument) {
			t.Errorf("zero total: expected ErrInvalidArgument, got %v", err)
		}
		root := mustRoot(t, tree, "10")
		if _, err := tree.CreateRoot(ctx, "again", d("5")); !errors.Is(err, models.ErrDuplicateRoot) {
			t.Errorf("second root: expected ErrDuplicateRoot, got %v", err)
		}
		got, err := tree.Root(ctx)
		if err != nil {
			t.Fatalf("Root failed: %v", err)
		}
		if got.ID != root.ID {
			t.Errorf("Root = %s, want %s", got.ID, root.ID)
		}
	})
}

func TestBudgetTree_CreateChildrenAllOrNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		tree := NewBudgetTree(store)
		ctx := context.Background()
		root := mustRoot(t, tree, "100")

		_, err := tree.CreateChildren(ctx, root.ID, []ChildSpec{
			{Name: "x", Amount: d("60")},
			{Name: "y", Amount: d("50")},
		})
		if !errors.Is(err, models.ErrInsufficientBudget) {
			t.Fatalf("expected ErrInsufficientBudget, got %v", err)
		}
		if kids, _ := tree.Children(ctx, root.ID); len(kids) != 0 {
			t.Errorf("children after refused batch = %d, want 0", len(kids))
		}
		if got := mustNode(t, tree, root.ID).AllocatedBudget; !got.IsZero() {
			t.Errorf("allocated after refused batch = %s, want 0", got)
		}

		nodes, err := tree.CreateChildren(ctx, root.ID, []ChildSpec{
			{Name: "x", Amount: d("60")},
			{Name: "y", Amount: d("40"), WarningThreshold: 0.5, CriticalThreshold: 0.9},
		})
		if err != nil {
			t.Fatalf("CreateChildren failed: %v", err)
		}
		if nodes[0].WarningThreshold != models.DefaultWarningThreshold || nodes[1].WarningThreshold != 0.5 {
			t.Errorf("thresholds = %v, %v", nodes[0].WarningThreshold, nodes[1].WarningThreshold)
		}
		kids, err := tree.Children(ctx, root.ID)
		if err != nil {
			t.Fatalf("Children failed: %v", err)
		}
		if len(kids) != 2 || kids[0].ID != nodes[0].ID || kids[1].ID != nodes[1].ID {
			t.Errorf("children = %+v", kids)
		}
		if got := mustNode(t, tree, root.ID).Unallocated(); !got.IsZero() {
			t.Errorf("unallocated = %s, want 0", got)
		}

		txns, err := tree.Transactions(ctx, nodes[0].ID)
		if err != nil {
			t.Fatalf("Transactions failed: %v", err)
		}
		if len(txns) != 1 || txns[0].Type != models.TransactionAllocation || !txns[0].Amount.Equal(d("60")) {
			t.Errorf("allocation ledger = %+v", txns)
		}
	})
}

func TestBudgetTree_CreateChildErrors(t *testing.T) {
	tests := []struct {
		name     string
		parent   string
		amount   string
		warning  float64
		critical float64
		wantErr  error
	}{
		{"missing parent", "nope", "10", 0, 0, models.ErrNotFound},
		{"zero amount", "", "0", 0, 0, models.ErrInvalidArgument},
		{"negative amount", "", "-1", 0, 0, models.ErrInvalidArgument},
		{"warning above critical", "", "10", 0.9, 0.5, models.ErrInvalidArgument},
		{"critical above one", "", "10", 0.5, 1.5, models.ErrInvalidArgument},
		{"over unallocated", "", "100.01", 0, 0, models.ErrInsufficientBudget},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tree := NewBudgetTree(state.NewMemoryStore())
			root := mustRoot(t, tree, "100")
			parent := tc.parent
			if parent == "" {
				parent = root.ID
			}
			_, err := tree.CreateChild(context.Background(), parent, "c", d(tc.amount), tc.warning, tc.critical)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBudgetTree_SpendErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, tree *BudgetTree, id string)
		node    string
		amount  string
		wantErr error
	}{
		{"missing node", nil, "nope", "1", models.ErrNotFound},
		{"zero amount", nil, "", "0", models.ErrInvalidArgument},
		{"over available", nil, "", "10.01", models.ErrInsufficientBudget},
		{"suspended", func(t *testing.T, tree *BudgetTree, id string) {
			if _, err := tree.Suspend(context.Background(), id); err != nil {
				t.Fatalf("Suspend failed: %v", err)
			}
		}, "", "1", models.ErrInvalidState},
		{"exhausted", func(t *testing.T, tree *BudgetTree, id string) {
			if err := tree.Spend(context.Background(), id, d("10"), "all"); err != nil {
				t.Fatalf("spend all: %v", err)
			}
		}, "", "1", models.ErrInvalidState},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tree := NewBudgetTree(state.NewMemoryStore())
			root := mustRoot(t, tree, "10")
			if tc.setup != nil {
				tc.setup(t, tree, root.ID)
			}
			id := tc.node
			if id == "" {
				id = root.ID
			}
			before := mustNode(t, tree, root.ID)

			err := tree.Spend(context.Background(), id, d(tc.amount), "x")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if after := mustNode(t, tree, root.ID); !after.UsedBudget.Equal(before.UsedBudget) {
				t.Errorf("refused spend changed used from %s to %s", before.UsedBudget, after.UsedBudget)
			}
		})
	}
}

func TestBudgetTree_ThresholdAlerts(t *testing.T) {
	tests := []struct {
		name   string
		spends []string
		want   []models.AlertLevel // one entry per spend, "" for none
	}{
		{"below warning", []string{"79"}, []models.AlertLevel{""}},
		{"exactly warning", []string{"80"}, []models.AlertLevel{models.AlertWarning}},
		{"critical wins", []string{"96"}, []models.AlertLevel{models.AlertCritical}},
		{"warning then critical", []string{"81", "14"}, []models.AlertLevel{models.AlertWarning, models.AlertCritical}},
		{"exhausting spend is critical", []string{"100"}, []models.AlertLevel{models.AlertCritical}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tree := NewBudgetTree(state.NewMemoryStore())
			root := mustRoot(t, tree, "100")
			for i, amt := range tc.spends {
				res, err := tree.Charge(context.Background(), root.ID, d(amt), "x")
				if err != nil {
					t.Fatalf("spend %s: %v", amt, err)
				}
				var got models.AlertLevel
				if res.Alert != nil {
					got = res.Alert.Level
				}
				if got != tc.want[i] {
					t.Errorf("spend %d (%s): alert %q, want %q", i, amt, got, tc.want[i])
				}
			}
		})
	}
}

func TestBudgetTree_ConcurrentSpendNoOverspend(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		tree := NewBudgetTree(store)
		root := mustRoot(t, tree, "100")

		const workers = 50
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := tree.Spend(context.Background(), root.ID, d("3"), "burst")
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				if !errors.Is(err, models.ErrInsufficientBudget) && !errors.Is(err, models.ErrInvalidState) {
					t.Errorf("unexpected spend error: %v", err)
				}
			}()
		}
		wg.Wait()

		n := mustNode(t, tree, root.ID)
		if n.UsedBudget.GreaterThan(n.TotalBudget) {
			t.Fatalf("overspent: used %s of %s", n.UsedBudget, n.TotalBudget)
		}
		if wins != 33 {
			t.Errorf("successful spends = %d, want 33", wins)
		}
		if !n.UsedBudget.Equal(decimal.NewFromInt(int64(wins * 3))) {
			t.Errorf("used = %s, want %d", n.UsedBudget, wins*3)
		}
		txns, _ := tree.Transactions(context.Background(), root.ID)
		if len(txns) != wins {
			t.Errorf("expense entries = %d, want %d", len(txns), wins)
		}
	})
}

func TestBudgetTree_Reallocate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		tree := NewBudgetTree(store)
		ctx := context.Background()
		root := mustRoot(t, tree, "100")
		a := mustChild(t, tree, root.ID, "A", "40")
		b := mustChild(t, tree, root.ID, "B", "40")
		if err := tree.Spend(ctx, a.ID, d("10"), "x"); err != nil {
			t.Fatalf("spend: %v", err)
		}

		if err := tree.Reallocate(ctx, a.ID, b.ID, d("20")); err != nil {
			t.Fatalf("Reallocate failed: %v", err)
		}
		if got := mustNode(t, tree, a.ID).TotalBudget; !got.Equal(d("20")) {
			t.Errorf("donor total = %s, want 20", got)
		}
		if got := mustNode(t, tree, b.ID).TotalBudget; !got.Equal(d("60")) {
			t.Errorf("recipient total = %s, want 60", got)
		}
		if got := mustNode(t, tree, root.ID).AllocatedBudget; !got.Equal(d("80")) {
			t.Errorf("parent allocated = %s, want 80", got)
		}

		txns, err := tree.Transactions(ctx, a.ID)
		if err != nil {
			t.Fatalf("Transactions failed: %v", err)
		}
		last := txns[len(txns)-1]
		if last.Type != models.TransactionReallocation || !last.Amount.Equal(d("-20")) {
			t.Errorf("donor ledger entry = %+v", last)
		}
	})
}

func TestBudgetTree_ReallocateErrors(t *testing.T) {
	tree := NewBudgetTree(state.NewMemoryStore())
	ctx := context.Background()
	root := mustRoot(t, tree, "100")
	a := mustChild(t, tree, root.ID, "A", "40")
	b := mustChild(t, tree, root.ID, "B", "40")
	grand := mustChild(t, tree, a.ID, "A1", "35")

	tests := []struct {
		name     string
		from, to string
		amount   string
		wantErr  error
	}{
		{"same node", a.ID, a.ID, "1", models.ErrInvalidArgument},
		{"zero amount", a.ID, b.ID, "0", models.ErrInvalidArgument},
		{"missing donor", "nope", b.ID, "1", models.ErrNotFound},
		{"missing recipient", a.ID, "nope", "1", models.ErrNotFound},
		{"not siblings", grand.ID, b.ID, "1", models.ErrInvalidTopology},
		{"root has no siblings", root.ID, a.ID, "1", models.ErrInvalidTopology},
		{"over available", b.ID, a.ID, "41", models.ErrInsufficientBudget},
		{"below children carve-out", a.ID, b.ID, "6", models.ErrInsufficientBudget},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tree.Reallocate(ctx, tc.from, tc.to, d(tc.amount))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	if got := mustNode(t, tree, a.ID).TotalBudget; !got.Equal(d("40")) {
		t.Errorf("refused reallocations changed A total to %s", got)
	}
}

func TestBudgetTree_ReportRollupExactness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		tree := NewBudgetTree(store)
		ctx := context.Background()
		root := mustRoot(t, tree, "100")
		a := mustChild(t, tree, root.ID, "A", "40")
		b := mustChild(t, tree, root.ID, "B", "30")
		c := mustChild(t, tree, a.ID, "C", "10")

		for id, amt := range map[string]string{root.ID: "5", a.ID: "6", b.ID: "7", c.ID: "8"} {
			if err := tree.Spend(ctx, id, d(amt), "x"); err != nil {
				t.Fatalf("spend %s on %s: %v", amt, id, err)
			}
		}

		r, err := tree.Report(ctx, root.ID)
		if err != nil {
			t.Fatalf("Report failed: %v", err)
		}
		if !r.TotalBudget.Equal(d("100")) {
			t.Errorf("report total = %s, want exactly the root total 100", r.TotalBudget)
		}
		if !r.UsedBudget.Equal(d("26")) {
			t.Errorf("report used = %s, want 26", r.UsedBudget)
		}
		if !r.DirectUsed.Equal(d("5")) || !r.Remaining.Equal(d("74")) {
			t.Errorf("direct used %s remaining %s", r.DirectUsed, r.Remaining)
		}
		if r.NodeCount != 4 {
			t.Errorf("node count = %d, want 4", r.NodeCount)
		}
		if r.Nodes[0].ID != root.ID || r.Nodes[3].ID != c.ID || r.Nodes[3].Depth != 2 {
			t.Errorf("breakdown order = %+v", r.Nodes)
		}

		sub, err := tree.Report(ctx, a.ID)
		if err != nil {
			t.Fatalf("Report(A) failed: %v", err)
		}
		if !sub.TotalBudget.Equal(d("40")) || !sub.UsedBudget.Equal(d("14")) {
			t.Errorf("report(A) total %s used %s, want 40 and 14", sub.TotalBudget, sub.UsedBudget)
		}

		if _, err := tree.Report(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("missing node: expected ErrNotFound, got %v", err)
		}
	})
}

func TestBudgetTree_ReportCycleGuard(t *testing.T) {
	store := state.NewMemoryStore()
	tree := NewBudgetTree(store)
	ctx := context.Background()
	root := mustRoot(t, tree, "100")
	a := mustChild(t, tree, root.ID, "A", "40")
	if err := tree.Spend(ctx, root.ID, d("1"), "x"); err != nil {
		t.Fatalf("spend: %v", err)
	}

	// Corrupt A so it lists the root as a child.
	err := store.UpdateBudget(ctx, []string{a.ID}, func(tx state.BudgetTx) error {
		n, _ := tx.Node(a.ID)
		n.ChildrenIDs = append(n.ChildrenIDs, root.ID)
		tx.Put(n)
		return nil
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	r, err := tree.Report(ctx, root.ID)
	if !errors.Is(err, models.ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology, got %v", err)
	}
	if r == nil || r.NodeCount != 2 || !r.UsedBudget.Equal(d("1")) {
		t.Errorf("partial report = %+v", r)
	}
}

func TestBudgetTree_SuspendResume(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		tree := NewBudgetTree(store)
		ctx := context.Background()
		root := mustRoot(t, tree, "10")

		if _, err := tree.Resume(ctx, root.ID); !errors.Is(err, models.ErrInvalidState) {
			t.Errorf("resume active: expected ErrInvalidState, got %v", err)
		}
		n, err := tree.Suspend(ctx, root.ID)
		if err != nil || n.Status != models.BudgetStatusSuspended {
			t.Fatalf("Suspend = %+v, %v", n, err)
		}
		n, err = tree.Resume(ctx, root.ID)
		if err != nil || n.Status != models.BudgetStatusActive {
			t.Fatalf("Resume = %+v, %v", n, err)
		}

		if err := tree.Spend(ctx, root.ID, d("10"), "all"); err != nil {
			t.Fatalf("spend: %v", err)
		}
		tree.Suspend(ctx, root.ID)
		n, err = tree.Resume(ctx, root.ID)
		if err != nil || n.Status != models.BudgetStatusExhausted {
			t.Errorf("resume spent node = %+v, %v; want exhausted", n, err)
		}
		if _, err := tree.Suspend(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("suspend missing: expected ErrNotFound, got %v", err)
		}
	})
}

func TestBudgetTree_AlertHandlersAndAck(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store state.StateStore) {
		reg := observability.NewRegistry()
		tree := NewBudgetTree(store, WithBudgetHooks(observability.NewHooks(reg)))
		ctx := context.Background()
		root := mustRoot(t, tree, "10")

		var got []models.Alert
		tree.OnAlert(func(_ context.Context, a models.Alert) { got = append(got, a) })

		if err := tree.Spend(ctx, root.ID, d("9.6"), "x"); err != nil {
			t.Fatalf("spend: %v", err)
		}
		if len(got) != 1 || got[0].Level != models.AlertCritical {
			t.Fatalf("handler saw %+v, want one critical alert", got)
		}
		if reg.Counter(observability.MetricBudgetAlerts, map[string]string{"level": "critical"}) != 1 {
			t.Errorf("critical alert counter not incremented")
		}
		if v, ok := reg.Gauge(observability.MetricBudgetUsed, map[string]string{"node": root.ID}); !ok || v != 9.6 {
			t.Errorf("budget_used gauge = %v, %v", v, ok)
		}

		if _, err := tree.AcknowledgeAlert(ctx, got[0].ID); err != nil {
			t.Fatalf("AcknowledgeAlert failed: %v", err)
		}
		open, _ := tree.Alerts(ctx, root.ID, false)
		all, _ := tree.Alerts(ctx, root.ID, true)
		if len(open) != 0 || len(all) != 1 || !all[0].Acknowledged {
			t.Errorf("open %d all %+v", len(open), all)
		}
		if _, err := tree.AcknowledgeAlert(ctx, "nope"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("ack missing: expected ErrNotFound, got %v", err)
		}
	})
}
