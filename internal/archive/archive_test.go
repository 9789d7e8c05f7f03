package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

var when = time.Date(2024, 6, 2, 10, 30, 0, 0, time.UTC)

func seedStore(t *testing.T) state.StateStore {
	t.Helper()
	ctx := context.Background()
	store := state.NewMemoryStore()
	root := &models.BudgetNode{
		ID: "root", Name: "root", TotalBudget: decimal.NewFromInt(10),
		Status: models.BudgetStatusActive, WarningThreshold: 0.8, CriticalThreshold: 0.95, CreatedAt: when,
	}
	if err := store.CreateBudgetRoot(ctx, root); err != nil {
		t.Fatalf("CreateBudgetRoot: %v", err)
	}
	for _, c := range []models.Coordinator{
		{ID: "m", Type: models.CoordinatorMaster, Status: models.CoordinatorPending, CreatedAt: when},
		{ID: "s", ParentID: "m", Type: models.CoordinatorSub, Status: models.CoordinatorPending, CreatedAt: when.Add(time.Second)},
	} {
		c := c
		if err := store.CreateCoordinator(ctx, &c); err != nil {
			t.Fatalf("CreateCoordinator: %v", err)
		}
	}
	store.PutEscalationChain(ctx, &models.EscalationChain{CoordinatorID: "s", Levels: []string{"m"}, CreatedAt: when})
	_, err := store.AdvanceEscalation(ctx, "s", func(ch *models.EscalationChain) (*models.EscalationRecord, error) {
		ch.Position++
		return &models.EscalationRecord{ID: "r1", From: "s", To: "m", Issue: "help", Level: 1, CreatedAt: when}, nil
	})
	if err != nil {
		t.Fatalf("AdvanceEscalation: %v", err)
	}
	if err := store.CreateTask(ctx, &models.Task{ID: "t1", Status: models.TaskStatusPending, CreatedAt: when}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return store
}

func TestCollect(t *testing.T) {
	snap, err := Collect(context.Background(), seedStore(t), when)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(snap.BudgetNodes) != 1 || len(snap.Coordinators) != 2 || len(snap.Tasks) != 1 {
		t.Errorf("snapshot counts: nodes=%d coordinators=%d tasks=%d",
			len(snap.BudgetNodes), len(snap.Coordinators), len(snap.Tasks))
	}
	if h := snap.Escalations["s"]; len(h) != 1 || h[0].To != "m" {
		t.Errorf("escalations = %+v", snap.Escalations)
	}
	if _, ok := snap.Escalations["m"]; ok {
		t.Error("coordinator without history should be omitted")
	}
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "snapshot-20240602T103000Z.json"},
		{"runs/alpha", "runs/alpha/snapshot-20240602T103000Z.json"},
	}
	for _, tc := range tests {
		if got := ObjectName(tc.prefix, when); got != tc.want {
			t.Errorf("ObjectName(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestExport_FileSink(t *testing.T) {
	dir := t.TempDir()
	loc, err := Export(context.Background(), seedStore(t), NewFileSink(dir), "runs", when)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	want := filepath.Join(dir, "runs", "snapshot-20240602T103000Z.json")
	if loc != want {
		t.Errorf("location = %q, want %q", loc, want)
	}

	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.TakenAt.Equal(when) || len(snap.Tasks) != 1 || snap.Tasks[0].ID != "t1" {
		t.Errorf("decoded snapshot = %+v", snap)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "runs"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".snapshot-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestNewMinIOSink(t *testing.T) {
	if _, err := NewMinIOSink(MinIOConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
	s, err := NewMinIOSink(MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	if err != nil {
		t.Fatalf("NewMinIOSink failed: %v", err)
	}
	if s.Bucket() != DefaultBucket {
		t.Errorf("bucket = %q, want %q", s.Bucket(), DefaultBucket)
	}
}
