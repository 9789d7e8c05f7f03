package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/foreman/pkg/models"
)

func TestParseSubProjects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string // title=amount
		wantErr bool
	}{
		{
			name: "keyed file",
			input: `sub_projects:
  - title: api
    description: REST surface
    budget_request: "12.30"
    priority: 2
  - title: ui
    budget_request: 40
`,
			want: []string{"api=12.3", "ui=40"},
		},
		{
			name: "bare list",
			input: `- title: docs
  budget_request: 5.5
`,
			want: []string{"docs=5.5"},
		},
		{name: "empty", input: "", want: nil},
		{name: "bad amount", input: "- title: x\n  budget_request: lots\n", wantErr: true},
		{name: "bad yaml", input: "- title: [unclosed\n", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSubProjects([]byte(tc.input))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSubProjects failed: %v", err)
			}
			var flat []string
			for _, s := range got {
				flat = append(flat, s.Title+"="+s.BudgetRequest.String())
			}
			if !equalStrings(flat, tc.want) {
				t.Errorf("got %v, want %v", flat, tc.want)
			}
		})
	}
}

func TestParseSubProjects_BadAmountKind(t *testing.T) {
	_, err := ParseSubProjects([]byte("- title: x\n  budget_request: nope\n"))
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestLoadSubProjects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	data := "sub_projects:\n  - title: api\n    budget_request: \"25\"\n    priority: 3\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := LoadSubProjects(path)
	if err != nil {
		t.Fatalf("LoadSubProjects failed: %v", err)
	}
	if len(got) != 1 || got[0].Priority != 3 || !got[0].BudgetRequest.Equal(d("25")) {
		t.Errorf("got %+v", got)
	}
	if _, err := LoadSubProjects(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
