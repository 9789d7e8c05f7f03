package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// subProjectFile is the planner hand-off format. budget_request is kept as
// text so amounts like 12.30 stay exact.
type subProjectFile struct {
	SubProjects []subProjectDef `yaml:"sub_projects"`
}

type subProjectDef struct {
	Title         string `yaml:"title"`
	Description   string `yaml:"description"`
	BudgetRequest string `yaml:"budget_request"`
	Priority      int    `yaml:"priority"`
}

// LoadSubProjects reads sub-project definitions from a YAML file. The file
// holds either a top-level list or a sub_projects key.
func LoadSubProjects(path string) ([]models.SubProject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sub-projects %s: %w", path, err)
	}
	defs, err := ParseSubProjects(data)
	if err != nil {
		return nil, fmt.Errorf("parse sub-projects %s: %w", path, err)
	}
	return defs, nil
}

// ParseSubProjects decodes sub-project definitions from YAML.
func ParseSubProjects(data []byte) ([]models.SubProject, error) {
	var raw []subProjectDef
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	if node.Content[0].Kind == yaml.SequenceNode {
		if err := node.Content[0].Decode(&raw); err != nil {
			return nil, err
		}
	} else {
		var f subProjectFile
		if err := node.Decode(&f); err != nil {
			return nil, err
		}
		raw = f.SubProjects
	}

	out := make([]models.SubProject, 0, len(raw))
	for i, r := range raw {
		amount, err := decimal.NewFromString(strings.TrimSpace(r.BudgetRequest))
		if err != nil {
			return nil, models.Errorf(models.ErrInvalidArgument, "parse sub-projects", "",
				"entry %d (%q): budget_request %q: %v", i, r.Title, r.BudgetRequest, err)
		}
		out = append(out, models.SubProject{
			Title:         strings.TrimSpace(r.Title),
			Description:   r.Description,
			BudgetRequest: amount,
			Priority:      r.Priority,
		})
	}
	return out, nil
}
