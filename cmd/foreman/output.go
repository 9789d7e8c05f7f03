package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/lipgloss/tree"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"

	"github.com/ShayCichocki/foreman/internal/orchestrator"
	"github.com/ShayCichocki/foreman/pkg/models"
)

var (
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	branchStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))  // Green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // Orange
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // Red
)

// printStatus prints a status line with a colored symbol.
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

func printOK(w io.Writer, format string, args ...any) {
	printStatus(w, "✓", fmt.Sprintf(format, args...), color.FgGreen)
}

func printWarn(w io.Writer, format string, args ...any) {
	printStatus(w, "!", fmt.Sprintf(format, args...), color.FgYellow)
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAmount parses a budget amount given on the command line.
func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, models.Errorf(models.ErrInvalidArgument, "parse amount", "", "%q is not a number", s)
	}
	return d, nil
}

// shortID keeps uuids readable in tables.
func shortID(id string) string {
	if len(id) > 8 && strings.Count(id, "-") == 4 {
		return id[:8]
	}
	return id
}

func budgetStatusStyle(s models.BudgetStatus) lipgloss.Style {
	switch s {
	case models.BudgetStatusActive:
		return okStyle
	case models.BudgetStatusExhausted:
		return errStyle
	default:
		return warnStyle
	}
}

func coordinatorStatusStyle(s models.CoordinatorStatus) lipgloss.Style {
	switch s {
	case models.CoordinatorCompleted:
		return okStyle
	case models.CoordinatorFailed:
		return errStyle
	case models.CoordinatorInProgress:
		return warnStyle
	default:
		return mutedStyle
	}
}

func alertLevelStyle(l models.AlertLevel) lipgloss.Style {
	if l == models.AlertCritical {
		return errStyle
	}
	return warnStyle
}

// renderReportTree draws the report's breakdown as a tree rooted at the
// report node.
func renderReportTree(r *orchestrator.Report) string {
	if len(r.Nodes) == 0 {
		return ""
	}
	kids := make(map[string][]orchestrator.ReportLine)
	for _, l := range r.Nodes[1:] {
		kids[l.ParentID] = append(kids[l.ParentID], l)
	}

	var build func(l orchestrator.ReportLine) *tree.Tree
	build = func(l orchestrator.ReportLine) *tree.Tree {
		label := fmt.Sprintf("%s %s %s/%s %s",
			headerStyle.Render(l.Name),
			mutedStyle.Render("("+shortID(l.ID)+")"),
			l.UsedBudget.String(), l.TotalBudget.String(),
			budgetStatusStyle(l.Status).Render(string(l.Status)))
		t := tree.Root(label).EnumeratorStyle(branchStyle)
		for _, c := range kids[l.ID] {
			t.Child(build(c))
		}
		return t
	}
	return build(r.Nodes[0]).String()
}

// renderHierarchyTree draws a coordinator subtree.
func renderHierarchyTree(n *orchestrator.TreeNode) string {
	var build func(n *orchestrator.TreeNode) *tree.Tree
	build = func(n *orchestrator.TreeNode) *tree.Tree {
		c := n.Coordinator
		name := c.Name
		if name == "" {
			name = c.ID
		}
		label := fmt.Sprintf("%s %s %s %s %.0f%%",
			headerStyle.Render(name),
			mutedStyle.Render("["+string(c.Type)+" "+shortID(c.ID)+"]"),
			coordinatorStatusStyle(c.Status).Render(string(c.Status)),
			c.BudgetUsed.String()+"/"+c.BudgetAllocated.String(),
			c.Progress*100)
		t := tree.Root(label).EnumeratorStyle(branchStyle)
		for _, k := range n.Children {
			t.Child(build(k))
		}
		return t
	}
	return build(n).String()
}

// renderTable draws rows under headers with the given cell styling.
func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(branchStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func taskRows(ts []models.Task) [][]string {
	rows := make([][]string, 0, len(ts))
	for _, t := range ts {
		owner := t.ClaimedBy
		if owner == "" {
			owner = "-"
		}
		rows = append(rows, []string{
			shortID(t.ID), string(t.Status), fmt.Sprint(t.Priority),
			strings.Join(t.Tags, ","), owner, t.Cost.String(),
		})
	}
	return rows
}

func printTasks(w io.Writer, ts []models.Task) error {
	if jsonOutput {
		return printJSON(w, ts)
	}
	if len(ts) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no tasks"))
		return nil
	}
	fmt.Fprintln(w, renderTable([]string{"ID", "STATUS", "PRIO", "TAGS", "CLAIMED BY", "COST"}, taskRows(ts)))
	return nil
}

func printTask(w io.Writer, t *models.Task) error {
	if jsonOutput {
		return printJSON(w, t)
	}
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render("task"), t.ID)
	fmt.Fprintf(w, "  status:   %s\n", t.Status)
	fmt.Fprintf(w, "  priority: %d\n", t.Priority)
	if len(t.Tags) > 0 {
		fmt.Fprintf(w, "  tags:     %s\n", strings.Join(t.Tags, ", "))
	}
	if t.ClaimedBy != "" {
		fmt.Fprintf(w, "  claimed:  %s at %s\n", t.ClaimedBy, t.ClaimedAt.Format("2006-01-02 15:04:05"))
	}
	if t.BudgetNodeID != "" {
		fmt.Fprintf(w, "  budget:   %s (cost %s)\n", t.BudgetNodeID, t.Cost)
	}
	if t.FailureReason != "" {
		fmt.Fprintf(w, "  reason:   %s\n", t.FailureReason)
	}
	if len(t.Payload) > 0 {
		fmt.Fprintf(w, "  payload:  %s\n", string(t.Payload))
	}
	return nil
}

func printNode(w io.Writer, n *models.BudgetNode) error {
	if jsonOutput {
		return printJSON(w, n)
	}
	fmt.Fprintf(w, "%s %s (%s)\n", headerStyle.Render(n.Name), n.ID, budgetStatusStyle(n.Status).Render(string(n.Status)))
	fmt.Fprintf(w, "  total: %s  allocated: %s  used: %s  available: %s\n",
		n.TotalBudget, n.AllocatedBudget, n.UsedBudget, n.Available())
	return nil
}

func printAlerts(w io.Writer, alerts []models.Alert) error {
	if jsonOutput {
		return printJSON(w, alerts)
	}
	if len(alerts) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no alerts"))
		return nil
	}
	for _, a := range alerts {
		ack := ""
		if a.Acknowledged {
			ack = mutedStyle.Render(" (acknowledged)")
		}
		fmt.Fprintf(w, "%s %s %s %s%s\n",
			alertLevelStyle(a.Level).Render(strings.ToUpper(string(a.Level))),
			a.ID, mutedStyle.Render(a.CreatedAt.Format("2006-01-02 15:04:05")), a.Message, ack)
	}
	return nil
}

func printRecords(w io.Writer, recs []models.EscalationRecord) error {
	if jsonOutput {
		return printJSON(w, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no escalations"))
		return nil
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			r.CreatedAt.Format("2006-01-02 15:04:05"), shortID(r.From), shortID(r.To), fmt.Sprint(r.Level), r.Issue,
		})
	}
	fmt.Fprintln(w, renderTable([]string{"WHEN", "FROM", "TO", "LEVEL", "ISSUE"}, rows))
	return nil
}
