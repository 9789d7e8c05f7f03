package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/orchestrator"
	"github.com/ShayCichocki/foreman/pkg/models"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Bootstrap a project and spawn budgeted sub-projects",
	Long: `Drive the master coordinator.

bootstrap creates the budget root and the master coordinator bound to it.
spawn funds one sub-coordinator per definition in a planner hand-off file;
either every request fits in the root's unallocated budget or nothing is
created.

Hand-off file format:

  sub_projects:
    - title: api
      description: HTTP layer
      budget_request: "40"
      priority: 2`,
}

var orchestrateBootstrapCmd = &cobra.Command{
	Use:   "bootstrap <name> <total-budget>",
	Short: "Create the budget root and master coordinator",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		total, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			b, err := a.orch.Bootstrap(cmd.Context(), args[0], total)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, b)
			}
			printOK(out, "budget root %s: %s", b.Root.ID, b.Root.TotalBudget)
			printOK(out, "master coordinator %s", b.Master.ID)
			return nil
		})
	},
}

var orchestrateSpawnCmd = &cobra.Command{
	Use:   "spawn <sub-projects.yaml>",
	Short: "Fund and register sub-projects from a hand-off file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := orchestrator.LoadSubProjects(args[0])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			assigned, err := a.orch.Spawn(cmd.Context(), defs)
			out := cmd.OutOrStdout()
			if jsonOutput {
				if perr := printJSON(out, assigned); perr != nil {
					return perr
				}
				return err
			}
			for _, as := range assigned {
				printOK(out, "%s: coordinator %s, budget node %s (%s)",
					as.SubProject.Title, as.CoordinatorID, as.BudgetNodeID, as.SubProject.BudgetRequest)
			}
			return err
		})
	},
}

var orchestrateProgressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show budget-weighted project progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			st, err := a.orch.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "%s %.1f%% complete\n\n", headerStyle.Render(st.Master.Name), st.Progress*100)
			rows := make([][]string, 0, len(st.SubProjects))
			for _, s := range st.SubProjects {
				rows = append(rows, []string{
					s.Name, shortID(s.ID),
					coordinatorStatusStyle(s.Status).Render(string(s.Status)),
					fmt.Sprintf("%.0f%%", s.Progress*100),
					s.BudgetUsed.String() + "/" + s.BudgetAllocated.String(),
				})
			}
			if len(rows) > 0 {
				fmt.Fprintln(out, renderTable([]string{"SUB-PROJECT", "ID", "STATUS", "PROGRESS", "BUDGET"}, rows))
			}
			fmt.Fprintf(out, "\n%s %s of %s used, %s remaining\n",
				mutedStyle.Render("budget:"), st.Budget.UsedBudget, st.Budget.TotalBudget, st.Budget.Remaining)
			if n := st.Rollup.ByStatus[models.CoordinatorFailed]; n > 0 {
				printWarn(out, "%d coordinator(s) failed", n)
			}
			return nil
		})
	},
}

func init() {
	orchestrateCmd.AddCommand(orchestrateBootstrapCmd)
	orchestrateCmd.AddCommand(orchestrateSpawnCmd)
	orchestrateCmd.AddCommand(orchestrateProgressCmd)
}
