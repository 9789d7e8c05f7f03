package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/pkg/models"
)

var (
	regID         string
	regType       string
	regName       string
	regParent     string
	regBudgetNode string
	regAllocated  string

	statusProgress float64
)

var hierarchyCmd = &cobra.Command{
	Use:   "hierarchy",
	Short: "Inspect and update the coordinator tree",
}

var hierarchyShowCmd = &cobra.Command{
	Use:   "show [coordinator-id]",
	Short: "Print the tree below a coordinator (default: the master)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			id := ""
			if len(args) > 0 {
				id = args[0]
			} else {
				m, err := a.orch.Master(ctx)
				if err != nil {
					return err
				}
				id = m.ID
			}

			tree, err := a.registry.Tree(ctx, id)
			if tree == nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				if perr := printJSON(out, tree); perr != nil {
					return perr
				}
				return err
			}
			fmt.Fprintln(out, renderHierarchyTree(tree))

			if b, berr := a.registry.BudgetRollup(ctx, id); berr == nil {
				fmt.Fprintf(out, "\n%s allocated %s, used %s across %d coordinator(s)\n",
					mutedStyle.Render("budget:"), b.Allocated, b.Used, b.Coordinators)
			}
			if p, perr := a.registry.ProgressRollup(ctx, id); perr == nil {
				fmt.Fprintf(out, "%s mean %.0f%%", mutedStyle.Render("progress:"), p.MeanProgress*100)
				for _, s := range []models.CoordinatorStatus{
					models.CoordinatorPending, models.CoordinatorInProgress,
					models.CoordinatorCompleted, models.CoordinatorFailed,
				} {
					if n := p.ByStatus[s]; n > 0 {
						fmt.Fprintf(out, ", %d %s", n, s)
					}
				}
				fmt.Fprintln(out)
			}
			return err
		})
	},
}

var hierarchyRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a coordinator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := models.ParseCoordinatorType(regType)
		if err != nil {
			return err
		}
		c := &models.Coordinator{
			ID:           regID,
			Type:         typ,
			Name:         regName,
			ParentID:     regParent,
			BudgetNodeID: regBudgetNode,
		}
		if regAllocated != "" {
			if c.BudgetAllocated, err = parseAmount(regAllocated); err != nil {
				return err
			}
		}
		return withApp(func(a *app) error {
			reg, err := a.registry.Register(cmd.Context(), c)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), reg)
			}
			printOK(cmd.OutOrStdout(), "registered %s %s", reg.Type, reg.ID)
			return nil
		})
	},
}

var hierarchyStatusCmd = &cobra.Command{
	Use:   "status <coordinator-id> [status]",
	Short: "Set a coordinator's status or, with --progress, its completed fraction",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		progressSet := cmd.Flags().Changed("progress")
		if len(args) == 1 && !progressSet {
			return fmt.Errorf("give a status or --progress")
		}
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			var (
				c   *models.Coordinator
				err error
			)
			if len(args) == 2 {
				s, perr := models.ParseCoordinatorStatus(args[1])
				if perr != nil {
					return perr
				}
				if c, err = a.registry.UpdateStatus(ctx, args[0], s); err != nil {
					return err
				}
			}
			if progressSet {
				if c, err = a.orch.UpdateProgress(ctx, args[0], statusProgress); err != nil {
					return err
				}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), c)
			}
			printOK(cmd.OutOrStdout(), "%s is %s (%.0f%%)", c.ID, c.Status, c.Progress*100)
			return nil
		})
	},
}

func init() {
	hierarchyRegisterCmd.Flags().StringVar(&regID, "id", "", "Coordinator id (default: generated)")
	hierarchyRegisterCmd.Flags().StringVar(&regType, "type", string(models.CoordinatorWorker), "master, sub or worker")
	hierarchyRegisterCmd.Flags().StringVar(&regName, "name", "", "Label")
	hierarchyRegisterCmd.Flags().StringVar(&regParent, "parent", "", "Parent coordinator id")
	hierarchyRegisterCmd.Flags().StringVar(&regBudgetNode, "budget-node", "", "Bound budget node id")
	hierarchyRegisterCmd.Flags().StringVar(&regAllocated, "allocated", "", "Budget granted to the coordinator")

	hierarchyStatusCmd.Flags().Float64Var(&statusProgress, "progress", 0, "Completed fraction in [0, 1]")

	hierarchyCmd.AddCommand(hierarchyShowCmd)
	hierarchyCmd.AddCommand(hierarchyRegisterCmd)
	hierarchyCmd.AddCommand(hierarchyStatusCmd)
}
