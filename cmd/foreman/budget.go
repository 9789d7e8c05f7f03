package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/orchestrator"
)

var (
	budgetWarning     float64
	budgetCritical    float64
	budgetDescription string
	budgetAllAlerts   bool
	budgetTxns        bool
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Manage the hierarchical budget ledger",
	Long: `Create, spend against and inspect the budget tree.

Every child's total is carved out of its parent's unallocated budget when it
is created. Spend is recorded against a node directly and can never exceed the
node's total.`,
}

var budgetCreateRootCmd = &cobra.Command{
	Use:   "create-root <name> <total>",
	Short: "Create the root budget node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		total, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			n, err := a.budget.CreateRoot(cmd.Context(), args[0], total)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), n)
			}
			printOK(cmd.OutOrStdout(), "created root %s (%s) with %s", n.Name, n.ID, n.TotalBudget)
			return nil
		})
	},
}

var budgetCreateChildCmd = &cobra.Command{
	Use:   "create-child <parent-id> <name> <amount>",
	Short: "Carve a child node out of a parent's unallocated budget",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[2])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			n, err := a.budget.CreateChild(cmd.Context(), args[0], args[1], amount, budgetWarning, budgetCritical)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), n)
			}
			printOK(cmd.OutOrStdout(), "created %s (%s) with %s under %s", n.Name, n.ID, n.TotalBudget, n.ParentID)
			return nil
		})
	},
}

var budgetSpendCmd = &cobra.Command{
	Use:   "spend <node-id> <amount>",
	Short: "Record an expense against a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			res, err := a.orch.Charge(cmd.Context(), args[0], amount, budgetDescription)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, res)
			}
			printOK(out, "spent %s on %s: %s of %s used", amount, res.Node.Name, res.Node.UsedBudget, res.Node.TotalBudget)
			if res.Alert != nil {
				printWarn(out, "%s alert: %s", res.Alert.Level, res.Alert.Message)
			}
			return nil
		})
	},
}

var budgetReallocateCmd = &cobra.Command{
	Use:   "reallocate <from-id> <to-id> <amount>",
	Short: "Move budget between two siblings",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := parseAmount(args[2])
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			if err := a.orch.Reallocate(cmd.Context(), args[0], args[1], amount); err != nil {
				return err
			}
			printOK(cmd.OutOrStdout(), "moved %s from %s to %s", amount, args[0], args[1])
			return nil
		})
	},
}

var budgetReportCmd = &cobra.Command{
	Use:   "report [node-id]",
	Short: "Show the rollup for a node (default: the root)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			id := ""
			if len(args) > 0 {
				id = args[0]
			} else {
				root, err := a.budget.Root(ctx)
				if err != nil {
					return err
				}
				id = root.ID
			}

			r, err := a.budget.Report(ctx, id)
			if r == nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				if perr := printJSON(out, r); perr != nil {
					return perr
				}
				return err
			}
			printReport(cmd, r)
			if budgetTxns {
				txns, terr := a.budget.Transactions(ctx, id)
				if terr != nil {
					return terr
				}
				fmt.Fprintln(out)
				rows := make([][]string, 0, len(txns))
				for _, t := range txns {
					rows = append(rows, []string{t.CreatedAt.Format("2006-01-02 15:04:05"), string(t.Type), t.Amount.String(), t.Description})
				}
				fmt.Fprintln(out, renderTable([]string{"WHEN", "TYPE", "AMOUNT", "DESCRIPTION"}, rows))
			}
			// A malformed subtree still prints what could be reached.
			return err
		})
	},
}

func printReport(cmd *cobra.Command, r *orchestrator.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", headerStyle.Render(r.Name), budgetStatusStyle(r.Status).Render(string(r.Status)))
	fmt.Fprintf(out, "  total:     %s\n", r.TotalBudget)
	fmt.Fprintf(out, "  allocated: %s\n", r.AllocatedBudget)
	fmt.Fprintf(out, "  used:      %s (direct %s)\n", r.UsedBudget, r.DirectUsed)
	fmt.Fprintf(out, "  remaining: %s\n", r.Remaining)
	fmt.Fprintf(out, "  usage:     %.1f%% across %d node(s)\n\n", r.Usage*100, r.NodeCount)
	fmt.Fprintln(out, renderReportTree(r))
}

var budgetAlertsCmd = &cobra.Command{
	Use:   "alerts [node-id]",
	Short: "List threshold alerts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID := ""
		if len(args) > 0 {
			nodeID = args[0]
		}
		return withApp(func(a *app) error {
			alerts, err := a.budget.Alerts(cmd.Context(), nodeID, budgetAllAlerts)
			if err != nil {
				return err
			}
			return printAlerts(cmd.OutOrStdout(), alerts)
		})
	},
}

var budgetAckCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			alert, err := a.budget.AcknowledgeAlert(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printOK(cmd.OutOrStdout(), "acknowledged %s alert on %s", alert.Level, alert.NodeID)
			return nil
		})
	},
}

var budgetSuspendCmd = &cobra.Command{
	Use:   "suspend <node-id>",
	Short: "Block further spend on a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			n, err := a.budget.Suspend(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printNode(cmd.OutOrStdout(), n)
		})
	},
}

var budgetResumeCmd = &cobra.Command{
	Use:   "resume <node-id>",
	Short: "Lift a suspension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			n, err := a.budget.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printNode(cmd.OutOrStdout(), n)
		})
	},
}

func init() {
	budgetCreateChildCmd.Flags().Float64Var(&budgetWarning, "warning", 0, "Warning threshold as a fraction of total (default from config)")
	budgetCreateChildCmd.Flags().Float64Var(&budgetCritical, "critical", 0, "Critical threshold as a fraction of total (default from config)")
	budgetSpendCmd.Flags().StringVarP(&budgetDescription, "description", "d", "", "Ledger description")
	budgetAlertsCmd.Flags().BoolVar(&budgetAllAlerts, "all", false, "Include acknowledged alerts")
	budgetReportCmd.Flags().BoolVar(&budgetTxns, "transactions", false, "Also list the node's ledger")

	budgetCmd.AddCommand(budgetCreateRootCmd)
	budgetCmd.AddCommand(budgetCreateChildCmd)
	budgetCmd.AddCommand(budgetSpendCmd)
	budgetCmd.AddCommand(budgetReallocateCmd)
	budgetCmd.AddCommand(budgetReportCmd)
	budgetCmd.AddCommand(budgetAlertsCmd)
	budgetCmd.AddCommand(budgetAckCmd)
	budgetCmd.AddCommand(budgetSuspendCmd)
	budgetCmd.AddCommand(budgetResumeCmd)
}
