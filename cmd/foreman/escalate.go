package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var escalateDrain bool

var escalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Manage escalation chains",
	Long: `Each coordinator can hold an ordered chain of escalation targets.
Raising an issue routes it to the next target; once every target has been
consulted the chain is exhausted and further issues go nowhere.`,
}

var escalateChainCmd = &cobra.Command{
	Use:   "chain <coordinator-id> [target...]",
	Short: "Show a chain, or replace it when targets are given",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) > 1 {
				chain, err := a.registry.CreateEscalationChain(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, chain)
				}
				printOK(out, "chain for %s: %s", args[0], strings.Join(chain.Levels, " -> "))
				return nil
			}

			chain, err := a.registry.Chain(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, chain)
			}
			for i, l := range chain.Levels {
				marker := "  "
				if i < chain.Position {
					marker = mutedStyle.Render("✓ ")
				} else if i == chain.Position {
					marker = warnStyle.Render("→ ")
				}
				fmt.Fprintf(out, "%s%d. %s\n", marker, i+1, l)
			}
			if chain.ExpiresAt != nil {
				fmt.Fprintf(out, "%s %s\n", mutedStyle.Render("expires"), chain.ExpiresAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

var escalateRaiseCmd = &cobra.Command{
	Use:   "raise <coordinator-id> <issue...>",
	Short: "Route an issue to the next level of the chain",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		issue := strings.Join(args[1:], " ")
		return withApp(func(a *app) error {
			rec, err := a.registry.Escalate(cmd.Context(), args[0], issue)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, rec)
			}
			if rec == nil {
				printWarn(out, "no further escalation for %s", args[0])
				return nil
			}
			printOK(out, "escalated to %s (level %d)", rec.To, rec.Level)
			return nil
		})
	},
}

var escalateQueueCmd = &cobra.Command{
	Use:   "queue <coordinator-id>",
	Short: "List escalations routed to a coordinator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			recs, err := a.registry.EscalationQueue(cmd.Context(), args[0], escalateDrain)
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), recs)
		})
	},
}

var escalateHistoryCmd = &cobra.Command{
	Use:   "history <coordinator-id>",
	Short: "List escalations a coordinator has raised",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			recs, err := a.registry.EscalationHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), recs)
		})
	},
}

func init() {
	escalateQueueCmd.Flags().BoolVar(&escalateDrain, "drain", false, "Empty the queue after listing it")

	escalateCmd.AddCommand(escalateChainCmd)
	escalateCmd.AddCommand(escalateRaiseCmd)
	escalateCmd.AddCommand(escalateQueueCmd)
	escalateCmd.AddCommand(escalateHistoryCmd)
}
