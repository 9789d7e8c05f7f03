package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/tasks"
	"github.com/ShayCichocki/foreman/pkg/models"
)

var (
	taskPriority   int
	taskTags       []string
	taskPayload    string
	taskBudgetNode string
	taskCost       string
	taskID         string
	taskClaimer    string
	taskReason     string

	queryStatus    string
	queryTags      []string
	queryMatchAll  bool
	queryMin       int
	queryMax       int
	queryClaimedBy string
	queryAvailable bool
	queryLimit     int

	sweepTTL time.Duration
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work with the shared task pool",
	Long: `Add, claim and resolve tasks.

A task is pending until exactly one claimer takes it. Only the owner can
release, complete or fail a claimed task. Completed and failed tasks are final.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a pending task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t := &models.Task{
			ID:           taskID,
			Priority:     taskPriority,
			Tags:         taskTags,
			BudgetNodeID: taskBudgetNode,
		}
		if taskCost != "" {
			cost, err := parseAmount(taskCost)
			if err != nil {
				return err
			}
			t.Cost = cost
		}
		if taskPayload != "" {
			payload, err := readPayload(taskPayload)
			if err != nil {
				return err
			}
			t.Payload = payload
		}
		return withApp(func(a *app) error {
			added, err := a.claimer.AddTask(cmd.Context(), t)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), added)
			}
			printOK(cmd.OutOrStdout(), "added task %s", added.ID)
			return nil
		})
	},
}

// readPayload accepts inline JSON or @file.
func readPayload(s string) (json.RawMessage, error) {
	data := []byte(s)
	if strings.HasPrefix(s, "@") {
		var err error
		if data, err = os.ReadFile(s[1:]); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, models.NewError(models.ErrInvalidArgument, "add task", "", "payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			t, err := a.claimer.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), t)
		})
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim [task-id]",
	Short: "Claim a task, or the best available one when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if taskClaimer == "" {
			return fmt.Errorf("--as is required")
		}
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				t, err := a.claimer.ClaimNext(ctx, taskClaimer, buildQuery(cmd))
				if err != nil {
					return err
				}
				if t == nil {
					printWarn(out, "no task available")
					return nil
				}
				return printTask(out, t)
			}

			won, err := a.claimer.Claim(ctx, args[0], taskClaimer)
			if err != nil {
				return err
			}
			if !won {
				printWarn(out, "task %s is already claimed", args[0])
				return nil
			}
			printOK(out, "claimed %s as %s", args[0], taskClaimer)
			return nil
		})
	},
}

var taskReleaseCmd = &cobra.Command{
	Use:   "release <task-id>",
	Short: "Return a claimed task to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := a.claimer.Release(cmd.Context(), args[0], taskClaimer); err != nil {
				return err
			}
			printOK(cmd.OutOrStdout(), "released %s", args[0])
			return nil
		})
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Mark a claimed task completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			return resolved(cmd, args[0], a.claimer.Complete(cmd.Context(), args[0], taskClaimer), "completed")
		})
	},
}

var taskFailCmd = &cobra.Command{
	Use:   "fail <task-id>",
	Short: "Mark a claimed task failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			return resolved(cmd, args[0], a.claimer.Fail(cmd.Context(), args[0], taskClaimer, taskReason), "failed")
		})
	},
}

// resolved reports a complete/fail. A refused spend leaves the transition in
// place, so it is printed as a warning and still returned.
func resolved(cmd *cobra.Command, id string, err error, verb string) error {
	var spendErr *tasks.SpendError
	if err != nil && !errors.As(err, &spendErr) {
		return err
	}
	printOK(cmd.OutOrStdout(), "%s %s", verb, id)
	if spendErr != nil {
		printWarn(cmd.OutOrStdout(), "cost not recorded: %v", spendErr.Err)
		return err
	}
	return nil
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Remove a task regardless of status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := a.claimer.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			printOK(cmd.OutOrStdout(), "deleted %s", args[0])
			return nil
		})
	},
}

var taskQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "List tasks by status, tags, priority or owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := buildQuery(cmd)
		if queryStatus != "" {
			s, err := models.ParseTaskStatus(queryStatus)
			if err != nil {
				return err
			}
			q.Status = s
		}
		return withApp(func(a *app) error {
			ts, err := a.filter.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), ts)
		})
	},
}

// buildQuery maps the shared filter flags onto a Query. Priority bounds only
// apply when their flag was given.
func buildQuery(cmd *cobra.Command) tasks.Query {
	q := tasks.Query{
		Tags:          queryTags,
		MatchAll:      queryMatchAll,
		ClaimedBy:     queryClaimedBy,
		AvailableOnly: queryAvailable,
		Limit:         queryLimit,
	}
	if cmd.Flags().Changed("min-priority") {
		lo := queryMin
		q.MinPriority = &lo
	}
	if cmd.Flags().Changed("max-priority") {
		hi := queryMax
		q.MaxPriority = &hi
	}
	return q
}

var taskSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release claims older than the lease TTL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ttl := a.cfg.Tasks.LeaseTTL
			if cmd.Flags().Changed("ttl") {
				ttl = sweepTTL
			}
			if ttl <= 0 {
				printWarn(cmd.OutOrStdout(), "lease sweep disabled (tasks.lease_ttl is 0)")
				return nil
			}
			released, err := a.claimer.ReclaimExpired(cmd.Context(), ttl, time.Now())
			for _, id := range released {
				printOK(cmd.OutOrStdout(), "released %s", id)
			}
			return err
		})
	},
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&queryTags, "tag", nil, "Match tasks carrying this tag (repeatable)")
	cmd.Flags().BoolVar(&queryMatchAll, "all-tags", false, "Require every --tag instead of any")
	cmd.Flags().IntVar(&queryMin, "min-priority", 0, "Lowest priority to include")
	cmd.Flags().IntVar(&queryMax, "max-priority", 0, "Highest priority to include")
}

func init() {
	taskAddCmd.Flags().StringVar(&taskID, "id", "", "Task id (default: generated)")
	taskAddCmd.Flags().IntVarP(&taskPriority, "priority", "p", 0, "Priority, higher first")
	taskAddCmd.Flags().StringSliceVarP(&taskTags, "tag", "t", nil, "Tag (repeatable)")
	taskAddCmd.Flags().StringVar(&taskPayload, "payload", "", "JSON payload, or @file")
	taskAddCmd.Flags().StringVar(&taskBudgetNode, "budget-node", "", "Budget node charged when the task resolves")
	taskAddCmd.Flags().StringVar(&taskCost, "cost", "", "Amount charged to --budget-node")

	taskClaimCmd.Flags().StringVar(&taskClaimer, "as", "", "Claimer id")
	addFilterFlags(taskClaimCmd)
	for _, c := range []*cobra.Command{taskReleaseCmd, taskCompleteCmd, taskFailCmd} {
		c.Flags().StringVar(&taskClaimer, "as", "", "Owner id (checked against the claim when set)")
	}
	taskFailCmd.Flags().StringVar(&taskReason, "reason", "", "Failure reason")

	addFilterFlags(taskQueryCmd)
	taskQueryCmd.Flags().StringVar(&queryStatus, "status", "", "pending, claimed, completed or failed")
	taskQueryCmd.Flags().StringVar(&queryClaimedBy, "claimed-by", "", "Owner id")
	taskQueryCmd.Flags().BoolVar(&queryAvailable, "available", false, "Only claimable tasks")
	taskQueryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum number of results")

	taskSweepCmd.Flags().DurationVar(&sweepTTL, "ttl", 0, "Override tasks.lease_ttl")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskClaimCmd)
	taskCmd.AddCommand(taskReleaseCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskFailCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskQueryCmd)
	taskCmd.AddCommand(taskSweepCmd)
}
