package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Task pool, budget ledger and coordinator hierarchy",
	Long: `Foreman keeps the shared state that a team of coordinators and workers
runs on.

Core capabilities:
- Exclusive task claiming from a shared pool
- Hierarchical budgets with threshold alerts
- Master/sub/worker coordinator tree with escalation chains
- Budget-checked spawning of sub-projects from a planner hand-off file`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: layered user/project/env lookup)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(budgetCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(hierarchyCmd)
	rootCmd.AddCommand(escalateCmd)
	rootCmd.AddCommand(orchestrateCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(exportCmd)
}
