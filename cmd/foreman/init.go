package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/state"
)

var (
	initForce       bool
	initWithConfig  bool
	initNoGitignore bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a foreman project",
	Long: `Initialize a directory for use with foreman.

This command:
  - Creates the .foreman directory structure
  - Creates and migrates the state database
  - Adds foreman entries to .gitignore
  - Optionally writes a .foreman.yaml template

Examples:
  foreman init                 # Initialize current directory
  foreman init ./myproject     # Initialize specific directory
  foreman init --with-config   # Also write .foreman.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().BoolVar(&initWithConfig, "with-config", false, "Write a .foreman.yaml template")
	initCmd.Flags().BoolVar(&initNoGitignore, "no-gitignore", false, "Leave .gitignore alone")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Fprintf(out, "Initializing foreman in %s...\n\n", absPath)

	foremanDir := filepath.Join(absPath, ".foreman")
	if _, err := os.Stat(foremanDir); err == nil && !initForce {
		fmt.Fprintln(out, "Directory already initialized. Use --force to reinitialize.")
		return nil
	}

	for _, sub := range []string{"logs", "signals", "archive"} {
		if err := os.MkdirAll(filepath.Join(foremanDir, sub), 0755); err != nil {
			return fmt.Errorf("creating .foreman/%s: %w", sub, err)
		}
	}
	printStatus(out, "✓", "Created .foreman directory structure", color.FgGreen)

	cfg, err := loadConfig()
	if err != nil {
		printStatus(out, "⚠", fmt.Sprintf("Config not loaded, using defaults: %v", err), color.FgYellow)
		cfg = config.Default()
	}
	if cfg.Store.Backend == "sqlite" {
		store, err := openStore(cfg, absPath)
		if err != nil {
			printStatus(out, "✗", "State database not created", color.FgRed)
			return err
		}
		store.Close()
		path := cfg.Store.Path
		if path == "" {
			path = state.ResolveDBPath(absPath)
		}
		printStatus(out, "✓", fmt.Sprintf("State database ready at %s (%s driver)", path, cfg.Store.Driver), color.FgGreen)
	} else {
		printStatus(out, "⚠", "store.backend is memory; nothing persists between commands", color.FgYellow)
	}

	if !initNoGitignore {
		if err := updateGitignore(absPath); err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		printStatus(out, "✓", "Updated .gitignore with foreman entries", color.FgGreen)
	}

	if initWithConfig {
		if err := createProjectConfig(absPath); err != nil {
			return fmt.Errorf("creating project config: %w", err)
		}
		printStatus(out, "✓", "Created .foreman.yaml template", color.FgGreen)
	}

	fmt.Fprintf(out, "\n%s foreman initialization complete!\n\n", color.GreenString("✓"))
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Bootstrap the project budget:")
	fmt.Fprintln(out, "     foreman orchestrate bootstrap my-project 1000")
	fmt.Fprintln(out, "  2. Spawn sub-projects from a planner file:")
	fmt.Fprintln(out, "     foreman orchestrate spawn sub-projects.yaml")
	fmt.Fprintln(out, "  3. Run workers:")
	fmt.Fprintln(out, "     foreman worker --exec ./handle-task.sh")
	return nil
}

// updateGitignore adds foreman entries to .gitignore if not present
func updateGitignore(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")

	var existingContent string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existingContent = string(data)
	}

	entries := []string{
		".foreman/state.db*",
		".foreman/logs/",
		".foreman/signals/",
		".foreman/archive/",
	}

	var missing []string
	for _, entry := range entries {
		if !strings.Contains(existingContent, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var newContent strings.Builder
	newContent.WriteString(existingContent)
	if len(existingContent) > 0 && !strings.HasSuffix(existingContent, "\n") {
		newContent.WriteString("\n")
	}
	newContent.WriteString("\n# foreman\n")
	for _, entry := range missing {
		newContent.WriteString(entry + "\n")
	}

	return os.WriteFile(gitignorePath, []byte(newContent.String()), 0644)
}

// createProjectConfig creates .foreman.yaml template
func createProjectConfig(repoPath string) error {
	configPath := filepath.Join(repoPath, config.ProjectConfigName)
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	template := `# foreman project configuration
# Overrides ~/.config/foreman/config.yaml; FOREMAN_* env vars override both.

# store:
#   backend: sqlite      # or memory
#   driver: sqlite       # modernc (pure Go); sqlite3 for mattn (cgo)
#   path: .foreman/state.db

# budget:
#   warning_threshold: 0.8
#   critical_threshold: 0.95

# tasks:
#   lease_ttl: 0s        # release claims older than this; 0 disables
#   sweep_interval: 1m

# escalation:
#   chain_ttl: 0s        # 0 means chains never expire

# worker:
#   concurrency: 4
#   poll_interval: 1s
#   signals_dir: .foreman/signals

# archive:
#   backend: file        # or minio
#   dir: .foreman/archive
#   minio:
#     endpoint: localhost:9000
#     access_key: ${MINIO_ACCESS_KEY}
#     secret_key: ${MINIO_SECRET_KEY}
#     bucket: foreman-archive
`
	return os.WriteFile(configPath, []byte(template), 0644)
}
