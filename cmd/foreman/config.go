package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show configuration",
	Long: `View the effective foreman configuration.

Without arguments, displays every setting. With one argument (key), displays
the value for that key. Credentials are masked.

Configuration is read from ~/.config/foreman/config.yaml, then the nearest
.foreman.yaml, then FOREMAN_* environment variables (e.g. FOREMAN_STORE_PATH).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = cfg.Redacted()
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, value)
			return nil
		}
		if jsonOutput {
			return printJSON(out, cfg)
		}
		displayAllConfig(out, cfg)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display every setting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configCmd.RunE(cmd, nil)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

// configKeys lists every key in display order.
var configKeys = []string{
	"store.backend", "store.driver", "store.path", "store.max_retries",
	"budget.warning_threshold", "budget.critical_threshold",
	"tasks.lease_ttl", "tasks.sweep_interval",
	"escalation.chain_ttl",
	"worker.concurrency", "worker.poll_interval", "worker.signals_dir",
	"archive.backend", "archive.dir", "archive.prefix",
	"archive.minio.endpoint", "archive.minio.access_key", "archive.minio.secret_key",
	"archive.minio.bucket", "archive.minio.use_ssl",
	"log.path",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Fprintf(w, "%s: %s\n", key, value)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", mutedStyle.Render("user config:"), config.GetUserConfigPath())
	project := config.GetProjectConfigPath()
	if project == "" {
		project = "(none)"
	}
	fmt.Fprintf(w, "%s %s\n", mutedStyle.Render("project config:"), project)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "store.backend":
		return cfg.Store.Backend, nil
	case "store.driver":
		return cfg.Store.Driver, nil
	case "store.path":
		if cfg.Store.Path == "" {
			return "(nearest project, else global)", nil
		}
		return cfg.Store.Path, nil
	case "store.max_retries":
		return strconv.Itoa(cfg.Store.MaxRetries), nil
	case "budget.warning_threshold":
		return strconv.FormatFloat(cfg.Budget.WarningThreshold, 'g', -1, 64), nil
	case "budget.critical_threshold":
		return strconv.FormatFloat(cfg.Budget.CriticalThreshold, 'g', -1, 64), nil
	case "tasks.lease_ttl":
		return cfg.Tasks.LeaseTTL.String(), nil
	case "tasks.sweep_interval":
		return cfg.Tasks.SweepInterval.String(), nil
	case "escalation.chain_ttl":
		return cfg.Escalation.ChainTTL.String(), nil
	case "worker.concurrency":
		return strconv.Itoa(cfg.Worker.Concurrency), nil
	case "worker.poll_interval":
		return cfg.Worker.PollInterval.String(), nil
	case "worker.signals_dir":
		return cfg.Worker.SignalsDir, nil
	case "archive.backend":
		return cfg.Archive.Backend, nil
	case "archive.dir":
		return cfg.Archive.Dir, nil
	case "archive.prefix":
		return cfg.Archive.Prefix, nil
	case "archive.minio.endpoint":
		return cfg.Archive.MinIO.Endpoint, nil
	case "archive.minio.access_key":
		return cfg.Archive.MinIO.AccessKey, nil
	case "archive.minio.secret_key":
		return cfg.Archive.MinIO.SecretKey, nil
	case "archive.minio.bucket":
		return cfg.Archive.MinIO.Bucket, nil
	case "archive.minio.use_ssl":
		return strconv.FormatBool(cfg.Archive.MinIO.UseSSL), nil
	case "log.path":
		if cfg.Log.Path == "" {
			return "(project default)", nil
		}
		return cfg.Log.Path, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}
