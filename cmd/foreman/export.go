package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/archive"
	"github.com/ShayCichocki/foreman/internal/config"
)

var exportBackend string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a snapshot of all state to the archive",
	Long: `Export budget nodes, transactions, alerts, coordinators, escalation
chains and tasks as one JSON document.

archive.backend selects the destination: "file" writes under archive.dir,
"minio" uploads to archive.minio.bucket.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			backend := a.cfg.Archive.Backend
			if exportBackend != "" {
				backend = exportBackend
			}
			sink, err := newSink(backend, a.cfg.Archive)
			if err != nil {
				return err
			}
			loc, err := archive.Export(cmd.Context(), a.store, sink, a.cfg.Archive.Prefix, time.Now())
			if err != nil {
				return err
			}
			a.logger.With("ARCHIVE").Log("exported snapshot to %s", loc)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{"location": loc})
			}
			printOK(cmd.OutOrStdout(), "snapshot written to %s", loc)
			return nil
		})
	},
}

func newSink(backend string, cfg config.ArchiveConfig) (archive.Sink, error) {
	switch backend {
	case "file":
		return archive.NewFileSink(cfg.Dir), nil
	case "minio":
		return archive.NewMinIOSink(archive.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", backend)
	}
}

func init() {
	exportCmd.Flags().StringVar(&exportBackend, "backend", "", "Override archive.backend (file or minio)")
}
