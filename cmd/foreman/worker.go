package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foreman/internal/config"
	"github.com/ShayCichocki/foreman/internal/orchestrator"
	"github.com/ShayCichocki/foreman/internal/worker"
)

var (
	workerExec        string
	workerName        string
	workerConcurrency int
	workerTags        []string
	workerNoMetrics   bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the claim loop until stopped",
	Long: `Run concurrent workers that claim tasks from the pool, run --exec for each
one and complete or fail it by the command's exit status. Without --exec every
claimed task is completed as is.

The loop stops on SIGINT/SIGTERM or when a "stop" file appears in
worker.signals_dir, and idles while a "pause" file exists there.
Use 'foreman worker stop|pause|resume' to write those files.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := openApp(256)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	sw, err := worker.NewSignalWatcher(a.cfg.Worker.SignalsDir)
	if err != nil {
		return fmt.Errorf("watch signals: %w", err)
	}
	defer sw.Close()
	// A stop left over from the last run would end this one at once.
	sw.ClearSignals()

	handler := worker.Handler(worker.NoopHandler)
	if workerExec != "" {
		handler = worker.CommandHandler(worker.ShellRunner{}, "", workerExec)
	}

	cfg := worker.PoolConfig{
		Name:          workerName,
		Concurrency:   a.cfg.Worker.Concurrency,
		PollInterval:  a.cfg.Worker.PollInterval,
		LeaseTTL:      a.cfg.Tasks.LeaseTTL,
		SweepInterval: a.cfg.Tasks.SweepInterval,
	}
	cfg.Query.Tags = workerTags
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = workerConcurrency
	}

	pool := worker.NewPool(a.claimer, handler, cfg,
		worker.WithPoolLogger(a.logger),
		worker.WithSignals(sw),
		worker.WithChainExpiry(a.registry),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		printEvents(out, a.events.Events())
	}()

	printOK(out, "worker running (%d concurrent, signals in %s)", cfg.Concurrency, sw.Dir())
	runErr := pool.Run(ctx)
	a.events.Close()
	<-done

	s := pool.Stats()
	printStatus(out, "■", fmt.Sprintf("stopped: %d completed, %d failed, %d spend refused, %d leases reclaimed",
		s.Completed, s.Failed, s.SpendErrors, s.Reclaimed), color.FgCyan)
	if !workerNoMetrics {
		fmt.Fprintln(out)
		fmt.Fprint(out, a.metrics.RenderPrometheus())
	}
	return runErr
}

// printEvents echoes orchestrator events until the channel closes.
func printEvents(w io.Writer, events <-chan orchestrator.Event) {
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventBudgetAlert:
			printWarn(w, "%s budget alert on %s: %s", ev.Level, ev.NodeID, ev.Message)
		case orchestrator.EventEscalationRouted:
			printStatus(w, "↑", fmt.Sprintf("%s escalated to %s: %s", ev.CoordinatorID, ev.Target, ev.Message), color.FgMagenta)
		case orchestrator.EventEscalationExhausted:
			printStatus(w, "✗", fmt.Sprintf("%s has no further escalation: %s", ev.CoordinatorID, ev.Message), color.FgRed)
		}
	}
}

// signalCmd writes one of the worker signal files.
func signalCmd(use, short string, send func(*worker.SignalWatcher) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return sendSignal(cmd, cfg, use, send)
		},
	}
}

func sendSignal(cmd *cobra.Command, cfg *config.Config, name string, send func(*worker.SignalWatcher) error) error {
	sw, err := worker.NewSignalWatcher(cfg.Worker.SignalsDir)
	if err != nil {
		return err
	}
	defer sw.Close()
	if err := send(sw); err != nil {
		return err
	}
	printOK(cmd.OutOrStdout(), "%s signal written to %s", name, sw.Dir())
	return nil
}

func init() {
	workerCmd.Flags().StringVar(&workerExec, "exec", "", "Shell command run for each task (payload on stdin)")
	workerCmd.Flags().StringVar(&workerName, "name", "", "Claimer id prefix (default: random)")
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "Override worker.concurrency")
	workerCmd.Flags().StringSliceVar(&workerTags, "tag", nil, "Only claim tasks carrying one of these tags")
	workerCmd.Flags().BoolVar(&workerNoMetrics, "no-metrics", false, "Do not print metrics on exit")

	workerCmd.AddCommand(signalCmd("stop", "Ask running workers to stop", (*worker.SignalWatcher).SendStop))
	workerCmd.AddCommand(signalCmd("pause", "Ask running workers to idle", (*worker.SignalWatcher).SendPause))
	workerCmd.AddCommand(signalCmd("resume", "Let paused workers continue", (*worker.SignalWatcher).Resume))
}
