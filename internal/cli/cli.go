// ============================================================================
// opgate CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the operation agent
//
// Command Structure:
//   opgate                         # Root command
//   ├── run                        # Start the agent
//   │   └── --jobs, -f            # Submit jobs from a JSON file on start
//   ├── check-config               # Validate and print the configuration
//   ├── --config, -c              # Config file (default: configs/opgate.yaml)
//   ├── --verbose, -v             # Debug logging
//   └── --version
//
// Jobs file:
//   [
//     {
//       "id": "job-1",                 # optional, a UUID is generated if empty
//       "resource_id": 1,
//       "operation": "sleep",
//       "parameters": {"seconds": 2, "timeout": 1}
//     }
//   ]
//
// run Command:
//   1. Load config file
//   2. Build the agent (operation manager, facets, notifier)
//   3. Start Metrics HTTP server (if enabled)
//   4. Submit jobs from --jobs (if given)
//   5. Wait for SIGINT / SIGTERM, then shut down: every accepted job still
//      receives its terminal notification before the process exits
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/opgate/internal/config"
	"github.com/ChuLiYu/opgate/internal/metrics"
)

// Version is the agent version reported by --version and in traces.
const Version = "1.0.0"

var (
	configFile string
	verbose    bool
)

var log = slog.Default()

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opgate",
		Short: "opgate: per-resource serialized operation runner",
		Long: `opgate runs operations against managed resources with:
- at most one operation per resource at a time
- bounded parallelism across resources
- per-operation timeouts and cancellation
- exactly one terminal notification per accepted job`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cmd.ErrOrStderr(), verbose)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/opgate.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCheckConfigCommand())

	return rootCmd
}

func setupLogging(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
}

func buildRunCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the opgate agent",
		Long:  "Start the agent, optionally submit jobs from a JSON file, and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, configFile, jobFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "jobs", "f", "", "JSON file containing jobs to submit on start")

	return cmd
}

// runAgent runs until ctx is done.
func runAgent(ctx context.Context, cfgPath, jobFile string) (err error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var jobs []JobSpec
	if jobFile != "" {
		if jobs, err = loadJobs(jobFile); err != nil {
			return err
		}
	}

	log.Info("Starting opgate",
		"config", cfgPath,
		"workers", cfg.Operation.WorkerCount,
		"queue_capacity", cfg.Operation.QueueCapacity)

	agent, err := NewAgent(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	// nil channel: never ready when metrics are disabled
	var metricsDone chan error
	if cfg.Metrics.Enabled {
		metricsDone = make(chan error, 1)
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			metricsDone <- metrics.StartServer(serveCtx, cfg.Metrics.Port, agent.Gatherer())
		}()
	}

	if len(jobs) > 0 {
		if err := agent.Submit(jobs); err != nil {
			log.Warn("Some jobs were rejected", "error", err)
		}
	}

	log.Info("System started successfully")

	var serveErr error
	metricsRunning := metricsDone != nil
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully...")
	case serveErr = <-metricsDone:
		metricsRunning = false
		log.Error("Metrics server stopped, shutting down", "error", serveErr)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Operation.ShutdownGrace+5*time.Second)
	defer cancel()
	err = multierr.Append(serveErr, agent.Close(closeCtx))

	stopServing()
	if metricsRunning {
		err = multierr.Append(err, <-metricsDone)
	}

	log.Info("System stopped. Goodbye!")
	return err
}

func buildCheckConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd.OutOrStdout(), configFile)
		},
	}
	return cmd
}

func checkConfig(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	op := cfg.OperationConfig()

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:      %s\n", path)
	fmt.Fprintf(w, "  ├─ Worker Count:     %d\n", op.WorkerCount)
	fmt.Fprintf(w, "  ├─ Queue Capacity:   %d\n", op.QueueCapacity)
	fmt.Fprintf(w, "  ├─ Default Timeout:  %s\n", op.DefaultTimeout)
	fmt.Fprintf(w, "  ├─ Facet Margin:     %s\n", op.FacetTimeoutMargin)
	fmt.Fprintf(w, "  ├─ Shutdown Grace:   %s\n", op.ShutdownGrace)
	fmt.Fprintf(w, "  └─ Notify Timeout:   %s\n", op.NotifyTimeout)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Controller:")
	if cfg.Controller.Address != "" {
		fmt.Fprintf(w, "  └─ gRPC: %s\n", cfg.Controller.Address)
	} else {
		fmt.Fprintln(w, "  └─ Log only (no controller address)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔍 Tracing:")
	if cfg.Tracing.Enabled {
		fmt.Fprintln(w, "  └─ Status: ✅ Spans exported to stdout")
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	return nil
}
