package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/opgate/internal/config"
	"github.com/ChuLiYu/opgate/internal/facet"
	"github.com/ChuLiYu/opgate/internal/metrics"
	"github.com/ChuLiYu/opgate/internal/operation"
	"github.com/ChuLiYu/opgate/internal/remote"
	"github.com/ChuLiYu/opgate/internal/tracing"
	"github.com/ChuLiYu/opgate/pkg/types"
)

// JobSpec is one entry of a jobs file.
type JobSpec struct {
	ID         string              `json:"id"`
	ResourceID types.ResourceID    `json:"resource_id"`
	Operation  string              `json:"operation"`
	Parameters types.Configuration `json:"parameters"`
}

// loadJobs reads a JSON array of JobSpec. Missing ids get a random UUID.
func loadJobs(path string) ([]JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var jobs []JobSpec
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = uuid.NewString()
		}
		if jobs[i].Operation == "" {
			return nil, fmt.Errorf("job %s: operation is required", jobs[i].ID)
		}
	}
	return jobs, nil
}

// Agent is the assembled operation stack of one process.
type Agent struct {
	manager  *operation.Manager
	registry *facet.Registry
	builtin  *facet.Builtin
	gatherer *prometheus.Registry // nil when metrics are disabled
	provider *tracing.Provider    // nil when tracing is disabled
	client   *remote.Client       // nil when notifications are only logged
	logger   *slog.Logger
}

// NewAgent builds the manager and everything it reports to from cfg.
func NewAgent(cfg *config.Config, logger *slog.Logger) (agent *Agent, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		registry: facet.NewRegistry(),
		builtin:  facet.NewBuiltin(nil),
		logger:   logger,
	}
	a.registry.Define(facet.BuiltinDefinitions()...)

	// 建立失敗時釋放已開啟的資源
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.closeTransports(context.Background()))
		}
	}()

	opts := []operation.Option{
		operation.WithLogger(logger),
		operation.WithDefinitions(a.registry),
	}

	if cfg.Metrics.Enabled {
		a.gatherer = prometheus.NewRegistry()
		a.gatherer.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, operation.WithMetrics(metrics.NewCollector(a.gatherer)))
	}

	if cfg.Tracing.Enabled {
		a.provider, err = tracing.NewProvider(tracing.ProviderConfig{
			ServiceName:    "opgate",
			ServiceVersion: Version,
			PrettyPrint:    cfg.Tracing.Pretty,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, operation.WithTracer(a.provider.Tracer()))
	}

	var notifier operation.ServerService = operation.NewLoggingServerService(logger)
	if cfg.Controller.Address != "" {
		a.client, err = remote.Dial(cfg.Controller.Address)
		if err != nil {
			return nil, err
		}
		notifier = a.client
	}

	a.manager, err = operation.NewManager(cfg.OperationConfig(), a.registry, notifier, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation manager: %w", err)
	}

	logger.Info("Agent started",
		"controller", cfg.Controller.Address,
		"metrics", cfg.Metrics.Enabled,
		"tracing", cfg.Tracing.Enabled)
	return a, nil
}

// Submit invokes every job, binding the built-in facet to each resource it
// names. Rejected jobs do not stop the others; their errors are combined.
func (a *Agent) Submit(jobs []JobSpec) error {
	var errs error
	accepted := 0
	for _, job := range jobs {
		a.registry.Register(job.ResourceID, a.builtin)
		if err := a.manager.Invoke(types.JobID(job.ID), job.ResourceID, job.Operation, job.Parameters); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		accepted++
	}
	a.logger.Info("Jobs submitted",
		"accepted", accepted,
		"total", len(jobs))
	return errs
}

// Cancel cancels a submitted job.
func (a *Agent) Cancel(id string) types.InterruptedState {
	return a.manager.Cancel(types.JobID(id))
}

// Stats returns the manager statistics.
func (a *Agent) Stats() operation.Stats {
	return a.manager.Stats()
}

// Gatherer returns the metrics registry, or nil when metrics are disabled.
func (a *Agent) Gatherer() *prometheus.Registry {
	return a.gatherer
}

// Close shuts the manager down and waits, until ctx is done, for operations
// whose facet ignored cancellation to deliver their notification. Then it
// flushes spans and closes the controller connection. A notification still
// pending when ctx ends is sent over a closed connection and only logged.
func (a *Agent) Close(ctx context.Context) error {
	if a.manager != nil {
		a.manager.Shutdown()
		if err := a.manager.AwaitNotifications(ctx); err != nil {
			a.logger.Warn("Closing controller connection with notifications pending",
				"registered", a.manager.Stats().Registered,
				"error", err)
		}
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return a.closeTransports(flushCtx)
}

func (a *Agent) closeTransports(ctx context.Context) error {
	var errs error
	if a.provider != nil {
		errs = multierr.Append(errs, a.provider.Shutdown(ctx))
	}
	if a.client != nil {
		errs = multierr.Append(errs, a.client.Close())
	}
	return errs
}
