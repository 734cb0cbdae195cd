// ============================================================================
// opgate Operation Manager - 操作呼叫的公開入口
// ============================================================================
//
// Package: internal/operation
// File: manager.go
//
// 職責說明：
//   1. 解析每次呼叫的 timeout（參數 > 操作定義 > 全域預設）
//   2. 建立 Invocation、設定 timeout 計時器，提交給 Gateway
//   3. 依 job id 取消操作
//   4. 關閉時把所有已接受的操作帶到終止通知
//
// Facet call budget = timeout + margin，確保 gateway 的 timeout 一定先觸發，
// 呼叫者看到的是取消路徑，而不是底層呼叫失敗。
//
// ============================================================================

package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/opgate/internal/tracing"
	"github.com/ChuLiYu/opgate/internal/worker"
	"github.com/ChuLiYu/opgate/pkg/types"
)

// Config holds the scalar settings of the operation subsystem.
type Config struct {
	WorkerCount        int           // 並發 worker 數
	QueueCapacity      int           // worker pool 待提交佇列上限
	DefaultTimeout     time.Duration // 未指定時的 timeout
	FacetTimeoutMargin time.Duration // facet call budget = timeout + margin
	ShutdownGrace      time.Duration // 關閉時等待執行中操作的上限
	NotifyTimeout      time.Duration // 單次 controller 通知的上限，0 表示不限
}

// DefaultConfig returns the default operation configuration.
func DefaultConfig() Config {
	return Config{
		WorkerCount:        10,
		QueueCapacity:      1000,
		DefaultTimeout:     10 * time.Minute,
		FacetTimeoutMargin: 10 * time.Second,
		ShutdownGrace:      DefaultShutdownGrace,
		NotifyTimeout:      30 * time.Second,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects the clock used for timers and timestamps.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(m *Manager) { m.svc.clock = c }
}

// WithMetrics injects the metrics hook.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.svc.metrics = metrics }
}

// WithTracer injects the tracer used for invocation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.svc.tracer = tracer }
}

// WithLogger injects the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.svc.logger = logger }
}

// WithDefinitions sets the operation definition lookup.
func WithDefinitions(defs DefinitionLookup) Option {
	return func(m *Manager) { m.definitions = defs }
}

// Manager is the public entry point of the operation subsystem.
type Manager struct {
	config      Config
	facets      FacetLocator
	definitions DefinitionLookup
	pool        *worker.Pool
	gateway     *Gateway
	svc         *services
}

// NewManager builds the worker pool and gateway and starts the workers.
func NewManager(cfg Config, facets FacetLocator, notifier ServerService, opts ...Option) (*Manager, error) {
	if facets == nil {
		return nil, errors.New("facet locator is required")
	}
	if notifier == nil {
		return nil, errors.New("controller notifier is required")
	}
	defaults := DefaultConfig()
	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.WorkerCount)
	}
	// 佇列中的下一個操作由剛結束的 worker 提交，無緩衝的 pool 永遠無人接收
	if cfg.QueueCapacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", cfg.QueueCapacity)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.FacetTimeoutMargin <= 0 {
		cfg.FacetTimeoutMargin = defaults.FacetTimeoutMargin
	}

	m := &Manager{
		config: cfg,
		facets: facets,
		svc: &services{
			notifier:      notifier,
			clock:         clock.RealClock{},
			metrics:       nopMetrics{},
			tracer:        tracing.DefaultTracer(),
			logger:        slog.Default(),
			notifyTimeout: cfg.NotifyTimeout,
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.pool = worker.NewPool(cfg.QueueCapacity)
	if err := m.pool.Start(cfg.WorkerCount); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	m.gateway = NewGateway(m.pool, cfg.ShutdownGrace, m.svc.metrics, m.svc.logger)
	m.svc.gateway = m.gateway

	m.svc.logger.Info("Operation manager started",
		"workers", cfg.WorkerCount,
		"queue_capacity", cfg.QueueCapacity,
		"default_timeout", cfg.DefaultTimeout)
	return m, nil
}

// Invoke schedules operationName on resourceID. Validation errors are
// returned without creating an invocation. If the job reached the gateway but
// could not be dispatched, the controller is notified and the error returned.
func (m *Manager) Invoke(jobID types.JobID, resourceID types.ResourceID, operationName string, parameters types.Configuration) error {
	def := m.definition(resourceID, operationName)

	params := parameters.Clone()
	timeout, err := resolveTimeout(params, def, m.config.DefaultTimeout)
	if err != nil {
		m.svc.metrics.RecordRejected("invalid_timeout")
		return fmt.Errorf("invoke %s: %w", jobID, err)
	}

	facet, err := m.facets.OperationFacet(resourceID)
	if err != nil {
		m.svc.metrics.RecordRejected("facet_unavailable")
		return fmt.Errorf("invoke %s: %w: %w", jobID, ErrFacetUnavailable, err)
	}

	inv := newInvocation(m.svc, jobID, resourceID, operationName, params, def, facet, timeout, m.config.FacetTimeoutMargin)
	inv.track()
	inv.armTimer()

	m.svc.logger.Debug("Invoking operation",
		"job_id", jobID,
		"resource_id", resourceID,
		"operation", operationName,
		"timeout", timeout,
		"params", params.Keys())

	err = m.gateway.Submit(inv)
	switch {
	case err == nil:
		m.svc.metrics.RecordSubmitted()
		return nil
	case errors.Is(err, ErrGatewayStopped):
		m.svc.metrics.RecordRejected("stopped")
		inv.reject(err)
	case errors.Is(err, ErrDuplicateJob):
		m.svc.metrics.RecordRejected("duplicate")
		inv.discard()
		inv.settle()
	default:
		// Pool rejections were already completed by the gateway.
		m.svc.metrics.RecordSubmitted()
	}
	return fmt.Errorf("invoke %s: %w", jobID, err)
}

// Cancel cancels jobID and returns its state just before the cancel. An
// unknown job is reported as finished: it most likely completed already.
func (m *Manager) Cancel(jobID types.JobID) types.InterruptedState {
	inv := m.gateway.Lookup(jobID)
	if inv == nil {
		m.svc.logger.Debug("Cancel requested for unknown job, assuming it finished",
			"job_id", jobID)
		return types.InterruptedFinished
	}

	prev := inv.Cancel()
	m.svc.logger.Info("Operation canceled",
		"job_id", jobID,
		"resource_id", inv.resourceID,
		"previous_state", prev)
	return prev
}

// Status returns a snapshot of a registered invocation.
func (m *Manager) Status(jobID types.JobID) (types.InvocationSnapshot, bool) {
	inv := m.gateway.Lookup(jobID)
	if inv == nil {
		return types.InvocationSnapshot{}, false
	}
	return inv.Snapshot(), true
}

// Stats returns gateway statistics.
func (m *Manager) Stats() Stats {
	return m.gateway.Stats()
}

// Shutdown drains the gateway. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.gateway.Shutdown()
}

// AwaitNotifications blocks until every accepted invocation has delivered its
// terminal notification, or ctx is done. After Shutdown the only invocations
// left are those whose facet ignored cancellation; they report once the facet
// returns or its call budget expires.
func (m *Manager) AwaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.svc.outstanding.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) definition(resourceID types.ResourceID, name string) *types.OperationDefinition {
	if m.definitions == nil {
		return nil
	}
	def, ok := m.definitions.OperationDefinition(resourceID, name)
	if !ok {
		return nil
	}
	return def
}
