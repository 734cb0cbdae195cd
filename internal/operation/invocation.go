// ============================================================================
// opgate Invocation - 單一操作請求的狀態機
// ============================================================================
//
// Package: internal/operation
// File: invocation.go
//
// State machine:
//   Queued ──markRunning()──> Running ──finish()──> Finished
//
//   canceled / timedOut are independent markers that may be set at any point
//   before Finished. A timeout always implies canceled.
//
// Ownership:
//   Whoever moves an invocation out of Queued (a pool worker, or the gateway
//   during shutdown / failed dispatch) owns its completion path: it finishes
//   the invocation, calls Gateway.Complete exactly once and reports exactly
//   one terminal notification. Every other caller of Run is a no-op.
//
// Cancellation:
//   Cooperative. Cancel and the timeout timer cancel the context handed to
//   the facet; the facet may ignore it. The worker waits for the facet at
//   most callBudget (timeout + margin) and then abandons the call.
//
// Benign race:
//   The timeout timer may fire after the facet returned but before finish().
//   The invocation is then reported as timed out. markTimedOut after finish()
//   is a no-op.
//
// ============================================================================

package operation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/ChuLiYu/opgate/internal/tracing"
	"github.com/ChuLiYu/opgate/pkg/types"
)

// services are the collaborators shared by every invocation of a Manager.
type services struct {
	gateway       *Gateway
	notifier      ServerService
	clock         clock.WithDelayedExecution
	metrics       Metrics
	tracer        trace.Tracer
	logger        *slog.Logger
	notifyTimeout time.Duration

	// accepted invocations whose terminal notification is not yet delivered
	outstanding sync.WaitGroup
}

// outcome is what the execution step hands to the reporting step.
type outcome struct {
	result  *types.OperationResult
	failure *types.ErrorInfo
	aborted bool // never reached the facet
}

// Invocation is one request to run an operation against one resource.
type Invocation struct {
	jobID      types.JobID
	resourceID types.ResourceID
	operation  string
	params     types.Configuration
	definition *types.OperationDefinition
	facet      Facet
	invokedAt  time.Time
	timeout    time.Duration
	callBudget time.Duration

	svc     *services
	ctx     context.Context
	cancel  context.CancelFunc
	span    *tracing.InvocationSpan
	tracked bool // counted in svc.outstanding
	settled sync.Once

	mu          sync.Mutex
	state       State
	canceled    bool
	timedOut    bool
	worker      int // -1 unless Running on a pool worker
	timer       clock.Timer
	startedAt   time.Time
	completedAt time.Time
}

func newInvocation(svc *services, jobID types.JobID, resourceID types.ResourceID, operation string,
	params types.Configuration, def *types.OperationDefinition, facet Facet, timeout, margin time.Duration) *Invocation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Invocation{
		jobID:      jobID,
		resourceID: resourceID,
		operation:  operation,
		params:     params,
		definition: def,
		facet:      facet,
		invokedAt:  svc.clock.Now(),
		timeout:    timeout,
		callBudget: timeout + margin,
		svc:        svc,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateQueued,
		worker:     -1,
	}
}

// JobID returns the job id.
func (inv *Invocation) JobID() types.JobID { return inv.jobID }

// ResourceID returns the target resource.
func (inv *Invocation) ResourceID() types.ResourceID { return inv.resourceID }

// Operation returns the operation name.
func (inv *Invocation) Operation() string { return inv.operation }

// Timeout returns the effective timeout.
func (inv *Invocation) Timeout() time.Duration { return inv.timeout }

// State returns the current lifecycle state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Snapshot returns an immutable copy of the invocation state.
func (inv *Invocation) Snapshot() types.InvocationSnapshot {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	snap := types.InvocationSnapshot{
		JobID:      inv.jobID,
		ResourceID: inv.resourceID,
		Operation:  inv.operation,
		State:      inv.state.String(),
		Canceled:   inv.canceled,
		TimedOut:   inv.timedOut,
		Worker:     inv.worker,
		InvokedAt:  inv.invokedAt,
		Timeout:    inv.timeout,
	}
	if !inv.startedAt.IsZero() {
		started := inv.startedAt
		snap.StartedAt = &started
	}
	if !inv.completedAt.IsZero() {
		completed := inv.completedAt
		snap.CompletedAt = &completed
	}
	return snap
}

// ============================================================================
// 狀態轉換
// ============================================================================

// armTimer schedules the timeout. The clock is never called with inv.mu held:
// a fake clock runs AfterFunc callbacks under its own lock.
func (inv *Invocation) armTimer() {
	timer := inv.svc.clock.AfterFunc(inv.timeout, inv.markTimedOut)
	inv.mu.Lock()
	inv.timer = timer
	inv.mu.Unlock()
}

// markTimedOut is the timer callback.
func (inv *Invocation) markTimedOut() {
	inv.mu.Lock()
	if inv.state == StateFinished {
		inv.mu.Unlock()
		return
	}
	inv.timedOut = true
	inv.canceled = true
	state, worker := inv.state, inv.worker
	inv.mu.Unlock()

	inv.cancel()
	inv.svc.logger.Warn("Operation timed out",
		"job_id", inv.jobID,
		"resource_id", inv.resourceID,
		"operation", inv.operation,
		"timeout", inv.timeout,
		"state", state,
		"worker", worker)
}

// Cancel marks the invocation canceled and interrupts it if running. It
// returns the state observed immediately before the cancel was applied.
// Canceling a finished invocation has no effect.
func (inv *Invocation) Cancel() types.InterruptedState {
	inv.mu.Lock()
	prev := inv.state
	if prev == StateFinished {
		inv.mu.Unlock()
		return types.InterruptedFinished
	}
	inv.canceled = true
	worker := inv.worker
	inv.mu.Unlock()

	if prev == StateRunning {
		inv.cancel()
		inv.svc.logger.Info("Interrupting running operation",
			"job_id", inv.jobID,
			"operation", inv.operation,
			"worker", worker)
	}
	return prev.interrupted()
}

// markRunning claims a queued invocation. claimed is false if someone else
// already owns it; proceed is false if it was canceled while queued.
func (inv *Invocation) markRunning(workerID int) (proceed, claimed bool) {
	now := inv.svc.clock.Now()

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.state != StateQueued {
		return false, false
	}
	inv.state = StateRunning
	inv.worker = workerID
	inv.startedAt = now
	return !inv.canceled, true
}

// finish stops the timer and records completion. The completion time is taken
// before the gateway dispatches the next invocation.
func (inv *Invocation) finish() {
	now := inv.svc.clock.Now()

	inv.mu.Lock()
	inv.state = StateFinished
	inv.worker = -1
	inv.completedAt = now
	timer := inv.timer
	inv.timer = nil
	inv.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	inv.cancel()
}

// discard finishes an invocation that was never accepted by the gateway.
func (inv *Invocation) discard() {
	inv.mu.Lock()
	inv.state = StateFinished
	timer := inv.timer
	inv.timer = nil
	inv.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	inv.cancel()
}

// ============================================================================
// 執行
// ============================================================================

// Run executes the invocation. It is the pool entry point and is also called
// directly (workerID -1) when the gateway force-completes an invocation.
func (inv *Invocation) Run(workerID int) {
	out, claimed := inv.execute(workerID)
	if !claimed {
		return
	}
	inv.svc.gateway.Complete(inv)
	inv.report(out)
}

// abort cancels the invocation and runs its completion path on the caller.
func (inv *Invocation) abort() {
	inv.Cancel()
	inv.Run(-1)
}

// execute claims the invocation, calls the facet unless canceled, and always
// finishes the invocation before returning.
func (inv *Invocation) execute(workerID int) (out outcome, claimed bool) {
	proceed, claimed := inv.markRunning(workerID)
	if !claimed {
		return outcome{}, false
	}

	ctx, span := tracing.StartInvocation(inv.ctx, inv.svc.tracer,
		string(inv.jobID), int(inv.resourceID), inv.operation, workerID)
	inv.span = span

	defer func() {
		if r := recover(); r != nil {
			out = outcome{failure: panicInfo(r)}
		}
		inv.finish()
	}()

	if !proceed {
		return outcome{
			aborted: true,
			failure: &types.ErrorInfo{
				Name:    "Canceled",
				Message: "operation was canceled before it started",
			},
		}, true
	}

	out = inv.callFacet(ctx)
	if out.result != nil {
		out.result.Complex = normalizeResults(inv.svc.logger, inv.jobID, inv.definition, out.result.Complex)
	}
	return out, true
}

// callFacet runs the facet on its own goroutine and waits at most callBudget.
// An abandoned facet call keeps running until it returns on its own.
func (inv *Invocation) callFacet(ctx context.Context) outcome {
	done := make(chan outcome, 1)
	budget := inv.svc.clock.NewTimer(inv.callBudget)
	defer budget.Stop()

	go func() {
		done <- inv.invokeFacet(ctx)
	}()

	select {
	case out := <-done:
		return out
	case <-budget.C():
		inv.svc.logger.Error("Facet call exceeded its budget, abandoning it",
			"job_id", inv.jobID,
			"operation", inv.operation,
			"budget", inv.callBudget)
		return outcome{failure: errorInfo(fmt.Errorf("%w after %s", ErrFacetCallTimeout, inv.callBudget))}
	}
}

func (inv *Invocation) invokeFacet(ctx context.Context) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{failure: panicInfo(r)}
		}
	}()

	result, err := inv.facet.InvokeOperation(ctx, inv.operation, inv.params)
	if err != nil {
		return outcome{result: result, failure: errorInfo(err)}
	}
	return outcome{result: result}
}

// ============================================================================
// 結果回報
// ============================================================================

// classify picks the terminal outcome. A timeout wins over everything; a
// cancel only counts if the facet did not complete cleanly.
func (inv *Invocation) classify(out outcome) Outcome {
	inv.mu.Lock()
	canceled, timedOut := inv.canceled, inv.timedOut
	inv.mu.Unlock()

	failed := out.failure != nil || (out.result != nil && out.result.ErrorMessage != "")
	switch {
	case timedOut:
		return OutcomeTimedOut
	case canceled && (out.aborted || failed):
		return OutcomeCanceled
	case failed:
		return OutcomeFailed
	default:
		return OutcomeSucceeded
	}
}

// report delivers exactly one terminal notification. Delivery failures are
// logged and never retried.
func (inv *Invocation) report(out outcome) {
	kind := inv.classify(out)

	inv.mu.Lock()
	completedAt := inv.completedAt
	inv.mu.Unlock()

	inv.svc.metrics.RecordOutcome(kind, completedAt.Sub(inv.invokedAt))

	var complex types.Configuration
	if out.result != nil {
		complex = out.result.Complex
	}

	switch kind {
	case OutcomeSucceeded:
		inv.span.End(string(kind), nil)
		inv.deliver(kind, func(ctx context.Context) error {
			return inv.svc.notifier.OperationSucceeded(ctx, inv.jobID, complex, inv.invokedAt, completedAt)
		})

	case OutcomeTimedOut:
		inv.span.End(string(kind), fmt.Errorf("timed out after %s", inv.timeout))
		inv.deliver(kind, func(ctx context.Context) error {
			return inv.svc.notifier.OperationTimedOut(ctx, inv.jobID, inv.invokedAt, completedAt)
		})

	case OutcomeCanceled:
		failure := &types.ErrorInfo{Name: "Canceled", Message: ErrCanceled.Error()}
		if out.aborted && out.failure != nil {
			failure = out.failure
		}
		inv.span.End(string(kind), failure)
		inv.deliver(kind, func(ctx context.Context) error {
			return inv.svc.notifier.OperationFailed(ctx, inv.jobID, nil, failure, inv.invokedAt, completedAt)
		})

	case OutcomeFailed:
		failure := out.failure
		if failure == nil {
			failure = &types.ErrorInfo{Name: "OperationError", Message: out.result.ErrorMessage}
		}
		inv.span.End(string(kind), failure)
		inv.deliver(kind, func(ctx context.Context) error {
			return inv.svc.notifier.OperationFailed(ctx, inv.jobID, complex, failure, inv.invokedAt, completedAt)
		})
	}
}

// reject reports an invocation the gateway refused without ever running it.
func (inv *Invocation) reject(cause error) {
	inv.discard()

	now := inv.svc.clock.Now()
	inv.mu.Lock()
	inv.completedAt = now
	inv.mu.Unlock()

	failure := errorInfo(cause)
	inv.svc.metrics.RecordOutcome(OutcomeFailed, now.Sub(inv.invokedAt))
	inv.deliver(OutcomeFailed, func(ctx context.Context) error {
		return inv.svc.notifier.OperationFailed(ctx, inv.jobID, nil, failure, inv.invokedAt, now)
	})
}

// track counts inv in svc.outstanding until its notification is delivered.
func (inv *Invocation) track() {
	inv.tracked = true
	inv.svc.outstanding.Add(1)
}

// settle releases the outstanding count. Safe to call more than once.
func (inv *Invocation) settle() {
	if !inv.tracked {
		return
	}
	inv.settled.Do(inv.svc.outstanding.Done)
}

func (inv *Invocation) deliver(kind Outcome, send func(ctx context.Context) error) {
	defer inv.settle()

	ctx := context.Background()
	if inv.svc.notifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.svc.notifyTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			inv.svc.metrics.RecordNotifyError()
			inv.svc.logger.Error("Controller notification panicked",
				"job_id", inv.jobID,
				"outcome", kind,
				"panic", r)
		}
	}()

	if err := send(ctx); err != nil {
		inv.svc.metrics.RecordNotifyError()
		inv.svc.logger.Error("Failed to notify controller",
			"job_id", inv.jobID,
			"outcome", kind,
			"error", err)
		return
	}

	inv.svc.logger.Debug("Operation reported",
		"job_id", inv.jobID,
		"resource_id", inv.resourceID,
		"operation", inv.operation,
		"outcome", kind)
}
