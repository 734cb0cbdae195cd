// ============================================================================
// opgate Gateway - 每個資源單一執行的准入與分派閘道
// ============================================================================
//
// Package: internal/operation
// File: gateway.go
// Function: Serializes invocations per resource while letting different
//           resources run in parallel on the bounded worker pool.
//
// Shared state (all guarded by mu):
//   resourceQueues  resourceID -> FIFO of invocations waiting for that resource
//                   present with empty queue = one invocation is in the pool
//                   absent                   = resource idle
//   allInvocations  jobID -> invocation, for cancel-by-id and shutdown
//   stopped         false -> true, never back
//
// The lock is held only for map bookkeeping. Pool submission, facet calls and
// controller notifications all happen outside it.
//
// Flow:
//   Submit ──idle──> claim resource ──> pool
//          └─busy──> append to resource queue
//   Complete ──queue empty──> release resource
//            └─otherwise───> pop head ──> pool (force-complete if rejected)
//
// Shutdown:
//   1. stopped = true, take every queued invocation out of the resource queues
//   2. cancel every registered invocation (interrupts the running ones)
//   3. drain the pool backlog; run queued + backlog synchronously (abort path)
//   4. wait up to the grace period for workers
//   5. force-complete anything still Queued (accepted by the pool, never started)
//
// ============================================================================

package operation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/opgate/internal/worker"
	"github.com/ChuLiYu/opgate/pkg/types"
)

// DefaultShutdownGrace bounds how long Shutdown waits for running invocations.
const DefaultShutdownGrace = 5 * time.Second

// Stats is a point-in-time view of the gateway.
type Stats struct {
	Registered    int  `json:"registered"`
	Queued        int  `json:"queued"`
	BusyResources int  `json:"busy_resources"`
	Stopped       bool `json:"stopped"`
}

// Gateway enforces single-flight-per-resource on top of a worker pool.
type Gateway struct {
	mu             sync.Mutex
	pool           *worker.Pool
	resourceQueues map[types.ResourceID][]*Invocation
	allInvocations map[types.JobID]*Invocation
	stopped        bool
	queued         int

	grace   time.Duration
	metrics Metrics
	logger  *slog.Logger
}

// NewGateway creates a gateway dispatching onto pool. The pool must already
// be started; the gateway drains it on Shutdown.
func NewGateway(pool *worker.Pool, grace time.Duration, metrics Metrics, logger *slog.Logger) *Gateway {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		pool:           pool,
		resourceQueues: make(map[types.ResourceID][]*Invocation),
		allInvocations: make(map[types.JobID]*Invocation),
		grace:          grace,
		metrics:        metrics,
		logger:         logger,
	}
}

// Submit registers inv and either dispatches it or queues it behind the
// invocation currently holding its resource.
//
// If the pool rejects an immediate dispatch, inv is canceled and completed on
// the caller's goroutine so the controller is still notified, and the pool
// error is returned.
func (g *Gateway) Submit(inv *Invocation) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return ErrGatewayStopped
	}
	if _, exists := g.allInvocations[inv.jobID]; exists {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, inv.jobID)
	}

	g.allInvocations[inv.jobID] = inv

	if queue, busy := g.resourceQueues[inv.resourceID]; busy {
		g.resourceQueues[inv.resourceID] = append(queue, inv)
		g.queued++
		position := len(queue) + 1
		g.updateGaugesLocked()
		g.mu.Unlock()

		g.logger.Debug("Resource busy, operation queued",
			"job_id", inv.jobID,
			"resource_id", inv.resourceID,
			"operation", inv.operation,
			"position", position)
		return nil
	}

	g.resourceQueues[inv.resourceID] = make([]*Invocation, 0)
	g.updateGaugesLocked()
	g.mu.Unlock()

	if err := g.pool.Submit(inv); err != nil {
		g.logger.Warn("Worker pool rejected operation, canceling it",
			"job_id", inv.jobID,
			"resource_id", inv.resourceID,
			"error", err)
		g.metrics.RecordRejected("pool")
		inv.abort()
		return fmt.Errorf("dispatch %s: %w", inv.jobID, err)
	}

	g.metrics.RecordDispatched()
	return nil
}

// Complete is called exactly once by a finished invocation. It releases the
// resource or hands it to the next queued invocation.
func (g *Gateway) Complete(inv *Invocation) {
	next := g.release(inv)
	for next != nil {
		err := g.pool.Submit(next)
		if err == nil {
			g.metrics.RecordDispatched()
			return
		}

		g.logger.Error("Failed to dispatch queued operation, force-completing it",
			"job_id", next.jobID,
			"resource_id", next.resourceID,
			"error", err)
		g.metrics.RecordRejected("pool")

		next.Cancel()
		out, claimed := next.execute(-1)
		if !claimed {
			return
		}
		following := g.release(next)
		next.report(out)
		next = following
	}
}

// release unregisters inv and pops the next invocation waiting for its
// resource, if any. After shutdown it only unregisters.
func (g *Gateway) release(inv *Invocation) *Invocation {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.allInvocations, inv.jobID)
	defer g.updateGaugesLocked()

	if g.stopped {
		return nil
	}

	queue, ok := g.resourceQueues[inv.resourceID]
	if !ok {
		return nil
	}
	if len(queue) == 0 {
		delete(g.resourceQueues, inv.resourceID)
		return nil
	}

	next := queue[0]
	queue[0] = nil
	g.resourceQueues[inv.resourceID] = queue[1:]
	g.queued--
	return next
}

// Lookup returns the registered invocation for jobID, or nil.
func (g *Gateway) Lookup(jobID types.JobID) *Invocation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allInvocations[jobID]
}

// Stats returns a snapshot of the gateway bookkeeping.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Registered:    len(g.allInvocations),
		Queued:        g.queued,
		BusyResources: len(g.resourceQueues),
		Stopped:       g.stopped,
	}
}

// Stopped reports whether Shutdown has been called.
func (g *Gateway) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Shutdown stops accepting invocations and drives every registered one to a
// terminal notification. A second call is a no-op.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true

	var queued []*Invocation
	for rid, queue := range g.resourceQueues {
		queued = append(queued, queue...)
		g.resourceQueues[rid] = queue[:0]
	}
	g.queued = 0

	registered := make([]*Invocation, 0, len(g.allInvocations))
	for _, inv := range g.allInvocations {
		registered = append(registered, inv)
	}
	g.updateGaugesLocked()
	g.mu.Unlock()

	g.logger.Info("Shutting down operation gateway",
		"registered", len(registered),
		"queued", len(queued),
		"workers", g.pool.GetWorkerCount(),
		"active_workers", g.pool.ActiveCount(),
		"pool_backlog", g.pool.QueuedCount())

	for _, inv := range registered {
		inv.Cancel()
	}

	backlog := g.pool.Drain()
	for _, task := range backlog {
		task.Run(-1)
	}
	for _, inv := range queued {
		inv.Run(-1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.grace)
	if err := g.pool.AwaitTermination(ctx); err != nil {
		g.logger.Warn("Workers still busy after shutdown grace period",
			"grace", g.grace,
			"active", g.pool.ActiveCount())
	}
	cancel()

	// Invocations the pool accepted but no worker ever started.
	for _, inv := range g.limbo() {
		g.logger.Warn("Force-completing operation stuck in queued state",
			"job_id", inv.jobID,
			"resource_id", inv.resourceID)
		inv.abort()
	}

	g.logger.Info("Operation gateway stopped",
		"drained", len(backlog)+len(queued))
}

func (g *Gateway) limbo() []*Invocation {
	g.mu.Lock()
	registered := make([]*Invocation, 0, len(g.allInvocations))
	for _, inv := range g.allInvocations {
		registered = append(registered, inv)
	}
	g.mu.Unlock()

	var stuck []*Invocation
	for _, inv := range registered {
		if inv.State() == StateQueued {
			stuck = append(stuck, inv)
		}
	}
	return stuck
}

func (g *Gateway) updateGaugesLocked() {
	g.metrics.SetQueueState(len(g.allInvocations), g.queued, len(g.resourceQueues))
}
