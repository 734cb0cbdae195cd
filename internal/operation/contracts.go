package operation

import (
	"context"
	"time"

	"github.com/ChuLiYu/opgate/pkg/types"
)

// Facet performs the business logic of an operation. It may block for a long
// time, ignore ctx, return an error or panic; the invocation copes with all of
// these. ctx is canceled when the invocation is canceled or times out.
type Facet interface {
	InvokeOperation(ctx context.Context, name string, params types.Configuration) (*types.OperationResult, error)
}

// FacetFunc adapts a function to the Facet interface.
type FacetFunc func(ctx context.Context, name string, params types.Configuration) (*types.OperationResult, error)

// InvokeOperation calls f.
func (f FacetFunc) InvokeOperation(ctx context.Context, name string, params types.Configuration) (*types.OperationResult, error) {
	return f(ctx, name, params)
}

// FacetLocator resolves the operation facet of a managed resource.
type FacetLocator interface {
	OperationFacet(resourceID types.ResourceID) (Facet, error)
}

// DefinitionLookup returns the static definition of an operation, if any.
// A missing definition is not an error.
type DefinitionLookup interface {
	OperationDefinition(resourceID types.ResourceID, name string) (*types.OperationDefinition, bool)
}

// ServerService receives the terminal notification of every invocation.
// Implementations may fail or panic; the caller only logs such failures.
type ServerService interface {
	OperationSucceeded(ctx context.Context, jobID types.JobID, result types.Configuration, invokedAt, completedAt time.Time) error
	OperationFailed(ctx context.Context, jobID types.JobID, result types.Configuration, failure *types.ErrorInfo, invokedAt, completedAt time.Time) error
	OperationTimedOut(ctx context.Context, jobID types.JobID, invokedAt, timedOutAt time.Time) error
}

// Metrics is the instrumentation hook used by the gateway and invocations.
type Metrics interface {
	RecordSubmitted()
	RecordRejected(reason string)
	RecordDispatched()
	RecordOutcome(outcome Outcome, elapsed time.Duration)
	RecordNotifyError()
	SetQueueState(registered, queued, busyResources int)
}

type nopMetrics struct{}

func (nopMetrics) RecordSubmitted() {}
func (nopMetrics) RecordRejected(string) {}
func (nopMetrics) RecordDispatched() {}
func (nopMetrics) RecordOutcome(Outcome, time.Duration) {}
func (nopMetrics) RecordNotifyError() {}
func (nopMetrics) SetQueueState(int, int, int) {}
