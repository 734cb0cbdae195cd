package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/ChuLiYu/opgate/pkg/types"
)

// ============================================================================
// Test doubles
// ============================================================================

// notification is one call received by recordingNotifier.
type notification struct {
	kind        Outcome
	jobID       types.JobID
	result      types.Configuration
	failure     *types.ErrorInfo
	invokedAt   time.Time
	completedAt time.Time
}

// recordingNotifier records every terminal notification.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []notification
	ch    chan notification
	err   error // returned from every call when set
	panic bool  // panic in every call when set
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan notification, 1024)}
}

func (r *recordingNotifier) record(n notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	err, shouldPanic := r.err, r.panic
	r.mu.Unlock()

	r.ch <- n
	if shouldPanic {
		panic("notifier exploded")
	}
	return err
}

func (r *recordingNotifier) OperationSucceeded(_ context.Context, jobID types.JobID, result types.Configuration, invokedAt, completedAt time.Time) error {
	return r.record(notification{kind: OutcomeSucceeded, jobID: jobID, result: result, invokedAt: invokedAt, completedAt: completedAt})
}

func (r *recordingNotifier) OperationFailed(_ context.Context, jobID types.JobID, result types.Configuration, failure *types.ErrorInfo, invokedAt, completedAt time.Time) error {
	kind := OutcomeFailed
	if failure != nil && failure.Name == "Canceled" {
		kind = OutcomeCanceled
	}
	return r.record(notification{kind: kind, jobID: jobID, result: result, failure: failure, invokedAt: invokedAt, completedAt: completedAt})
}

func (r *recordingNotifier) OperationTimedOut(_ context.Context, jobID types.JobID, invokedAt, timedOutAt time.Time) error {
	return r.record(notification{kind: OutcomeTimedOut, jobID: jobID, invokedAt: invokedAt, completedAt: timedOutAt})
}

// await waits for the next notification.
func (r *recordingNotifier) await(t *testing.T) notification {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return notification{}
	}
}

// awaitN waits for n notifications and indexes them by job id.
func (r *recordingNotifier) awaitN(t *testing.T, n int) map[types.JobID]notification {
	t.Helper()
	got := make(map[types.JobID]notification, n)
	for i := 0; i < n; i++ {
		note := r.await(t)
		_, dup := got[note.jobID]
		require.False(t, dup, "duplicate notification for %s", note.jobID)
		got[note.jobID] = note
	}
	return got
}

// assertQuiet fails if a notification arrives within d.
func (r *recordingNotifier) assertQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case n := <-r.ch:
		t.Fatalf("unexpected notification %s for %s", n.kind, n.jobID)
	case <-time.After(d):
	}
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

// singleFacet serves the same facet for every resource.
type singleFacet struct{ facet Facet }

func (s singleFacet) OperationFacet(types.ResourceID) (Facet, error) { return s.facet, nil }

// missingFacets never finds a facet.
type missingFacets struct{}

func (missingFacets) OperationFacet(id types.ResourceID) (Facet, error) {
	return nil, fmt.Errorf("resource %d has no operation facet", id)
}

// definitions is a map-backed DefinitionLookup.
type definitions map[string]*types.OperationDefinition

func (d definitions) OperationDefinition(_ types.ResourceID, name string) (*types.OperationDefinition, bool) {
	def, ok := d[name]
	return def, ok
}

// gate lets a test hold facet calls until released.
type gate struct {
	started chan types.JobID
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan types.JobID, 1024), release: make(chan struct{})}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) awaitStarted(t *testing.T) types.JobID {
	t.Helper()
	select {
	case id := <-g.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for facet to start")
		return ""
	}
}

// blocking returns a facet that ignores ctx and waits for the gate.
func (g *gate) blocking() Facet {
	return FacetFunc(func(_ context.Context, _ string, params types.Configuration) (*types.OperationResult, error) {
		g.started <- jobOf(params)
		<-g.release
		return &types.OperationResult{}, nil
	})
}

// cooperative returns a facet that stops as soon as ctx is canceled.
func (g *gate) cooperative() Facet {
	return FacetFunc(func(ctx context.Context, _ string, params types.Configuration) (*types.OperationResult, error) {
		g.started <- jobOf(params)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.release:
			return &types.OperationResult{}, nil
		}
	})
}

// jobOf reads the "job" parameter tests attach so facets can report who runs.
func jobOf(params types.Configuration) types.JobID {
	id, _ := params["job"].(string)
	return types.JobID(id)
}

func jobParams(job string) types.Configuration {
	return types.Configuration{"job": job}
}

var errBoom = errors.New("boom")

// ============================================================================
// Manager fixture
// ============================================================================

func testConfig() Config {
	return Config{
		WorkerCount:        4,
		QueueCapacity:      100,
		DefaultTimeout:     time.Minute,
		FacetTimeoutMargin: 10 * time.Second,
		ShutdownGrace:      500 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg Config, facets FacetLocator, opts ...Option) (*Manager, *recordingNotifier, *testclock.FakeClock) {
	t.Helper()
	notifier := newRecordingNotifier()
	clk := testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clk)}, opts...)

	m, err := NewManager(cfg, facets, notifier, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m, notifier, clk
}

// eventually polls cond with the real clock.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}
