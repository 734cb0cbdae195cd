package operation

import "github.com/ChuLiYu/opgate/pkg/types"

// State is the primary lifecycle state of an invocation.
// Transitions are linear: Queued -> Running -> Finished.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// interrupted maps the state observed just before a cancel onto the value
// returned to the controller.
func (s State) interrupted() types.InterruptedState {
	switch s {
	case StateQueued:
		return types.InterruptedQueued
	case StateRunning:
		return types.InterruptedRunning
	case StateFinished:
		return types.InterruptedFinished
	default:
		return types.InterruptedUnknown
	}
}

// Outcome names the terminal result reported for an invocation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCanceled  Outcome = "canceled"
)
