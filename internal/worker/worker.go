// ============================================================================
// opgate Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task, passing its own worker id
//   3. Repeat until taskCh is closed and empty
//
// Timeouts and result reporting are owned by the task itself; the worker only
// provides the goroutine. A panicking task is recovered and logged so that a
// single bad task never shrinks the pool.
//
// ============================================================================

package worker

import (
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

var log = slog.Default()

// Task is a unit of work accepted by the pool.
type Task interface {
	// Run executes the task on the worker identified by workerID.
	Run(workerID int)
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(workerID int)

// Run calls f(workerID).
func (f TaskFunc) Run(workerID int) { f(workerID) }

// Worker represents a work execution unit
type Worker struct {
	id     int           // Worker unique identifier, used for logging and debugging
	taskCh <-chan Task   // Task channel (read-only)
	active *atomic.Int32 // Shared count of busy workers
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, active *atomic.Int32) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		active: active,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		w.execute(task)
	}
}

func (w *Worker) execute(task Task) {
	w.active.Add(1)
	defer w.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Worker task panicked",
				"worker", w.id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	task.Run(w.id)
}
