// ============================================================================
// Harvester Worker - Background Stage Runner
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs at most one stage (harvest, save, submit) at a time on its
// own goroutine and reports the outcome through a callback.
//
// Execution Model:
//   ┌────────────────────────────────────────┐
//   │  Runner                                │
//   │   Start(ctx, task) ── busy? ErrBusy    │
//   │        │                               │
//   │        └─ goroutine                    │
//   │             ├─ task.Run(ctx) (recover) │
//   │             ├─ mark idle               │
//   │             └─ onResult(result)        │
//   └────────────────────────────────────────┘
//
// The runner is marked idle before onResult fires, so the callback may start
// the next chained stage immediately.
//
// Cancellation is owned by the caller: the ctx passed to Start is the one the
// controller cancels on abort.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrBusy is returned when a stage is already running.
	ErrBusy = errors.New("worker is busy")
	// ErrRunnerClosed is returned after Stop.
	ErrRunnerClosed = errors.New("worker runner is closed")
)

// Runner executes one Task at a time.
type Runner struct {
	onResult func(Result)

	mu      sync.Mutex
	running bool
	current string // run id of the running task
	stopped bool

	wg sync.WaitGroup
}

// NewRunner creates a runner that calls onResult after every task.
func NewRunner(onResult func(Result)) *Runner {
	if onResult == nil {
		onResult = func(Result) {}
	}
	return &Runner{onResult: onResult}
}

// Start launches task on a new goroutine.
func (r *Runner) Start(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %s/%s has no body", task.RunID, task.Stage)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	if r.running {
		r.mu.Unlock()
		return ErrBusy
	}
	r.running = true
	r.current = task.RunID
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		start := time.Now()
		err := execute(ctx, task)
		result := Result{
			RunID:    task.RunID,
			Stage:    task.Stage,
			Err:      err,
			Duration: time.Since(start),
		}

		r.mu.Lock()
		r.running = false
		r.current = ""
		r.mu.Unlock()

		r.onResult(result)
	}()
	return nil
}

// execute runs the task body, converting a panic into an error.
func execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s stage panicked: %v", task.Stage, p)
		}
	}()
	return task.Run(ctx)
}

// busy reports whether a task is running.
func (r *Runner) busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// currentRun returns the run id of the running task, or "".
func (r *Runner) currentRun() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Wait blocks until the running task (and its result callback) has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop refuses new tasks and waits for the running one. The caller cancels
// the running task's context first if it should not run to completion.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.wg.Wait()
}
