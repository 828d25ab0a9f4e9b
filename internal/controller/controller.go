// ============================================================================
// Harvester Controller - Life-Cycle State Machine
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Owns the service life cycle and serializes every harvest,
// save, submit and abort request against it.
//
// States:
//
//	Initialization ──ok──▶ Idle ──harvest──▶ Harvesting ──▶ Saving ──▶ Submitting
//	      │                 ▲                    │             │            │
//	      └──fail──▶ Error  └──────── Idle ◀─────┴─────────────┴────────────┘
//	                                  ▲
//	                       Aborting ──┘   (any running stage ──abort──▶ Aborting)
//
// Concurrency:
//   - All transitions happen under one mutex.
//   - Events are published after the mutex is released, so bus handlers may
//     call back into the controller.
//   - Stages run on the worker.Runner goroutine with a cancelable context;
//     abort cancels that context and the stage returns context.Canceled.
//   - The runner reports through events.ProcessFinished, which the controller
//     consumes to finish the stage and optionally chain the next one.
//
// Chaining:
//   Harvesting ─ok─▶ Saving      if AutoSaveQuery answers true
//   Harvesting ─ok─▶ Submitting  if AutoSubmitQuery answers true and AutoSave does not
//   Saving     ─ok─▶ Submitting  if both queries answer true
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/events"
	"github.com/ChuLiYu/harvester/internal/worker"
	"github.com/ChuLiYu/harvester/pkg/types"
)

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("controller is closed")

// Process is the work the controller drives through the life cycle.
type Process interface {
	Init(ctx context.Context) error
	Harvest(ctx context.Context, req types.HarvestRequest) error
	Save(ctx context.Context) error
	Submit(ctx context.Context) error
}

// Config tunes a Controller. Zero values pick defaults.
type Config struct {
	Logger   *slog.Logger
	NewRunID func() string    // run id generator, uuid by default
	Clock    func() time.Time // time source for State.Since
}

// Controller is the life-cycle state machine.
type Controller struct {
	mu           sync.Mutex
	state        types.State
	runID        string             // run owning the current stage, "" when idle
	cancel       context.CancelFunc // cancels the running stage
	initializing bool
	closed       bool

	bus     *eventbus.Bus
	process Process
	runner  *worker.Runner
	subs    []*eventbus.Subscription

	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// launch is a stage that has been admitted but not yet started.
type launch struct {
	ctx  context.Context
	task worker.Task
}

// NewController creates a controller in the Initialization phase. Call Init
// to run the process initialization.
func NewController(bus *eventbus.Bus, process Process, cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Controller{
		bus:     bus,
		process: process,
		logger:  cfg.Logger.With("component", "controller"),
		newID:   cfg.NewRunID,
		now:     cfg.Clock,
	}
	c.state = types.State{Phase: types.PhaseInitialization, Since: c.now()}
	c.runner = worker.NewRunner(c.onResult)

	c.subs = append(c.subs,
		eventbus.On(bus, c.handleProcessFinished),
		eventbus.On(bus, c.handleProgress),
	)
	return c
}

// ============================================================================
// Requests
// ============================================================================

// Init runs the process initialization and moves to Idle, or to Error on
// failure.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase != types.PhaseInitialization || c.initializing {
		err := &TransitionError{From: c.state.Phase, To: types.PhaseIdle, Op: "initialize"}
		c.mu.Unlock()
		return err
	}
	c.initializing = true
	c.mu.Unlock()

	c.bus.Publish(events.InitStarted{})
	start := time.Now()
	err := c.process.Init(ctx)

	c.mu.Lock()
	c.initializing = false
	var changed events.StateChanged
	if err != nil {
		changed = c.setLocked(types.State{Phase: types.PhaseError, LastError: err.Error()})
	} else {
		changed = c.setLocked(types.State{Phase: types.PhaseIdle})
	}
	c.mu.Unlock()

	c.publish(events.InitFinished{Success: err == nil, Err: err}, changed)

	if err != nil {
		c.logger.Error("Initialization failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("initialization failed: %w", err)
	}
	c.logger.Info("Initialization finished", "duration", time.Since(start))
	return nil
}

// RequestHarvest starts a harvest of req in the background and returns its
// run id. It fails with ErrInvalidState unless the controller is Idle.
func (c *Controller) RequestHarvest(req types.HarvestRequest) (string, error) {
	c.mu.Lock()
	if err := c.admitLocked("harvest", types.PhaseHarvesting); err != nil {
		c.mu.Unlock()
		return "", err
	}
	runID := c.newID()
	l, changed := c.beginLocked(types.PhaseHarvesting, runID, req)
	c.mu.Unlock()

	c.logger.Info("Harvest requested", "run_id", runID, "from", req.From, "to", req.To, "force", req.Force)
	c.publish(changed, events.HarvestStarted{RunID: runID, Request: req})
	c.start(l)
	return runID, nil
}

// RequestSave writes the pending batch to disk outside of a harvest chain.
func (c *Controller) RequestSave() (string, error) {
	return c.requestStage("save", types.PhaseSaving)
}

// RequestSubmit sends the pending batch to the index outside of a harvest chain.
func (c *Controller) RequestSubmit() (string, error) {
	return c.requestStage("submit", types.PhaseSubmitting)
}

func (c *Controller) requestStage(op string, stage types.Phase) (string, error) {
	c.mu.Lock()
	if err := c.admitLocked(op, stage); err != nil {
		c.mu.Unlock()
		return "", err
	}
	runID := c.newID()
	l, changed := c.beginLocked(stage, runID, types.HarvestRequest{})
	c.mu.Unlock()

	c.logger.Info("Stage requested", "stage", stage, "run_id", runID)
	c.publish(changed, startedEvent(stage, runID, types.HarvestRequest{}))
	c.start(l)
	return runID, nil
}

// RequestAbort asks the running stage to stop. The controller moves to
// Aborting immediately and to Idle once the stage has returned.
func (c *Controller) RequestAbort() error {
	c.mu.Lock()
	from := c.state.Phase
	switch from {
	case types.PhaseHarvesting, types.PhaseSaving, types.PhaseSubmitting:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: service is %s", ErrNothingToAbort, from)
	}
	runID := c.runID
	cancel := c.cancel
	changed := c.setLocked(types.State{Phase: types.PhaseAborting, AbortedFrom: from, RunID: runID})
	c.mu.Unlock()

	c.logger.Info("Abort requested", "run_id", runID, "stage", from)
	c.publish(changed, events.AbortingStarted{RunID: runID, From: from})
	if cancel != nil {
		cancel()
	}
	return nil
}

// Reset cancels any running stage, waits for it, returns to Initialization
// and runs Init again. It is the only way out of Error.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.initializing {
		c.mu.Unlock()
		return &TransitionError{From: types.PhaseInitialization, To: types.PhaseInitialization, Op: "reset"}
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.runID = ""
	changed := c.setLocked(types.State{Phase: types.PhaseInitialization})
	c.mu.Unlock()

	c.runner.Wait()
	c.logger.Info("Service reset")
	c.publish(events.ServiceReset{}, changed)
	return c.Init(ctx)
}

// Current returns a snapshot of the life-cycle state.
func (c *Controller) Current() types.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	return s
}

// Close cancels the running stage, waits for it and detaches from the bus.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.runner.Stop()
	for _, sub := range c.subs {
		c.bus.Unsubscribe(sub)
	}
	c.logger.Info("Controller stopped")
}

// ============================================================================
// Stage lifecycle
// ============================================================================

func (c *Controller) admitLocked(op string, to types.Phase) error {
	if c.closed {
		return ErrClosed
	}
	if c.initializing {
		return &TransitionError{From: types.PhaseInitialization, To: to, Op: op}
	}
	return validateTransition(op, c.state.Phase, to)
}

// beginLocked moves to stage and prepares its context and task.
func (c *Controller) beginLocked(stage types.Phase, runID string, req types.HarvestRequest) (launch, events.StateChanged) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.runID = runID
	changed := c.setLocked(types.State{Phase: stage, RunID: runID})

	return launch{
		ctx: ctx,
		task: worker.Task{
			RunID: runID,
			Stage: stage,
			Run:   c.stageBody(stage, req),
		},
	}, changed
}

func (c *Controller) stageBody(stage types.Phase, req types.HarvestRequest) func(context.Context) error {
	switch stage {
	case types.PhaseHarvesting:
		return func(ctx context.Context) error { return c.process.Harvest(ctx, req) }
	case types.PhaseSaving:
		return c.process.Save
	default:
		return c.process.Submit
	}
}

// start hands an admitted stage to the runner. A runner refusal is reported
// as a failed stage so the state machine returns to Idle.
func (c *Controller) start(l launch) {
	if err := c.runner.Start(l.ctx, l.task); err != nil {
		c.logger.Error("Failed to start stage", "stage", l.task.Stage, "run_id", l.task.RunID, "error", err)
		c.onResult(worker.Result{
			RunID: l.task.RunID,
			Stage: l.task.Stage,
			Err:   fmt.Errorf("failed to start %s: %w", l.task.Stage, err),
		})
	}
}

// onResult runs on the runner goroutine.
func (c *Controller) onResult(res worker.Result) {
	c.bus.Publish(events.ProcessFinished{
		RunID:    res.RunID,
		Stage:    res.Stage,
		Err:      res.Err,
		Duration: res.Duration,
	})
}

func (c *Controller) handleProcessFinished(evt events.ProcessFinished) error {
	autoSave, autoSubmit := c.chainFlags()

	c.mu.Lock()
	if evt.RunID == "" || evt.RunID != c.runID {
		c.mu.Unlock()
		c.logger.Debug("Ignoring result of a superseded run", "run_id", evt.RunID, "stage", evt.Stage)
		return nil
	}

	phase := c.state.Phase
	var (
		out  []eventbus.Event
		next *launch
	)

	switch {
	case phase == types.PhaseAborting:
		// a stage that completed before noticing the abort keeps its result
		// but never chains
		o := outcomeAborted
		switch {
		case evt.Err == nil:
			o = outcomeSucceeded
		case errors.Is(evt.Err, types.ErrUpToDate):
			o = outcomeSkipped
		}
		from := c.state.AbortedFrom
		out = append(out,
			finishedEvent(evt, o),
			events.AbortingFinished{RunID: evt.RunID, From: from},
			c.finishLocked(""))
		if o == outcomeAborted {
			c.logger.Info("Stage aborted", "stage", evt.Stage, "run_id", evt.RunID, "duration", evt.Duration)
		} else {
			c.logger.Info("Stage completed before abort took effect", "stage", evt.Stage, "run_id", evt.RunID, "duration", evt.Duration)
		}

	case phase != evt.Stage:
		c.mu.Unlock()
		c.logger.Warn("Result does not match running stage", "stage", evt.Stage, "phase", phase, "run_id", evt.RunID)
		return nil

	case errors.Is(evt.Err, context.Canceled):
		out = append(out, finishedEvent(evt, outcomeAborted), c.finishLocked(""))
		c.logger.Warn("Stage canceled", "stage", evt.Stage, "run_id", evt.RunID)

	case evt.Err != nil && !errors.Is(evt.Err, types.ErrUpToDate):
		out = append(out, finishedEvent(evt, outcomeFailed), c.finishLocked(evt.Err.Error()))
		c.logger.Error("Stage failed", "stage", evt.Stage, "run_id", evt.RunID, "error", evt.Err, "duration", evt.Duration)

	default:
		skipped := errors.Is(evt.Err, types.ErrUpToDate)
		o := outcomeSucceeded
		if skipped {
			o = outcomeSkipped
		}
		out = append(out, finishedEvent(evt, o))
		c.logger.Info("Stage finished", "stage", evt.Stage, "run_id", evt.RunID, "skipped", skipped, "duration", evt.Duration)

		stage := types.Phase("")
		if !skipped {
			stage = nextStage(evt.Stage, autoSave, autoSubmit)
		}
		if stage != "" {
			l, changed := c.beginLocked(stage, evt.RunID, types.HarvestRequest{})
			next = &l
			out = append(out, changed, startedEvent(stage, evt.RunID, types.HarvestRequest{}))
		} else {
			out = append(out, c.finishLocked(""))
		}
	}
	c.mu.Unlock()

	c.publish(out...)
	if next != nil {
		c.start(*next)
	}
	return nil
}

func (c *Controller) handleProgress(evt events.HarvestProgress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == evt.Stage {
		c.state.Progress = &types.Progress{Current: evt.Current, Max: evt.Max}
	}
	return nil
}

// finishLocked returns to Idle and clears the run.
func (c *Controller) finishLocked(lastError string) events.StateChanged {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.runID = ""
	return c.setLocked(types.State{Phase: types.PhaseIdle, LastError: lastError})
}

func (c *Controller) setLocked(next types.State) events.StateChanged {
	prev := c.state
	if !isValidTransition(prev.Phase, next.Phase) {
		c.logger.Error("Unexpected state transition", "from", prev.Phase, "to", next.Phase)
	}
	next.Since = c.now()
	c.state = next
	return events.StateChanged{From: prev, To: next}
}

func (c *Controller) publish(evts ...eventbus.Event) {
	for _, e := range evts {
		c.bus.Publish(e)
	}
}

// chainFlags asks the bus for the auto-chaining switches. Unanswered queries
// count as false.
func (c *Controller) chainFlags() (autoSave, autoSubmit bool) {
	autoSave, _ = eventbus.Ask[bool](c.bus, events.AutoSaveQuery{})
	autoSubmit, _ = eventbus.Ask[bool](c.bus, events.AutoSubmitQuery{})
	return autoSave, autoSubmit
}

func nextStage(finished types.Phase, autoSave, autoSubmit bool) types.Phase {
	switch finished {
	case types.PhaseHarvesting:
		if autoSave {
			return types.PhaseSaving
		}
		if autoSubmit {
			return types.PhaseSubmitting
		}
	case types.PhaseSaving:
		if autoSave && autoSubmit {
			return types.PhaseSubmitting
		}
	}
	return ""
}
