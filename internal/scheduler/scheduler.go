// Package scheduler triggers harvests from persisted cron expressions.
//
// Every registered expression owns one one-shot timer armed for its next
// instant. When the timer fires the scheduler asks the controller for a
// harvest, publishes ScheduledTaskFired and re-arms from the current time.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/harvester/internal/cron"
	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/events"
	"github.com/ChuLiYu/harvester/internal/snapshot"
	"github.com/ChuLiYu/harvester/pkg/types"
)

var (
	ErrDuplicateTask = errors.New("task already scheduled")
	ErrTaskNotFound  = errors.New("task not found")
	// ErrPersist wraps a failure to save the task list. The in-memory
	// registry has already been updated when it is returned.
	ErrPersist = errors.New("failed to persist scheduled tasks")
)

// Trigger starts a harvest. The controller satisfies it.
type Trigger interface {
	RequestHarvest(req types.HarvestRequest) (string, error)
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	Cron     string    `json:"cron"`
	NextFire time.Time `json:"next_fire"`
}

type task struct {
	schedule *cron.Schedule
	next     time.Time
	timer    Timer
	gen      uint64 // zero when disarmed
}

// Config tunes a Scheduler.
type Config struct {
	Path    string               // JSON file holding the expression list
	Request types.HarvestRequest // harvest issued on every fire
	Clock   Clock
	Logger  *slog.Logger
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	gen     uint64 // last generation handed to an armed timer
	stopped bool

	trigger Trigger
	bus     *eventbus.Bus
	store   *snapshot.Manager[[]string]
	request types.HarvestRequest
	clock   Clock
	logger  *slog.Logger
}

// New creates a scheduler. Call Load to restore persisted tasks.
func New(cfg Config, trigger Trigger, bus *eventbus.Bus) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		tasks:   make(map[string]*task),
		trigger: trigger,
		bus:     bus,
		store:   snapshot.NewManager[[]string](cfg.Path),
		request: cfg.Request,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "scheduler"),
	}
}

// AddTask registers expr and arms its timer. The expression is normalized to
// single-space separated fields before the duplicate check.
func (s *Scheduler) AddTask(expr string) (TaskInfo, error) {
	sched, err := cron.Parse(expr)
	if err != nil {
		return TaskInfo{}, err
	}
	key := sched.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[key]; ok {
		return TaskInfo{}, fmt.Errorf("%w: %q", ErrDuplicateTask, key)
	}
	t := &task{schedule: sched}
	if err := s.armLocked(key, t); err != nil {
		return TaskInfo{}, err
	}
	s.tasks[key] = t

	s.logger.Info("Task scheduled", "cron", key, "next_fire", t.next)
	info := TaskInfo{Cron: key, NextFire: t.next}
	return info, s.saveLocked()
}

// DeleteTask cancels and removes expr.
func (s *Scheduler) DeleteTask(expr string) error {
	key := cron.Normalize(expr)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, key)
	}
	stopTimer(t)
	delete(s.tasks, key)

	s.logger.Info("Task deleted", "cron", key)
	return s.saveLocked()
}

// DeleteAll cancels and removes every task and returns how many there were.
func (s *Scheduler) DeleteAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tasks)
	for key, t := range s.tasks {
		stopTimer(t)
		delete(s.tasks, key)
	}

	s.logger.Info("All tasks deleted", "count", n)
	return n, s.saveLocked()
}

// Tasks lists registered tasks sorted by expression.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for key, t := range s.tasks {
		out = append(out, TaskInfo{Cron: key, NextFire: t.next})
	}
	slices.SortFunc(out, func(a, b TaskInfo) int {
		switch {
		case a.Cron < b.Cron:
			return -1
		case a.Cron > b.Cron:
			return 1
		}
		return 0
	})
	return out
}

// Load restores the persisted task list. Invalid or duplicate entries are
// logged and skipped. A missing file is not an error.
func (s *Scheduler) Load() error {
	exprs, err := s.store.Load()
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		s.logger.Info("No scheduled tasks persisted", "path", s.store.GetPath())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load scheduled tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, expr := range exprs {
		sched, err := cron.Parse(expr)
		if err != nil {
			s.logger.Warn("Skipping invalid persisted task", "cron", expr, "error", err)
			continue
		}
		key := sched.String()
		if _, ok := s.tasks[key]; ok {
			s.logger.Warn("Skipping duplicate persisted task", "cron", key)
			continue
		}
		t := &task{schedule: sched}
		if err := s.armLocked(key, t); err != nil {
			s.logger.Warn("Skipping persisted task", "cron", key, "error", err)
			continue
		}
		s.tasks[key] = t
		loaded++
	}

	s.logger.Info("Scheduled tasks restored", "count", loaded, "persisted", len(exprs))
	return nil
}

// Stop cancels every timer. The persisted list is left untouched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for _, t := range s.tasks {
		stopTimer(t)
	}
}

// armLocked computes the next instant after now and starts the timer.
func (s *Scheduler) armLocked(key string, t *task) error {
	if s.stopped {
		return errors.New("scheduler is stopped")
	}
	now := s.clock.Now()
	next := t.schedule.Next(now)
	if next.IsZero() {
		return fmt.Errorf("%w: %q has no future instant", cron.ErrImpossibleDate, key)
	}

	s.gen++
	gen := s.gen
	t.gen = gen
	t.next = next
	t.timer = s.clock.AfterFunc(next.Sub(now), func() { s.fire(key, gen) })
	return nil
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok || t.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	at := s.clock.Now()
	runID, err := s.trigger.RequestHarvest(s.request)
	if err != nil {
		s.logger.Warn("Scheduled harvest rejected", "cron", key, "error", err)
	} else {
		s.logger.Info("Scheduled harvest started", "cron", key, "run_id", runID)
	}
	if s.bus != nil {
		s.bus.Publish(events.ScheduledTaskFired{
			Cron:     key,
			At:       at,
			Accepted: err == nil,
			RunID:    runID,
			Err:      err,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// the task may have been deleted or replaced while the harvest was requested
	if cur, ok := s.tasks[key]; !ok || cur != t || t.gen != gen {
		return
	}
	if err := s.armLocked(key, t); err != nil {
		s.logger.Error("Failed to re-arm task", "cron", key, "error", err)
	}
}

func (s *Scheduler) saveLocked() error {
	exprs := make([]string, 0, len(s.tasks))
	for key := range s.tasks {
		exprs = append(exprs, key)
	}
	slices.Sort(exprs)

	if err := s.store.Write(exprs); err != nil {
		s.logger.Error("Failed to persist scheduled tasks", "path", s.store.GetPath(), "error", err)
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func stopTimer(t *task) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen = 0
}
