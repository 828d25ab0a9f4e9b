package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/harvester/pkg/types"
)

// Task is one long-running stage of a harvest run.
type Task struct {
	RunID string                          // run the stage belongs to
	Stage types.Phase                     // harvesting, saving or submitting
	Run   func(ctx context.Context) error // stage body, must honor ctx cancellation
}

// Result reports how a Task ended.
type Result struct {
	RunID    string
	Stage    types.Phase
	Err      error         // nil on success, wraps context.Canceled on abort
	Duration time.Duration // wall time spent in Run
}
