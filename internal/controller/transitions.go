package controller

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ChuLiYu/harvester/pkg/types"
)

var (
	// ErrInvalidState is returned when a request does not fit the current phase.
	ErrInvalidState = errors.New("invalid state for request")
	// ErrNothingToAbort is returned by RequestAbort when no stage is running.
	ErrNothingToAbort = errors.New("nothing to abort")
)

// TransitionError describes a rejected request.
type TransitionError struct {
	From types.Phase
	To   types.Phase
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s (%s -> %s not allowed)", e.Op, e.From, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }

// transitions lists the phases reachable from each phase. Reset re-enters
// Initialization from anywhere and is handled separately.
var transitions = map[types.Phase][]types.Phase{
	types.PhaseInitialization: {types.PhaseIdle, types.PhaseError},
	types.PhaseIdle:           {types.PhaseHarvesting, types.PhaseSaving, types.PhaseSubmitting},
	types.PhaseHarvesting:     {types.PhaseSaving, types.PhaseSubmitting, types.PhaseIdle, types.PhaseAborting},
	types.PhaseSaving:         {types.PhaseSubmitting, types.PhaseIdle, types.PhaseAborting},
	types.PhaseSubmitting:     {types.PhaseIdle, types.PhaseAborting},
	types.PhaseAborting:       {types.PhaseIdle},
	types.PhaseError:          {},
}

func isValidTransition(from, to types.Phase) bool {
	if to == types.PhaseInitialization {
		return true
	}
	return slices.Contains(transitions[from], to)
}

func validateTransition(op string, from, to types.Phase) error {
	if !isValidTransition(from, to) {
		return &TransitionError{From: from, To: to, Op: op}
	}
	return nil
}
