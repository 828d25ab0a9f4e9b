package controller

import (
	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/events"
	"github.com/ChuLiYu/harvester/pkg/types"
)

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeAborted
)

func startedEvent(stage types.Phase, runID string, req types.HarvestRequest) eventbus.Event {
	switch stage {
	case types.PhaseHarvesting:
		return events.HarvestStarted{RunID: runID, Request: req}
	case types.PhaseSaving:
		return events.SaveStarted{RunID: runID}
	default:
		return events.SubmissionStarted{RunID: runID}
	}
}

func finishedEvent(evt events.ProcessFinished, o outcome) eventbus.Event {
	success := o == outcomeSucceeded || o == outcomeSkipped
	aborted := o == outcomeAborted
	var err error
	if o == outcomeFailed || o == outcomeAborted {
		err = evt.Err
	}

	switch evt.Stage {
	case types.PhaseHarvesting:
		return events.HarvestFinished{
			RunID:    evt.RunID,
			Success:  success,
			Skipped:  o == outcomeSkipped,
			Aborted:  aborted,
			Err:      err,
			Duration: evt.Duration,
		}
	case types.PhaseSaving:
		return events.SaveFinished{RunID: evt.RunID, Success: success, Aborted: aborted, Err: err, Duration: evt.Duration}
	default:
		return events.SubmissionFinished{RunID: evt.RunID, Success: success, Aborted: aborted, Err: err, Duration: evt.Duration}
	}
}
