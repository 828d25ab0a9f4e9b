// Package events declares the messages exchanged over the event bus.
package events

import (
	"time"

	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/pkg/types"
)

// Asynchronous event tags.
const (
	TagInitStarted        eventbus.Tag = "init.started"
	TagInitFinished       eventbus.Tag = "init.finished"
	TagHarvestStarted     eventbus.Tag = "harvest.started"
	TagHarvestFinished    eventbus.Tag = "harvest.finished"
	TagHarvestProgress    eventbus.Tag = "harvest.progress"
	TagSaveStarted        eventbus.Tag = "save.started"
	TagSaveFinished       eventbus.Tag = "save.finished"
	TagSubmissionStarted  eventbus.Tag = "submission.started"
	TagSubmissionFinished eventbus.Tag = "submission.finished"
	TagAbortingStarted    eventbus.Tag = "aborting.started"
	TagAbortingFinished   eventbus.Tag = "aborting.finished"
	TagStateChanged       eventbus.Tag = "state.changed"
	TagScheduledTaskFired eventbus.Tag = "schedule.fired"
	TagServiceReset       eventbus.Tag = "service.reset"
	TagProcessFinished    eventbus.Tag = "process.finished"
	TagHarvestDiff        eventbus.Tag = "harvest.diff"
)

// Synchronous query tags.
const (
	TagAutoSaveQuery   eventbus.Tag = "query.auto_save"
	TagAutoSubmitQuery eventbus.Tag = "query.auto_submit"
)

type InitStarted struct{}

func (InitStarted) Tag() eventbus.Tag { return TagInitStarted }

type InitFinished struct {
	Success bool
	Err     error
}

func (InitFinished) Tag() eventbus.Tag { return TagInitFinished }

type HarvestStarted struct {
	RunID   string
	Request types.HarvestRequest
}

func (HarvestStarted) Tag() eventbus.Tag { return TagHarvestStarted }

// HarvestFinished closes a harvest. Skipped is set when the version cache
// reported the source unchanged.
type HarvestFinished struct {
	RunID    string
	Success  bool
	Skipped  bool
	Aborted  bool
	Err      error
	Duration time.Duration
}

func (HarvestFinished) Tag() eventbus.Tag { return TagHarvestFinished }

// HarvestProgress reports progress of the running stage.
type HarvestProgress struct {
	Stage   types.Phase
	Current int
	Max     int
}

func (HarvestProgress) Tag() eventbus.Tag { return TagHarvestProgress }

// HarvestDiff carries the change set of a completed harvest.
type HarvestDiff struct {
	Added   int
	Updated int
	Deleted int
}

func (HarvestDiff) Tag() eventbus.Tag { return TagHarvestDiff }

type SaveStarted struct{ RunID string }

func (SaveStarted) Tag() eventbus.Tag { return TagSaveStarted }

type SaveFinished struct {
	RunID    string
	Success  bool
	Aborted  bool
	Err      error
	Duration time.Duration
}

func (SaveFinished) Tag() eventbus.Tag { return TagSaveFinished }

type SubmissionStarted struct{ RunID string }

func (SubmissionStarted) Tag() eventbus.Tag { return TagSubmissionStarted }

type SubmissionFinished struct {
	RunID    string
	Success  bool
	Aborted  bool
	Err      error
	Duration time.Duration
}

func (SubmissionFinished) Tag() eventbus.Tag { return TagSubmissionFinished }

type AbortingStarted struct {
	RunID string
	From  types.Phase
}

func (AbortingStarted) Tag() eventbus.Tag { return TagAbortingStarted }

type AbortingFinished struct {
	RunID string
	From  types.Phase
}

func (AbortingFinished) Tag() eventbus.Tag { return TagAbortingFinished }

type StateChanged struct {
	From types.State
	To   types.State
}

func (StateChanged) Tag() eventbus.Tag { return TagStateChanged }

// ScheduledTaskFired is published each time a cron task triggers, whether or
// not the controller accepted the harvest.
type ScheduledTaskFired struct {
	Cron     string
	At       time.Time
	Accepted bool
	RunID    string
	Err      error
}

func (ScheduledTaskFired) Tag() eventbus.Tag { return TagScheduledTaskFired }

type ServiceReset struct{}

func (ServiceReset) Tag() eventbus.Tag { return TagServiceReset }

// ProcessFinished is emitted by the background runner when a stage returns.
// The controller turns it into the stage-specific finished events.
type ProcessFinished struct {
	RunID    string
	Stage    types.Phase
	Err      error
	Duration time.Duration
}

func (ProcessFinished) Tag() eventbus.Tag { return TagProcessFinished }

// AutoSaveQuery asks whether a successful harvest chains into Saving. Answer: bool.
type AutoSaveQuery struct{}

func (AutoSaveQuery) Tag() eventbus.Tag { return TagAutoSaveQuery }

// AutoSubmitQuery asks whether a finished harvest or save chains into Submitting. Answer: bool.
type AutoSubmitQuery struct{}

func (AutoSubmitQuery) Tag() eventbus.Tag { return TagAutoSubmitQuery }
