// Package types defines the core domain model shared by the harvester packages.
package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrUpToDate is returned by a harvest that found nothing to do because the
// version cache already covers the requested range of the current source.
var ErrUpToDate = errors.New("source is up to date")

// Phase names a life-cycle state of the harvester service.
type Phase string

const (
	PhaseInitialization Phase = "initialization" // service is loading caches and probing the source
	PhaseIdle           Phase = "idle"           // ready to accept a harvest
	PhaseHarvesting     Phase = "harvesting"     // extract/transform/diff in progress
	PhaseSaving         Phase = "saving"         // pending batch is written to disk
	PhaseSubmitting     Phase = "submitting"     // pending batch is sent to the index
	PhaseAborting       Phase = "aborting"       // running stage was asked to stop
	PhaseError          Phase = "error"          // initialization failed, Reset required
)

// Phases lists every phase in life-cycle order.
var Phases = []Phase{
	PhaseInitialization,
	PhaseIdle,
	PhaseHarvesting,
	PhaseSaving,
	PhaseSubmitting,
	PhaseAborting,
	PhaseError,
}

// Busy reports whether the phase runs a long-running process.
func (p Phase) Busy() bool {
	switch p {
	case PhaseHarvesting, PhaseSaving, PhaseSubmitting, PhaseAborting:
		return true
	}
	return false
}

// Progress counts processed units of the running stage.
type Progress struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// State is a point-in-time view of the service life cycle.
type State struct {
	Phase       Phase     `json:"phase"`
	Progress    *Progress `json:"progress,omitempty"`     // only set while a stage reports progress
	AbortedFrom Phase     `json:"aborted_from,omitempty"` // stage interrupted by an abort
	RunID       string    `json:"run_id,omitempty"`
	Since       time.Time `json:"since"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s State) String() string {
	switch {
	case s.Phase == PhaseAborting && s.AbortedFrom != "":
		return fmt.Sprintf("%s(%s)", s.Phase, s.AbortedFrom)
	case s.Progress != nil:
		return fmt.Sprintf("%s(%d/%d)", s.Phase, s.Progress.Current, s.Progress.Max)
	}
	return string(s.Phase)
}

// HarvestRequest selects the half-open index range [From, To) of the source.
// To <= 0 means "up to the current source size".
type HarvestRequest struct {
	From  int  `json:"from"`
	To    int  `json:"to"`
	Force bool `json:"force"` // harvest even when the version cache says nothing changed
}

// Document is the normalized record handed to the index.
type Document struct {
	ID     string         `json:"id"`
	Title  string         `json:"title"`
	Body   string         `json:"body,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Source string         `json:"source,omitempty"`
}

// DocumentVersion is the fingerprint of a harvested document at its source position.
type DocumentVersion struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
}

// VersionSnapshotSchema is the persisted layout version of VersionSnapshot.
const VersionSnapshotSchema = 1

// VersionSnapshot records what was harvested last time from which source state.
type VersionSnapshot struct {
	SchemaVer         int               `json:"schema_ver"`
	SourceVersionHash string            `json:"sourceVersionHash"`
	RangeFrom         int               `json:"rangeFrom"`
	RangeTo           int               `json:"rangeTo"`
	DocumentHashes    map[string]string `json:"documentHashes"`
	DocumentIndices   map[string]int    `json:"documentIndices"` // source position per id, bounds deletions to a range
	CommittedAt       time.Time         `json:"committedAt"`
}

// Covers reports whether [from, to) lies inside the snapshot's covering range.
func (s VersionSnapshot) Covers(from, to int) bool {
	return from >= s.RangeFrom && to <= s.RangeTo
}

// DiffResult partitions document ids by change kind. Sets are sorted and disjoint.
type DiffResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Deleted []string `json:"deleted"`
}

// Empty reports whether the diff has no changes.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Changed returns the ids whose content must be (re)loaded.
func (d DiffResult) Changed() []string {
	out := make([]string, 0, len(d.Added)+len(d.Updated))
	out = append(out, d.Added...)
	return append(out, d.Updated...)
}
