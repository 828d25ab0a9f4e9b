// Package versioncache remembers what was harvested last time so that
// unchanged sources can be skipped and changed ones diffed per document.
package versioncache

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/harvester/internal/snapshot"
	"github.com/ChuLiYu/harvester/pkg/types"
)

// Cache holds the committed VersionSnapshot in memory and on disk.
type Cache struct {
	mu      sync.RWMutex
	store   *snapshot.Manager[types.VersionSnapshot]
	current *types.VersionSnapshot // nil until a snapshot is loaded or committed
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a cache persisted at path. Call Load before use.
func New(path string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  snapshot.NewManager[types.VersionSnapshot](path),
		logger: logger.With("component", "versioncache"),
		now:    time.Now,
	}
}

// Load reads the persisted snapshot. A missing file means no prior harvest.
func (c *Cache) Load() error {
	snap, err := c.store.Load()
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		c.logger.Info("no version snapshot found, starting fresh", "path", c.store.GetPath())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load version snapshot: %w", err)
	}
	if snap.SchemaVer != types.VersionSnapshotSchema {
		return fmt.Errorf("%w: got %d, want %d",
			snapshot.ErrIncompatibleVersion, snap.SchemaVer, types.VersionSnapshotSchema)
	}
	if snap.DocumentHashes == nil {
		snap.DocumentHashes = make(map[string]string)
	}
	if snap.DocumentIndices == nil {
		snap.DocumentIndices = make(map[string]int)
	}

	c.mu.Lock()
	c.current = &snap
	c.mu.Unlock()

	c.logger.Info("version snapshot loaded",
		"documents", len(snap.DocumentHashes),
		"range_from", snap.RangeFrom,
		"range_to", snap.RangeTo)
	return nil
}

// Snapshot returns a copy of the committed snapshot.
func (c *Cache) Snapshot() (types.VersionSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return types.VersionSnapshot{}, false
	}
	return clone(*c.current), true
}

// NeedsHarvest reports whether [from, to) of the source identified by
// sourceHash has to be harvested.
func (c *Cache) NeedsHarvest(sourceHash string, from, to int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.current == nil:
		return true
	case c.current.SourceVersionHash != sourceHash:
		return true
	default:
		return !c.current.Covers(from, to)
	}
}

// Diff classifies newDocs against the committed snapshot. Only previously
// known documents whose source position lies in [from, to) can be reported
// as deleted.
func (c *Cache) Diff(from, to int, newDocs map[string]types.DocumentVersion) types.DiffResult {
	c.mu.RLock()
	prev := c.current
	c.mu.RUnlock()

	var diff types.DiffResult
	seen := make(map[string]struct{}, len(newDocs))

	for id, v := range newDocs {
		if id == "" {
			c.logger.Warn("skipping document without id", "index", v.Index)
			continue
		}
		// keep the id alive so a malformed entry never deletes its predecessor
		seen[id] = struct{}{}
		if v.Hash == "" {
			c.logger.Warn("skipping document without hash", "id", id, "index", v.Index)
			continue
		}

		if prev == nil {
			diff.Added = append(diff.Added, id)
			continue
		}
		old, ok := prev.DocumentHashes[id]
		switch {
		case !ok:
			diff.Added = append(diff.Added, id)
		case old != v.Hash:
			diff.Updated = append(diff.Updated, id)
		}
	}

	if prev != nil {
		wholeRange := from <= prev.RangeFrom && to >= prev.RangeTo
		for id := range prev.DocumentHashes {
			if _, ok := seen[id]; ok {
				continue
			}
			idx, known := prev.DocumentIndices[id]
			inRange := known && idx >= from && idx < to
			if !known {
				// snapshots without positions only allow deletion on a full re-harvest
				inRange = wholeRange
			}
			if inRange {
				diff.Deleted = append(diff.Deleted, id)
			}
		}
	}

	slices.Sort(diff.Added)
	slices.Sort(diff.Updated)
	slices.Sort(diff.Deleted)
	return diff
}

// Draft builds the snapshot that would be committed after a successful
// harvest of [from, to). It does not modify the cache.
func (c *Cache) Draft(sourceHash string, from, to int, newDocs map[string]types.DocumentVersion, diff types.DiffResult) types.VersionSnapshot {
	c.mu.RLock()
	var prev *types.VersionSnapshot
	if c.current != nil {
		p := clone(*c.current)
		prev = &p
	}
	c.mu.RUnlock()

	draft := types.VersionSnapshot{
		SchemaVer:         types.VersionSnapshotSchema,
		SourceVersionHash: sourceHash,
		RangeFrom:         from,
		RangeTo:           to,
		DocumentHashes:    make(map[string]string),
		DocumentIndices:   make(map[string]int),
	}

	if prev != nil {
		draft.DocumentHashes = prev.DocumentHashes
		draft.DocumentIndices = prev.DocumentIndices
		// ranges that overlap or touch merge; a disjoint range replaces the old one
		if from <= prev.RangeTo && prev.RangeFrom <= to {
			draft.RangeFrom = min(from, prev.RangeFrom)
			draft.RangeTo = max(to, prev.RangeTo)
		}
	}

	for _, id := range diff.Deleted {
		delete(draft.DocumentHashes, id)
		delete(draft.DocumentIndices, id)
	}
	for id, v := range newDocs {
		if id == "" || v.Hash == "" {
			continue
		}
		draft.DocumentHashes[id] = v.Hash
		draft.DocumentIndices[id] = v.Index
	}
	return draft
}

// Commit atomically persists draft and makes it the current snapshot.
func (c *Cache) Commit(draft types.VersionSnapshot) error {
	draft.SchemaVer = types.VersionSnapshotSchema
	draft.CommittedAt = c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Write(draft); err != nil {
		return fmt.Errorf("failed to commit version snapshot: %w", err)
	}
	committed := clone(draft)
	c.current = &committed

	c.logger.Info("version snapshot committed",
		"documents", len(draft.DocumentHashes),
		"range_from", draft.RangeFrom,
		"range_to", draft.RangeTo)
	return nil
}

// Path returns the snapshot file path.
func (c *Cache) Path() string { return c.store.GetPath() }

func clone(s types.VersionSnapshot) types.VersionSnapshot {
	s.DocumentHashes = maps.Clone(s.DocumentHashes)
	s.DocumentIndices = maps.Clone(s.DocumentIndices)
	if s.DocumentHashes == nil {
		s.DocumentHashes = make(map[string]string)
	}
	if s.DocumentIndices == nil {
		s.DocumentIndices = make(map[string]int)
	}
	return s
}
