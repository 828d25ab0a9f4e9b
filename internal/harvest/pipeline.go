package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/harvester/internal/eventbus"
	"github.com/ChuLiYu/harvester/internal/events"
	"github.com/ChuLiYu/harvester/internal/snapshot"
	"github.com/ChuLiYu/harvester/internal/versioncache"
	"github.com/ChuLiYu/harvester/pkg/types"
)

var (
	// ErrSourceHash is returned when the source cannot be fingerprinted.
	ErrSourceHash = errors.New("failed to compute source hash")
	ErrBadRange   = errors.New("invalid harvest range")
)

const defaultBatchSize = 100

// Batch is the change set of one or more harvests waiting to be submitted.
type Batch[D any] struct {
	SourceHash string    `json:"source_hash"`
	From       int       `json:"from"`
	To         int       `json:"to"`
	Documents  []D       `json:"documents"`
	Deleted    []string  `json:"deleted"`
	HarvestAt  time.Time `json:"harvested_at"`
}

// Size is the number of document operations in the batch.
func (b *Batch[D]) Size() int { return len(b.Documents) + len(b.Deleted) }

// PendingInfo summarizes the pending batch.
type PendingInfo struct {
	Documents int       `json:"documents"`
	Deleted   int       `json:"deleted"`
	HarvestAt time.Time `json:"harvested_at"`
	LastSaved string    `json:"last_saved,omitempty"`
}

// Config tunes a Pipeline.
type Config struct {
	Cache     *versioncache.Cache
	SaveDir   string
	BatchSize int // documents per progress report and per Load call
	Bus       *eventbus.Bus
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Pipeline wires an extractor, a transformer and a loader into the four
// stages of the life cycle.
type Pipeline[R, D any] struct {
	extractor   Extractor[R]
	transformer Transformer[R, D]
	loader      Loader[D]

	cache     *versioncache.Cache
	saveDir   string
	batchSize int
	bus       *eventbus.Bus
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	pending   *Batch[D]
	index     map[string]int // position of a pending document by id
	lastSaved string
}

// NewPipeline creates a pipeline. Cache must not be nil.
func NewPipeline[R, D any](ext Extractor[R], tr Transformer[R, D], ld Loader[D], cfg Config) *Pipeline[R, D] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Pipeline[R, D]{
		extractor:   ext,
		transformer: tr,
		loader:      ld,
		cache:       cfg.Cache,
		saveDir:     cfg.SaveDir,
		batchSize:   cfg.BatchSize,
		bus:         cfg.Bus,
		logger:      cfg.Logger.With("component", "pipeline"),
		now:         cfg.Clock,
	}
}

// Init loads the version cache and prepares the save directory. An
// unreachable source is logged but does not fail initialization.
func (p *Pipeline[R, D]) Init(ctx context.Context) error {
	if err := p.cache.Load(); err != nil {
		return err
	}
	if p.saveDir != "" {
		if err := os.MkdirAll(p.saveDir, 0o755); err != nil {
			return fmt.Errorf("failed to create save directory: %w", err)
		}
	}

	size, err := p.extractor.Size(ctx)
	if err != nil {
		p.logger.Warn("Source probe failed", "error", err)
		return nil
	}
	p.logger.Info("Pipeline initialized", "source_size", size, "cache", p.cache.Path())
	return nil
}

// Harvest extracts [req.From, req.To), diffs it against the version cache
// and commits the new snapshot. Changed documents join the pending batch.
// It returns types.ErrUpToDate when the cache says nothing changed.
func (p *Pipeline[R, D]) Harvest(ctx context.Context, req types.HarvestRequest) error {
	sourceHash, err := p.extractor.SourceHash(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceHash, err)
	}

	from, to, size, err := p.resolveRange(ctx, req)
	if err != nil {
		return err
	}

	if !req.Force && !p.cache.NeedsHarvest(sourceHash, from, to) {
		p.logger.Info("Source unchanged, skipping harvest", "from", from, "to", to)
		return types.ErrUpToDate
	}

	total := to - from
	versions := make(map[string]types.DocumentVersion, total)
	docs := make(map[string]D, total)
	seen := 0

	err = p.extractor.Extract(ctx, from, to, func(index int, rec R) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen++
		if seen%p.batchSize == 0 {
			p.progress(types.PhaseHarvesting, seen, total)
		}

		doc, err := p.transformer.Transform(rec)
		if err != nil {
			p.logger.Warn("Skipping record", "index", index, "error", err)
			return nil
		}
		id := p.transformer.Identify(doc)
		hash, err := fingerprint(doc)
		if err != nil {
			p.logger.Warn("Skipping unhashable document", "index", index, "id", id, "error", err)
			return nil
		}
		versions[id] = types.DocumentVersion{Index: index, Hash: hash}
		if id != "" {
			docs[id] = doc
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	p.progress(types.PhaseHarvesting, seen, total)

	// a range reaching the end of the source also drops records past it
	deleteTo := to
	atEnd := to == size
	if atEnd {
		deleteTo = math.MaxInt
	}
	diff := p.cache.Diff(from, deleteTo, versions)

	if err := ctx.Err(); err != nil {
		return err
	}

	draft := p.cache.Draft(sourceHash, from, to, versions, diff)
	if atEnd {
		draft.RangeTo = min(draft.RangeTo, size)
	}
	if err := p.cache.Commit(draft); err != nil {
		return err
	}

	p.enqueue(sourceHash, from, to, docs, diff)

	p.logger.Info("Harvest complete",
		"from", from, "to", to, "records", seen,
		"added", len(diff.Added), "updated", len(diff.Updated), "deleted", len(diff.Deleted))
	p.publish(events.HarvestDiff{Added: len(diff.Added), Updated: len(diff.Updated), Deleted: len(diff.Deleted)})
	return nil
}

// Save writes the pending batch to a new file under the save directory.
// Nothing is written when no batch is pending.
func (p *Pipeline[R, D]) Save(ctx context.Context) error {
	p.mu.Lock()
	batch := p.copyPendingLocked()
	p.mu.Unlock()

	if batch == nil {
		p.logger.Info("Nothing to save")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	name := fmt.Sprintf("batch-%s.json", p.now().UTC().Format("20060102T150405.000000000"))
	store := snapshot.NewManager[Batch[D]](filepath.Join(p.saveDir, name))
	if err := store.Write(*batch); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	p.progress(types.PhaseSaving, batch.Size(), batch.Size())

	p.mu.Lock()
	p.lastSaved = store.GetPath()
	p.mu.Unlock()

	p.logger.Info("Batch saved", "path", store.GetPath(), "documents", len(batch.Documents), "deleted", len(batch.Deleted))
	return nil
}

// Submit loads the pending documents and applies the pending deletions. The
// batch is cleared only when everything was submitted, so an aborted or
// failed submission is retried in full next time.
func (p *Pipeline[R, D]) Submit(ctx context.Context) error {
	p.mu.Lock()
	batch := p.copyPendingLocked()
	p.mu.Unlock()

	if batch == nil {
		p.logger.Info("Nothing to submit")
		return nil
	}

	total := batch.Size()
	done := 0
	for start := 0; start < len(batch.Documents); start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+p.batchSize, len(batch.Documents))
		if err := p.loader.Load(ctx, batch.Documents[start:end]); err != nil {
			return fmt.Errorf("failed to load documents: %w", err)
		}
		done = end
		p.progress(types.PhaseSubmitting, done, total)
	}

	if len(batch.Deleted) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.loader.Delete(ctx, batch.Deleted); err != nil {
			return fmt.Errorf("failed to delete documents: %w", err)
		}
		p.progress(types.PhaseSubmitting, total, total)
	}

	p.mu.Lock()
	p.pending = nil
	p.index = nil
	p.mu.Unlock()

	p.logger.Info("Batch submitted", "documents", len(batch.Documents), "deleted", len(batch.Deleted))
	return nil
}

// Pending summarizes the batch waiting to be submitted.
func (p *Pipeline[R, D]) Pending() (PendingInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil || p.pending.Size() == 0 {
		return PendingInfo{LastSaved: p.lastSaved}, false
	}
	return PendingInfo{
		Documents: len(p.pending.Documents),
		Deleted:   len(p.pending.Deleted),
		HarvestAt: p.pending.HarvestAt,
		LastSaved: p.lastSaved,
	}, true
}

// resolveRange clamps the request to the records the source holds, so the
// committed range is the one actually harvested.
func (p *Pipeline[R, D]) resolveRange(ctx context.Context, req types.HarvestRequest) (from, to, size int, err error) {
	from, to = req.From, req.To
	if from < 0 {
		return 0, 0, 0, fmt.Errorf("%w: from %d is negative", ErrBadRange, from)
	}
	size, err = p.extractor.Size(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read source size: %w", err)
	}
	if to <= 0 || to > size {
		to = size
	}
	if from > to {
		return 0, 0, 0, fmt.Errorf("%w: [%d, %d)", ErrBadRange, from, to)
	}
	return from, to, size, nil
}

// enqueue merges a harvest's changes into the pending batch. A document
// changed again replaces its pending copy; a document that comes back after
// being deleted is no longer a deletion.
func (p *Pipeline[R, D]) enqueue(sourceHash string, from, to int, docs map[string]D, diff types.DiffResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if diff.Empty() && p.pending == nil {
		return
	}
	if p.pending == nil {
		p.pending = &Batch[D]{From: from, To: to}
		p.index = make(map[string]int)
	}
	b := p.pending
	b.SourceHash = sourceHash
	b.From = min(b.From, from)
	b.To = max(b.To, to)
	b.HarvestAt = p.now()

	changed := make(map[string]bool)
	for _, id := range diff.Changed() {
		changed[id] = true
		doc, ok := docs[id]
		if !ok {
			continue
		}
		if i, ok := p.index[id]; ok {
			b.Documents[i] = doc
			continue
		}
		p.index[id] = len(b.Documents)
		b.Documents = append(b.Documents, doc)
	}

	kept := b.Deleted[:0]
	for _, id := range b.Deleted {
		if !changed[id] {
			kept = append(kept, id)
		}
	}
	b.Deleted = kept

	for _, id := range diff.Deleted {
		if i, ok := p.index[id]; ok {
			b.Documents = append(b.Documents[:i], b.Documents[i+1:]...)
			p.reindexLocked()
		}
		b.Deleted = append(b.Deleted, id)
	}
}

func (p *Pipeline[R, D]) reindexLocked() {
	clear(p.index)
	for i, doc := range p.pending.Documents {
		p.index[p.transformer.Identify(doc)] = i
	}
}

func (p *Pipeline[R, D]) copyPendingLocked() *Batch[D] {
	if p.pending == nil || p.pending.Size() == 0 {
		return nil
	}
	b := *p.pending
	b.Documents = append([]D(nil), p.pending.Documents...)
	b.Deleted = append([]string(nil), p.pending.Deleted...)
	return &b
}

func (p *Pipeline[R, D]) progress(stage types.Phase, current, max int) {
	p.publish(events.HarvestProgress{Stage: stage, Current: current, Max: max})
}

func (p *Pipeline[R, D]) publish(evt eventbus.Event) {
	if p.bus != nil {
		p.bus.Publish(evt)
	}
}

// fingerprint hashes the JSON encoding of doc. encoding/json sorts map
// keys, so equal documents always hash equal.
func fingerprint(doc any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}
