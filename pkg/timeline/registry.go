package timeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"pagestore/internal/config"
	"pagestore/pkg/id"
	"pagestore/pkg/lsn"
	"pagestore/pkg/manifest"
	"pagestore/pkg/pagecache"
	"pagestore/pkg/remote"
)

// Registry owns every timeline on this node: the id table, ancestry
// lookups, and the shared background maintenance loops.
type Registry struct {
	dataDir  string
	cfg      config.StorageConfig
	cache    *pagecache.Cache
	uploader *remote.Uploader

	mu        sync.RWMutex
	timelines map[id.TimelineID]*Timeline

	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// NewRegistry scans dataDir and reopens every timeline found there.
func NewRegistry(dataDir string, cfg config.StorageConfig, cache *pagecache.Cache, store remote.Storage) (*Registry, error) {
	r := &Registry{
		dataDir:   filepath.Join(dataDir, "timelines"),
		cfg:       cfg,
		cache:     cache,
		timelines: make(map[id.TimelineID]*Timeline),
	}
	if store != nil {
		r.uploader = remote.NewUploader(store)
	}
	if err := os.MkdirAll(r.dataDir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	entries, err := os.ReadDir(r.dataDir)
	if err != nil {
		return nil, errors.Wrap(err, "scan data dir")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(r.dataDir, e.Name())
		if !manifest.Exists(dir) {
			continue
		}
		t, err := loadTimeline(dir, r.deps())
		if err != nil {
			return nil, errors.Wrapf(err, "load timeline %s", e.Name())
		}
		r.timelines[t.ID] = t
		slog.Info("timeline loaded", "timeline", t.ID,
			"disk_consistent_lsn", t.GetDiskConsistentLSN(),
			"layers", t.Info().LayerCount)
	}
	return r, nil
}

func (r *Registry) deps() deps {
	return deps{cfg: r.cfg, resolve: r, cache: r.cache, uploader: r.uploader}
}

// Lookup implements Resolver.
func (r *Registry) Lookup(tid id.TimelineID) (*Timeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.timelines[tid]
	return t, ok
}

// Children implements Resolver. It returns the timelines branched directly
// off the given one.
func (r *Registry) Children(tid id.TimelineID) []*Timeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Timeline
	for _, t := range r.timelines {
		if t.ancestorID == tid {
			out = append(out, t)
		}
	}
	return out
}

// List returns every timeline, in no particular order.
func (r *Registry) List() []*Timeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Timeline, 0, len(r.timelines))
	for _, t := range r.timelines {
		out = append(out, t)
	}
	return out
}

// Create makes a new root timeline whose history starts at start.
func (r *Registry) Create(tid id.TimelineID, start lsn.Lsn) (*Timeline, error) {
	return r.create(tid, id.TimelineID{}, lsn.Invalid, start)
}

// Branch creates a timeline sharing the ancestor's history up to and
// including branchLSN. The branch point must still be readable on the
// ancestor: at or below its last record and not garbage collected.
func (r *Registry) Branch(tid, ancestor id.TimelineID, branchLSN lsn.Lsn) (*Timeline, error) {
	anc, ok := r.Lookup(ancestor)
	if !ok {
		return nil, errors.Wrapf(ErrTimelineNotFound, "ancestor %s", ancestor)
	}
	if branchLSN > anc.GetLastRecordLSN() {
		return nil, errors.Wrapf(ErrBadBranchPoint,
			"%s is beyond ancestor last_record_lsn %s", branchLSN, anc.GetLastRecordLSN())
	}
	if branchLSN < anc.GetGCCutoffLSN() {
		return nil, errors.Wrapf(ErrBadBranchPoint,
			"%s is below ancestor gc_cutoff_lsn %s", branchLSN, anc.GetGCCutoffLSN())
	}
	return r.create(tid, ancestor, branchLSN, branchLSN)
}

func (r *Registry) create(tid, ancestor id.TimelineID, branchLSN, start lsn.Lsn) (*Timeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.timelines[tid]; exists {
		return nil, errors.Wrapf(ErrTimelineExists, "%s", tid)
	}
	dir := filepath.Join(r.dataDir, tid.String())
	t, err := createTimeline(dir, tid, ancestor, branchLSN, start, r.deps())
	if err != nil {
		return nil, err
	}
	r.timelines[tid] = t
	if r.started {
		r.startTimeline(t)
	}
	slog.Info("timeline created", "timeline", tid,
		"ancestor", ancestor, "ancestor_lsn", branchLSN)
	return t, nil
}

// Delete removes a timeline and all its local and remote layer files. A
// timeline with live branches cannot be deleted: its history is still
// reachable through them.
func (r *Registry) Delete(ctx context.Context, tid id.TimelineID) error {
	r.mu.Lock()
	t, ok := r.timelines[tid]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrTimelineNotFound, "%s", tid)
	}
	for _, other := range r.timelines {
		if other.ancestorID == tid {
			r.mu.Unlock()
			return errors.Wrapf(ErrHasDescendants, "%s has branch %s", tid, other.ID)
		}
	}
	delete(r.timelines, tid)
	r.mu.Unlock()

	t.shutdown()
	if r.cache != nil {
		r.cache.DropTimeline(tid)
	}
	if r.uploader != nil {
		snap := t.layers.Acquire()
		for _, f := range snap.All() {
			if err := r.uploader.Delete(ctx, t.blobName(f.Desc())); err != nil {
				slog.Warn("remote layer delete failed",
					"timeline", tid, "layer", f.Desc().FileName(), "error", err)
			}
		}
		snap.Release()
	}
	if err := os.RemoveAll(t.dir); err != nil {
		return errors.Wrapf(err, "remove timeline dir %s", t.dir)
	}
	slog.Info("timeline deleted", "timeline", tid)
	return nil
}

// shutdown stops ingestion and the flush loop without flushing. Used only
// on the delete path; regular stop goes through Close, which checkpoints.
func (t *Timeline) shutdown() {
	t.stopped.Store(true)
	if t.cancel != nil {
		t.cancel()
	}
}

// Start launches the flush loop of every timeline plus the periodic
// compaction and GC sweeps. It returns immediately; the loops run until
// Close.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.group, r.runCtx = errgroup.WithContext(r.runCtx)
	r.started = true

	for _, t := range r.timelines {
		r.startTimeline(t)
	}
	r.group.Go(func() error {
		return r.runSweep(r.runCtx, r.cfg.CompactionPeriod, "compaction", func(ctx context.Context, t *Timeline) error {
			return t.Compact(ctx)
		})
	})
	r.group.Go(func() error {
		return r.runSweep(r.runCtx, r.cfg.GCPeriod, "gc", func(ctx context.Context, t *Timeline) error {
			_, err := t.RunGC(ctx, lsn.Invalid)
			return err
		})
	})
	r.group.Go(func() error {
		return r.runSweep(r.runCtx, r.cfg.CheckpointTimeout, "freeze", func(ctx context.Context, t *Timeline) error {
			t.freezeStale()
			return nil
		})
	})
}

// startTimeline is called with r.mu held.
func (r *Registry) startTimeline(t *Timeline) {
	tctx, cancel := context.WithCancel(r.runCtx)
	t.cancel = cancel
	r.group.Go(func() error {
		return t.runFlushLoop(tctx)
	})
}

func (r *Registry) runSweep(ctx context.Context, period time.Duration, name string, pass func(context.Context, *Timeline) error) error {
	if period <= 0 {
		return nil
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, t := range r.List() {
				if t.stopped.Load() {
					continue
				}
				if err := pass(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("maintenance pass failed",
						"pass", name, "timeline", t.ID, "error", err)
				}
			}
		}
	}
}

// Close checkpoints every timeline so no ingested record is lost, then
// stops the background loops.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return nil
	}

	var firstErr error
	for _, t := range r.List() {
		if t.stopped.Load() {
			continue
		}
		if err := t.Checkpoint(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		t.stopped.Store(true)
	}
	r.mu.Lock()
	cancel := r.cancel
	group := r.group
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	return firstErr
}
