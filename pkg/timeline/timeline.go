package timeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"pagestore/internal/config"
	"pagestore/internal/metrics"
	"pagestore/pkg/id"
	"pagestore/pkg/layer"
	"pagestore/pkg/layermap"
	"pagestore/pkg/lsn"
	"pagestore/pkg/manifest"
	"pagestore/pkg/pagecache"
	"pagestore/pkg/remote"
)

const flushQueueDepth = 4

// Resolver looks related timelines up by identifier. Timelines never hold
// direct pointers to their ancestors; the registry owns the table.
type Resolver interface {
	Lookup(id.TimelineID) (*Timeline, bool)
	Children(id.TimelineID) []*Timeline
}

// Timeline is one branchable stream of versioned page history: the layer
// map over its sealed layers, the open in-memory layer taking new WAL, and
// the horizons bounding what can be read.
type Timeline struct {
	ID          id.TimelineID
	ancestorID  id.TimelineID
	ancestorLSN lsn.Lsn

	dir string
	cfg config.StorageConfig

	resolve  Resolver
	cache    *pagecache.Cache // optional
	uploader *remote.Uploader // optional

	lastRecordLSN     atomicLsn
	diskConsistentLSN atomicLsn
	gcCutoffLSN       atomicLsn

	nextSeq atomic.Uint64

	// Ingestion is single-writer per timeline.
	ingestMu sync.Mutex
	open     atomic.Pointer[layer.Open]

	// Frozen layers stay readable in memory until their flushed file is
	// published in the layer map.
	frozenMu   sync.Mutex
	frozenCond *sync.Cond
	frozen     []*layer.Open // oldest first

	layers *layermap.Map

	// Pairs every layer-map change with the manifest rewrite recording it.
	manifestMu sync.Mutex

	// One maintenance pass (compaction or gc) at a time.
	maintMu sync.Mutex

	flushCh chan *layer.Open
	cancel  context.CancelFunc
	stopped atomic.Bool
}

type atomicLsn struct {
	v atomic.Uint64
}

func (a *atomicLsn) Load() lsn.Lsn   { return lsn.Lsn(a.v.Load()) }
func (a *atomicLsn) Store(l lsn.Lsn) { a.v.Store(uint64(l)) }

type deps struct {
	cfg      config.StorageConfig
	resolve  Resolver
	cache    *pagecache.Cache
	uploader *remote.Uploader
}

func newTimeline(dir string, tid id.TimelineID, ancestor id.TimelineID, ancestorLSN, start lsn.Lsn, d deps) *Timeline {
	t := &Timeline{
		ID:          tid,
		ancestorID:  ancestor,
		ancestorLSN: ancestorLSN,
		dir:         dir,
		cfg:         d.cfg,
		resolve:     d.resolve,
		cache:       d.cache,
		uploader:    d.uploader,
		layers:      layermap.New(),
		flushCh:     make(chan *layer.Open, flushQueueDepth),
	}
	t.frozenCond = sync.NewCond(&t.frozenMu)
	t.lastRecordLSN.Store(start)
	t.diskConsistentLSN.Store(start)
	t.open.Store(layer.NewOpen(start + 1))
	return t
}

// createTimeline initializes a fresh timeline directory and manifest.
func createTimeline(dir string, tid id.TimelineID, ancestor id.TimelineID, ancestorLSN, start lsn.Lsn, d deps) (*Timeline, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create timeline dir")
	}
	t := newTimeline(dir, tid, ancestor, ancestorLSN, start, d)
	if err := t.writeManifest(); err != nil {
		return nil, err
	}
	return t, nil
}

// loadTimeline reconstructs a timeline from its manifest, reopening the
// exact pre-shutdown layer set. Ingestion resumes from disk_consistent_lsn.
func loadTimeline(dir string, d deps) (*Timeline, error) {
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, err
	}
	t := newTimeline(dir, m.TimelineID, m.AncestorID, m.AncestorLSN, m.DiskConsistentLSN, d)
	t.gcCutoffLSN.Store(m.GCCutoffLSN)
	t.nextSeq.Store(m.NextLayerSeq)

	files := make([]*layer.File, 0, len(m.Layers))
	for _, entry := range m.Layers {
		f, err := layer.OpenFile(filepath.Join(dir, entry.Name))
		if err != nil {
			return nil, errors.Wrapf(err, "timeline %s", m.TimelineID)
		}
		t.attachFetcher(f)
		files = append(files, f)
	}
	t.layers.Update(files, nil)
	metrics.LiveLayers.WithLabelValues(t.ID.String()).Set(float64(len(files)))
	return t, nil
}

func (t *Timeline) attachFetcher(f *layer.File) {
	if t.uploader == nil {
		return
	}
	up := t.uploader
	tid := t.ID.String()
	f.SetFetcher(func(name, path string) error {
		return up.DownloadFile(context.Background(), tid+"/"+name, path)
	})
}

func (t *Timeline) blobName(d layer.Desc) string {
	return t.ID.String() + "/" + d.FileName()
}

func (t *Timeline) AncestorID() id.TimelineID { return t.ancestorID }
func (t *Timeline) AncestorLSN() lsn.Lsn      { return t.ancestorLSN }

// GetLastRecordLSN is the ingestion frontier: the position of the last
// record applied.
func (t *Timeline) GetLastRecordLSN() lsn.Lsn {
	return t.lastRecordLSN.Load()
}

func (t *Timeline) GetDiskConsistentLSN() lsn.Lsn {
	return t.diskConsistentLSN.Load()
}

func (t *Timeline) GetGCCutoffLSN() lsn.Lsn {
	return t.gcCutoffLSN.Load()
}

// Info is the external description of a timeline.
type Info struct {
	TimelineID        id.TimelineID `json:"timeline_id"`
	AncestorID        id.TimelineID `json:"ancestor_timeline_id,omitzero"`
	AncestorLSN       lsn.Lsn       `json:"ancestor_lsn,omitzero"`
	LastRecordLSN     lsn.Lsn       `json:"last_record_lsn"`
	DiskConsistentLSN lsn.Lsn       `json:"disk_consistent_lsn"`
	LatestGCCutoffLSN lsn.Lsn       `json:"latest_gc_cutoff_lsn"`
	LayerCount        int           `json:"layer_count"`
}

func (t *Timeline) Info() Info {
	snap := t.layers.Acquire()
	n := snap.Len()
	snap.Release()
	return Info{
		TimelineID:        t.ID,
		AncestorID:        t.ancestorID,
		AncestorLSN:       t.ancestorLSN,
		LastRecordLSN:     t.lastRecordLSN.Load(),
		DiskConsistentLSN: t.diskConsistentLSN.Load(),
		LatestGCCutoffLSN: t.gcCutoffLSN.Load(),
		LayerCount:        n,
	}
}

// publish swaps the layer set and records the change in the manifest.
// Removed layers are reclaimed once the last reader lets go of them.
func (t *Timeline) publish(insert, remove []*layer.File, diskConsistent lsn.Lsn) error {
	t.manifestMu.Lock()
	defer t.manifestMu.Unlock()

	t.layers.Update(insert, remove)
	if diskConsistent > t.diskConsistentLSN.Load() {
		t.diskConsistentLSN.Store(diskConsistent)
	}
	if err := t.writeManifestLocked(); err != nil {
		return err
	}
	for _, f := range remove {
		f.MarkObsolete()
	}
	snap := t.layers.Acquire()
	metrics.LiveLayers.WithLabelValues(t.ID.String()).Set(float64(snap.Len()))
	snap.Release()
	return nil
}

func (t *Timeline) writeManifest() error {
	t.manifestMu.Lock()
	defer t.manifestMu.Unlock()
	return t.writeManifestLocked()
}

func (t *Timeline) writeManifestLocked() error {
	snap := t.layers.Acquire()
	defer snap.Release()

	m := manifest.Manifest{
		TimelineID:        t.ID,
		AncestorID:        t.ancestorID,
		AncestorLSN:       t.ancestorLSN,
		DiskConsistentLSN: t.diskConsistentLSN.Load(),
		GCCutoffLSN:       t.gcCutoffLSN.Load(),
		NextLayerSeq:      t.nextSeq.Load(),
	}
	for _, f := range snap.All() {
		m.Layers = append(m.Layers, manifest.LayerEntry{
			Name: f.Desc().FileName(),
			Size: f.Size(),
		})
	}
	return m.Write(t.dir)
}
