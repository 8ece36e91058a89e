package timeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"

	"pagestore/internal/metrics"
	"pagestore/pkg/key"
	"pagestore/pkg/layer"
	"pagestore/pkg/lsn"
	"pagestore/pkg/wal"
)

// Compact rewrites overlapping delta layers into one wider delta layer and
// materializes image layers for pages buried under deep delta stacks. The
// pass reads only immutable inputs, builds the replacement files on the
// side and publishes the swap atomically: a reader sees the old set or the
// new one, never a mix, and every (key, lsn) still in retention
// reconstructs to identical bytes before and after.
func (t *Timeline) Compact(ctx context.Context) error {
	t.maintMu.Lock()
	defer t.maintMu.Unlock()

	snap := t.layers.Acquire()
	defer snap.Release()

	var deltas []*layer.File
	for _, f := range snap.All() {
		if !f.Desc().IsImage() {
			deltas = append(deltas, f)
		}
	}
	if len(deltas) < t.cfg.CompactionThreshold {
		return nil
	}

	merged, perKey, err := mergeDeltaEntries(ctx, deltas)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		return nil
	}

	var newFiles []*layer.File
	abandon := func() {
		for _, f := range newFiles {
			_ = os.Remove(f.Path())
		}
	}

	// The merged delta layer spans the union of the inputs.
	dDesc := layer.Desc{
		Keys: key.Range{
			Start: merged[0].Key,
			End:   merged[len(merged)-1].Key.Next(),
		},
		Start: deltas[0].Desc().Start,
		End:   deltas[0].Desc().End,
		Kind:  layer.KindDelta,
		Seq:   t.nextSeq.Add(1),
	}
	for _, f := range deltas {
		if f.Desc().Start < dDesc.Start {
			dDesc.Start = f.Desc().Start
		}
		if f.Desc().End > dDesc.End {
			dDesc.End = f.Desc().End
		}
	}
	f, err := t.writeLayer(dDesc, merged)
	if err != nil {
		abandon()
		return err
	}
	newFiles = append(newFiles, f)

	// Pages with deep delta stacks get a full image at the disk-consistent
	// horizon, so later reads stop early and GC gains a foothold.
	imgFile, err := t.buildImageLayer(ctx, perKey)
	if err != nil {
		abandon()
		return err
	}
	if imgFile != nil {
		newFiles = append(newFiles, imgFile)
	}

	if err := t.publish(newFiles, deltas, lsn.Invalid); err != nil {
		abandon()
		return err
	}
	metrics.CompactionRuns.WithLabelValues(t.ID.String()).Inc()
	slog.Info("compaction pass complete",
		"timeline", t.ID, "inputs", len(deltas), "outputs", len(newFiles))

	t.uploadAndRetire(ctx, newFiles, deltas)
	return nil
}

// mergeDeltaEntries combines the inputs into one sorted entry stream,
// deduplicating versions that appear in more than one layer. No version is
// dropped: thinning history is GC's job, not compaction's.
func mergeDeltaEntries(ctx context.Context, inputs []*layer.File) ([]layer.Entry, map[key.Key]int, error) {
	type verKey struct {
		k key.Key
		l lsn.Lsn
	}
	seen := make(map[verKey]struct{})
	perKey := make(map[key.Key]int)
	var merged []layer.Entry
	for _, f := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		entries, err := f.AllEntries()
		if err != nil {
			return nil, nil, err
		}
		for _, e := range entries {
			vk := verKey{k: e.Key, l: e.Ver.LSN}
			if _, dup := seen[vk]; dup {
				continue
			}
			seen[vk] = struct{}{}
			merged = append(merged, e)
			perKey[e.Key]++
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if c := merged[i].Key.Compare(merged[j].Key); c != 0 {
			return c < 0
		}
		return merged[i].Ver.LSN < merged[j].Ver.LSN
	})
	return merged, perKey, nil
}

// buildImageLayer reconstructs pages at the disk-consistent LSN and seals
// them into an image layer. The pass triggers only when some page is
// buried under a deep delta stack, but it then materializes every input
// key inside the covered span: image layers are dense, a layer's key
// range names exactly the pages it holds a base for. GC relies on that
// to equate range coverage with content coverage.
func (t *Timeline) buildImageLayer(ctx context.Context, perKey map[key.Key]int) (*layer.File, error) {
	if t.cfg.ImageCreationThreshold <= 0 {
		return nil, nil
	}
	var lo, hi key.Key
	deep := false
	for k, n := range perKey {
		if n < t.cfg.ImageCreationThreshold {
			continue
		}
		if !deep || k.Less(lo) {
			lo = k
		}
		if !deep || hi.Less(k) {
			hi = k
		}
		deep = true
	}
	if !deep {
		return nil, nil
	}
	var keys []key.Key
	for k := range perKey {
		if lo.Compare(k) <= 0 && k.Compare(hi) <= 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	imgLSN := t.diskConsistentLSN.Load()
	if imgLSN < t.gcCutoffLSN.Load() {
		return nil, nil
	}
	entries := make([]layer.Entry, 0, len(keys))
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := t.GetPage(ctx, k, imgLSN)
		if err != nil {
			return nil, errors.Wrapf(err, "materialize %s at %s", k, imgLSN)
		}
		entries = append(entries, layer.Entry{
			Key: k,
			Ver: layer.Version{LSN: imgLSN, Kind: wal.KindImage, Payload: page},
		})
	}
	desc := layer.Desc{
		Keys:  key.Range{Start: keys[0], End: keys[len(keys)-1].Next()},
		Start: imgLSN,
		End:   imgLSN + 1,
		Kind:  layer.KindImage,
		Seq:   t.nextSeq.Add(1),
	}
	return t.writeLayer(desc, entries)
}

func (t *Timeline) writeLayer(desc layer.Desc, entries []layer.Entry) (*layer.File, error) {
	path := filepath.Join(t.dir, desc.FileName())
	if _, err := layer.WriteFile(path, desc, entries); err != nil {
		return nil, err
	}
	f, err := layer.OpenFile(path)
	if err != nil {
		return nil, err
	}
	t.attachFetcher(f)
	return f, nil
}

// uploadAndRetire pushes new layers to remote storage and deletes the
// blobs of the replaced ones. Local files of replaced layers are reclaimed
// by the reference counts once in-flight reads drain.
func (t *Timeline) uploadAndRetire(ctx context.Context, added, removed []*layer.File) {
	if t.uploader == nil {
		return
	}
	for _, f := range added {
		if err := t.uploader.UploadFile(ctx, t.blobName(f.Desc()), f.Path()); err != nil {
			slog.Error("layer upload failed",
				"timeline", t.ID, "layer", f.Desc().FileName(), "error", err)
		}
	}
	for _, f := range removed {
		if err := t.uploader.Delete(ctx, t.blobName(f.Desc())); err != nil {
			slog.Warn("stale blob delete failed",
				"timeline", t.ID, "layer", f.Desc().FileName(), "error", err)
		}
	}
}
