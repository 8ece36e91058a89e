package timeline

import (
	"context"
	"log/slog"

	"pagestore/internal/metrics"
	"pagestore/pkg/layer"
	"pagestore/pkg/lsn"
)

// GCResult reports what a garbage collection pass did.
type GCResult struct {
	Cutoff        lsn.Lsn `json:"cutoff_lsn"`
	LayersRemoved int     `json:"layers_removed"`
	BytesRemoved  int64   `json:"bytes_removed"`
}

// RunGC advances the GC cutoff and drops layer files whose contents can no
// longer influence any permitted read. horizon overrides the configured
// retention distance when nonzero.
//
// The cutoff is the retention point lastRecord - horizon, pinned back to
// the oldest branch point of any live child so branch reads keep working.
// It never moves backwards.
func (t *Timeline) RunGC(ctx context.Context, horizon lsn.Lsn) (GCResult, error) {
	t.maintMu.Lock()
	defer t.maintMu.Unlock()

	if err := ctx.Err(); err != nil {
		return GCResult{}, err
	}
	if horizon == lsn.Invalid {
		horizon = lsn.Lsn(t.cfg.GCHorizon)
	}

	cutoff := t.GetLastRecordLSN().Sub(uint64(horizon))
	if t.resolve != nil {
		for _, child := range t.resolve.Children(t.ID) {
			if bp := child.AncestorLSN(); bp < cutoff {
				cutoff = bp
			}
		}
	}
	if prev := t.gcCutoffLSN.Load(); cutoff < prev {
		cutoff = prev
	}

	snap := t.layers.Acquire()
	defer snap.Release()

	all := snap.All()
	var removed []*layer.File
	var bytesRemoved int64
	for _, f := range all {
		if removable(f.Desc(), all, cutoff) {
			removed = append(removed, f)
			bytesRemoved += f.Size()
		}
	}

	t.gcCutoffLSN.Store(cutoff)
	if len(removed) > 0 {
		if err := t.publish(nil, removed, lsn.Invalid); err != nil {
			return GCResult{}, err
		}
	} else if err := t.writeManifest(); err != nil {
		return GCResult{}, err
	}
	metrics.GCRuns.WithLabelValues(t.ID.String()).Inc()
	slog.Info("gc pass complete",
		"timeline", t.ID, "cutoff", cutoff,
		"removed", len(removed), "bytes", bytesRemoved)

	t.uploadAndRetire(ctx, nil, removed)
	return GCResult{Cutoff: cutoff, LayersRemoved: len(removed), BytesRemoved: bytesRemoved}, nil
}

// removable decides whether a sealed layer is dead under the given cutoff.
//
// A delta layer is dead once an image layer at or past its end, itself at
// or below the cutoff, covers its whole key range: every read at a
// permitted LSN finds that image first and never descends into the deltas.
// Image layers are dense over their key range (buildImageLayer), so range
// coverage means each key in the delta has a base in the image.
// An image layer is dead once a newer covering image exists at or below
// the cutoff.
func removable(d layer.Desc, all []*layer.File, cutoff lsn.Lsn) bool {
	for _, f := range all {
		img := f.Desc()
		if !img.IsImage() || img.Start > cutoff {
			continue
		}
		if !img.Keys.Covers(d.Keys) {
			continue
		}
		if d.IsImage() {
			if d.Start < img.Start {
				return true
			}
		} else if img.Start >= d.End-1 {
			return true
		}
	}
	return false
}
