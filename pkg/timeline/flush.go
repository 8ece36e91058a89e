package timeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"pagestore/internal/metrics"
	"pagestore/pkg/key"
	"pagestore/pkg/layer"
)

// runFlushLoop drains the flush queue, turning frozen layers into sealed
// delta layer files. Flush errors are resource errors: retried with
// backoff, the frozen layer stays readable in memory and nothing is lost.
func (t *Timeline) runFlushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frozen := <-t.flushCh:
			backoff := 100 * time.Millisecond
			for {
				err := t.flushFrozen(ctx, frozen)
				if err == nil {
					break
				}
				slog.Error("layer flush failed, will retry",
					"timeline", t.ID, "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > 10*time.Second {
					backoff = 10 * time.Second
				}
			}
		}
	}
}

// flushFrozen seals one frozen layer into a delta layer file and publishes
// it. Once the layer map entry is visible the in-memory copy is dropped.
func (t *Timeline) flushFrozen(ctx context.Context, frozen *layer.Open) error {
	entries := frozen.Entries()
	if len(entries) == 0 {
		t.dropFrozen(frozen)
		return nil
	}

	desc := frozen.Desc()
	desc.Keys = key.Range{
		Start: entries[0].Key,
		End:   entries[len(entries)-1].Key.Next(),
	}
	desc.Seq = t.nextSeq.Add(1)

	path := filepath.Join(t.dir, desc.FileName())
	size, err := layer.WriteFile(path, desc, entries)
	if err != nil {
		return err
	}
	f, err := layer.OpenFile(path)
	if err != nil {
		return err
	}
	t.attachFetcher(f)

	if err := t.publish([]*layer.File{f}, nil, desc.End-1); err != nil {
		return err
	}
	t.dropFrozen(frozen)
	metrics.LayerFlushes.WithLabelValues(t.ID.String()).Inc()
	slog.Info("flushed frozen layer",
		"timeline", t.ID, "layer", desc.FileName(), "bytes", size)

	if t.uploader != nil {
		if err := t.uploader.UploadFile(ctx, t.blobName(desc), path); err != nil {
			// The layer is durable locally; the upload will be retried by
			// the next maintenance pass rather than blocking ingestion.
			slog.Error("layer upload failed", "timeline", t.ID, "layer", desc.FileName(), "error", err)
		}
	}
	return nil
}

func (t *Timeline) dropFrozen(frozen *layer.Open) {
	t.frozenMu.Lock()
	for i, fl := range t.frozen {
		if fl == frozen {
			t.frozen = append(t.frozen[:i], t.frozen[i+1:]...)
			break
		}
	}
	t.frozenCond.Broadcast()
	t.frozenMu.Unlock()
}
