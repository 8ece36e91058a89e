package timeline

import (
	"context"

	"github.com/cockroachdb/errors"

	"pagestore/internal/metrics"
	"pagestore/pkg/layer"
	"pagestore/pkg/wal"
)

// IngestRecord applies one WAL record to the open layer and advances the
// frontier. Records must arrive with strictly increasing LSNs; violating
// the order is a protocol error and ingestion for the timeline halts (the
// caller must not retry past it).
func (t *Timeline) IngestRecord(rec wal.Record) error {
	if t.stopped.Load() {
		return ErrStopped
	}
	t.ingestMu.Lock()
	defer t.ingestMu.Unlock()

	last := t.lastRecordLSN.Load()
	if rec.LSN <= last {
		return errors.Wrapf(wal.ErrNonMonotonicLSN,
			"timeline %s: record at %s, frontier already at %s", t.ID, rec.LSN, last)
	}

	open := t.open.Load()
	for _, p := range rec.Parts {
		open.Put(p.Key, layer.Version{
			LSN:      rec.LSN,
			Kind:     p.Kind,
			WillInit: p.WillInit,
			Payload:  p.Payload,
		})
	}
	t.lastRecordLSN.Store(rec.LSN)

	tid := t.ID.String()
	metrics.WALRecordsIngested.WithLabelValues(tid).Inc()
	metrics.WALBytesIngested.WithLabelValues(tid).Add(float64(rec.Size()))

	t.maybeFreezeLocked(open)
	return nil
}

// maybeFreezeLocked rotates the open layer when it crossed the checkpoint
// distance or timeout. Called with ingestMu held.
func (t *Timeline) maybeFreezeLocked(open *layer.Open) {
	if open.IsEmpty() {
		return
	}
	if open.Size() < t.cfg.CheckpointDistance && open.Age() < t.cfg.CheckpointTimeout {
		return
	}
	t.freezeLocked()
}

// freezeStale rotates the open layer once it has outlived the checkpoint
// timeout. Ingestion checks the timeout too, but only when a record
// arrives; the periodic sweep calls this so idle timelines still flush.
func (t *Timeline) freezeStale() {
	t.ingestMu.Lock()
	defer t.ingestMu.Unlock()
	open := t.open.Load()
	if open.IsEmpty() || open.Age() < t.cfg.CheckpointTimeout {
		return
	}
	t.freezeLocked()
}

// freezeLocked swaps the open layer for a fresh one and queues the frozen
// layer for flush. The frozen layer stays readable in memory; ingestion
// backpressures only when the flush queue is full, never on flush
// completion itself.
func (t *Timeline) freezeLocked() {
	open := t.open.Load()
	if open.IsEmpty() {
		return
	}
	open.Freeze()

	t.frozenMu.Lock()
	t.frozen = append(t.frozen, open)
	t.frozenMu.Unlock()

	t.open.Store(layer.NewOpen(t.lastRecordLSN.Load() + 1))
	t.flushCh <- open
}

// Checkpoint freezes the open layer and waits until every frozen layer has
// been flushed and published.
func (t *Timeline) Checkpoint(ctx context.Context) error {
	t.ingestMu.Lock()
	t.freezeLocked()
	t.ingestMu.Unlock()

	return t.waitFlushed(ctx)
}

func (t *Timeline) waitFlushed(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Take the lock so the wakeup cannot slip in between the
			// waiter's ctx check and its Wait.
			t.frozenMu.Lock()
			t.frozenCond.Broadcast()
			t.frozenMu.Unlock()
		case <-done:
		}
	}()

	t.frozenMu.Lock()
	defer t.frozenMu.Unlock()
	for len(t.frozen) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.frozenCond.Wait()
	}
	return nil
}
