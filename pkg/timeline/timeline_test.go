package timeline

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"pagestore/internal/config"
	"pagestore/pkg/id"
	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
	"pagestore/pkg/wal"
)

func testStorageConfig() config.StorageConfig {
	return config.StorageConfig{
		CheckpointDistance:     64 * 1024 * 1024,
		CheckpointTimeout:      time.Hour,
		CompactionThreshold:    2,
		ImageCreationThreshold: 2,
	}
}

func newTestRegistry(t *testing.T, dir string, cfg config.StorageConfig) *Registry {
	t.Helper()
	r, err := NewRegistry(dir, cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start(context.Background())
	t.Cleanup(func() {
		if err := r.Close(context.Background()); err != nil {
			t.Errorf("registry close: %v", err)
		}
	})
	return r
}

func imageRec(l lsn.Lsn, k key.Key, v uint64) wal.Record {
	return wal.Record{LSN: l, Parts: []wal.PagePart{
		{Key: k, Kind: wal.KindImage, Payload: wal.CounterImage(v)},
	}}
}

func addRec(l lsn.Lsn, k key.Key, d int64) wal.Record {
	return wal.Record{LSN: l, Parts: []wal.PagePart{
		{Key: k, Kind: wal.KindDelta, Payload: wal.AddPayload(d)},
	}}
}

func counterAt(t *testing.T, tl *Timeline, k key.Key, l lsn.Lsn) uint64 {
	t.Helper()
	page, err := tl.GetPage(context.Background(), k, l)
	if err != nil {
		t.Fatalf("GetPage(%s, %s): %v", k, l, err)
	}
	return binary.BigEndian.Uint64(page[:8])
}

func TestIngestAndReadBack(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	k := key.Key{Rel: 1, Block: 1}

	if err := tl.IngestRecord(imageRec(50, k, 10)); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(addRec(100, k, 5)); err != nil {
		t.Fatal(err)
	}

	// The page reads differently at each point of its history.
	if got := counterAt(t, tl, k, 100); got != 15 {
		t.Errorf("at 100: %d, want 15", got)
	}
	if got := counterAt(t, tl, k, 99); got != 10 {
		t.Errorf("at 99: %d, want 10", got)
	}
	if got := counterAt(t, tl, k, 50); got != 10 {
		t.Errorf("at 50: %d, want 10", got)
	}
	if tl.GetLastRecordLSN() != 100 {
		t.Errorf("last_record_lsn = %s", tl.GetLastRecordLSN())
	}
}

func TestIngestRejectsNonMonotonicLSN(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	k := key.Key{Rel: 1, Block: 1}
	if err := tl.IngestRecord(imageRec(100, k, 1)); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(addRec(100, k, 1)); !errors.Is(err, wal.ErrNonMonotonicLSN) {
		t.Errorf("equal lsn: %v", err)
	}
	if err := tl.IngestRecord(addRec(99, k, 1)); !errors.Is(err, wal.ErrNonMonotonicLSN) {
		t.Errorf("lower lsn: %v", err)
	}
	// The frontier did not move.
	if tl.GetLastRecordLSN() != 100 {
		t.Errorf("last_record_lsn = %s", tl.GetLastRecordLSN())
	}
}

func TestReadOutsideRetainedHistory(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	k := key.Key{Rel: 1, Block: 1}
	if err := tl.IngestRecord(imageRec(100, k, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.GetPage(context.Background(), k, 101); !errors.Is(err, ErrLSNFuture) {
		t.Errorf("future read: %v", err)
	}
}

func TestCheckpointFlushesAndSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testStorageConfig()

	r, err := NewRegistry(dir, cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start(context.Background())

	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	tid := tl.ID
	k := key.Key{Rel: 1, Block: 1}
	if err := tl.IngestRecord(imageRec(100, k, 10)); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(addRec(200, k, 5)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tl.GetDiskConsistentLSN() != 200 {
		t.Errorf("disk_consistent_lsn = %s", tl.GetDiskConsistentLSN())
	}
	if got := counterAt(t, tl, k, 200); got != 15 {
		t.Errorf("after flush: %d, want 15", got)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A fresh registry over the same directory reopens the exact layer set.
	r2 := newTestRegistry(t, dir, cfg)
	tl2, ok := r2.Lookup(tid)
	if !ok {
		t.Fatal("timeline lost across restart")
	}
	if tl2.GetDiskConsistentLSN() != 200 || tl2.GetLastRecordLSN() != 200 {
		t.Errorf("horizons after restart: disk=%s last=%s",
			tl2.GetDiskConsistentLSN(), tl2.GetLastRecordLSN())
	}
	if got := counterAt(t, tl2, k, 200); got != 15 {
		t.Errorf("after restart at 200: %d, want 15", got)
	}
	if got := counterAt(t, tl2, k, 150); got != 10 {
		t.Errorf("after restart at 150: %d, want 10", got)
	}
	// Ingestion resumes past the flushed history.
	if err := tl2.IngestRecord(addRec(300, k, 1)); err != nil {
		t.Fatal(err)
	}
	if got := counterAt(t, tl2, k, 300); got != 16 {
		t.Errorf("after resume: %d, want 16", got)
	}
}

func TestIdleOpenLayerFreezesByAge(t *testing.T) {
	cfg := testStorageConfig()
	cfg.CheckpointTimeout = 10 * time.Millisecond
	r := newTestRegistry(t, t.TempDir(), cfg)
	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	k := key.Key{Rel: 1, Block: 1}
	if err := tl.IngestRecord(imageRec(100, k, 10)); err != nil {
		t.Fatal(err)
	}

	// No further ingestion happens; the rotation must come from the
	// timeout, not from the next record.
	time.Sleep(3 * cfg.CheckpointTimeout)
	tl.freezeStale()
	if err := tl.waitFlushed(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tl.GetDiskConsistentLSN() != 100 {
		t.Errorf("disk_consistent_lsn = %s, want 0/64", tl.GetDiskConsistentLSN())
	}
	if got := counterAt(t, tl, k, 100); got != 10 {
		t.Errorf("after timed flush: %d, want 10", got)
	}
}

func TestBranchReadsThroughAncestor(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	parent, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	k := key.Key{Rel: 1, Block: 1}
	if err := parent.IngestRecord(imageRec(100, k, 10)); err != nil {
		t.Fatal(err)
	}
	if err := parent.IngestRecord(addRec(200, k, 5)); err != nil {
		t.Fatal(err)
	}

	child, err := r.Branch(id.NewTimelineID(), parent.ID, 150)
	if err != nil {
		t.Fatal(err)
	}

	// The branch sees history up to the branch point, not past it.
	if got := counterAt(t, child, k, 150); got != 10 {
		t.Errorf("child at branch point: %d, want 10", got)
	}
	if err := child.IngestRecord(addRec(300, k, 7)); err != nil {
		t.Fatal(err)
	}
	if got := counterAt(t, child, k, 300); got != 17 {
		t.Errorf("child after own write: %d, want 17", got)
	}

	// The parent never sees the branch's writes.
	if got := counterAt(t, parent, k, 200); got != 15 {
		t.Errorf("parent at 200: %d, want 15", got)
	}
	if _, err := parent.GetPage(context.Background(), k, 300); !errors.Is(err, ErrLSNFuture) {
		t.Errorf("parent at branch-only lsn: %v", err)
	}
}

func TestBranchValidation(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	parent, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	k := key.Key{Rel: 1, Block: 1}
	if err := parent.IngestRecord(imageRec(100, k, 1)); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Branch(id.NewTimelineID(), parent.ID, 500); !errors.Is(err, ErrBadBranchPoint) {
		t.Errorf("branch past frontier: %v", err)
	}
	if _, err := r.Branch(id.NewTimelineID(), id.NewTimelineID(), 50); !errors.Is(err, ErrTimelineNotFound) {
		t.Errorf("branch off unknown ancestor: %v", err)
	}
	if _, err := r.Create(parent.ID, 0); !errors.Is(err, ErrTimelineExists) {
		t.Errorf("duplicate create: %v", err)
	}
}

func TestDeleteRefusesWithLiveBranches(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	parent, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	k := key.Key{Rel: 1, Block: 1}
	if err := parent.IngestRecord(imageRec(100, k, 1)); err != nil {
		t.Fatal(err)
	}
	child, err := r.Branch(id.NewTimelineID(), parent.ID, 100)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := r.Delete(ctx, parent.ID); !errors.Is(err, ErrHasDescendants) {
		t.Errorf("delete with live branch: %v", err)
	}
	if err := r.Delete(ctx, child.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, parent.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Lookup(parent.ID); ok {
		t.Error("deleted timeline still resolvable")
	}
	if err := r.Delete(ctx, parent.ID); !errors.Is(err, ErrTimelineNotFound) {
		t.Errorf("double delete: %v", err)
	}
}

func TestCompactionPreservesReads(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	k := key.Key{Rel: 1, Block: 1}

	if err := tl.IngestRecord(imageRec(100, k, 10)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(addRec(200, k, 5)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}

	before := map[lsn.Lsn]uint64{}
	for _, l := range []lsn.Lsn{100, 150, 200} {
		before[l] = counterAt(t, tl, k, l)
	}

	if err := tl.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	for l, want := range before {
		if got := counterAt(t, tl, k, l); got != want {
			t.Errorf("at %s: %d, want %d", l, got, want)
		}
	}

	// Two sealed deltas became one merged delta plus a materialized image.
	snap := tl.layers.Acquire()
	var nDelta, nImage int
	for _, f := range snap.All() {
		if f.Desc().IsImage() {
			nImage++
		} else {
			nDelta++
		}
	}
	snap.Release()
	if nDelta != 1 || nImage != 1 {
		t.Errorf("layer set after compaction: %d deltas, %d images", nDelta, nImage)
	}

	// Below the threshold a second pass is a no-op.
	if err := tl.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	if got := counterAt(t, tl, k, 200); got != 15 {
		t.Errorf("after second pass: %d, want 15", got)
	}
}

func TestConcurrentReadsDuringCompaction(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	k := key.Key{Rel: 1, Block: 1}

	if err := tl.IngestRecord(imageRec(100, k, 10)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(addRec(200, k, 5)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				page, err := tl.GetPage(ctx, k, 200)
				if err != nil {
					errCh <- err
					return
				}
				if v := binary.BigEndian.Uint64(page[:8]); v != 15 {
					errCh <- errors.Newf("read %d, want 15", v)
					return
				}
			}
		}()
	}
	if err := tl.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

func TestGCDropsCoveredHistory(t *testing.T) {
	cfg := testStorageConfig()
	r := newTestRegistry(t, t.TempDir(), cfg)
	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	k := key.Key{Rel: 1, Block: 1}

	if err := tl.IngestRecord(imageRec(100, k, 10)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(addRec(200, k, 5)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	// Compaction materializes the image layer GC needs as a foothold.
	if err := tl.Compact(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := tl.RunGC(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cutoff != 200 {
		t.Errorf("cutoff = %s, want 0/C8", res.Cutoff)
	}
	if res.LayersRemoved != 1 {
		t.Errorf("removed %d layers, want 1 (the merged delta)", res.LayersRemoved)
	}

	// Reads inside retention still work, reads below it are refused.
	if got := counterAt(t, tl, k, 200); got != 15 {
		t.Errorf("at cutoff: %d, want 15", got)
	}
	if _, err := tl.GetPage(ctx, k, 150); !errors.Is(err, ErrLSNTooOld) {
		t.Errorf("below cutoff: %v", err)
	}

	// The cutoff never moves backwards.
	res2, err := tl.RunGC(ctx, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Cutoff != 200 {
		t.Errorf("cutoff regressed to %s", res2.Cutoff)
	}
}

func TestGCKeepsSparselyWrittenKeys(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	tl, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	k1 := key.Key{Rel: 1, Block: 1}
	k2 := key.Key{Rel: 1, Block: 2}
	k3 := key.Key{Rel: 1, Block: 3}

	if err := tl.IngestRecord(imageRec(10, k1, 10)); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(imageRec(20, k2, 7)); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(imageRec(30, k3, 20)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}
	// Only the outer keys keep accumulating deltas; the middle key never
	// crosses the image creation threshold on its own.
	if err := tl.IngestRecord(addRec(100, k1, 5)); err != nil {
		t.Fatal(err)
	}
	if err := tl.IngestRecord(addRec(110, k3, 5)); err != nil {
		t.Fatal(err)
	}
	if err := tl.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}

	if err := tl.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := tl.RunGC(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cutoff != 110 {
		t.Errorf("cutoff = %s, want 0/6E", res.Cutoff)
	}

	// Every key inside retention reads back, including the one whose only
	// history lived in the retired delta layer.
	if got := counterAt(t, tl, k2, 110); got != 7 {
		t.Errorf("sparse key at cutoff: %d, want 7", got)
	}
	if got := counterAt(t, tl, k1, 110); got != 15 {
		t.Errorf("k1 at cutoff: %d, want 15", got)
	}
	if got := counterAt(t, tl, k3, 110); got != 25 {
		t.Errorf("k3 at cutoff: %d, want 25", got)
	}
	if _, err := tl.GetPage(ctx, k2, 50); !errors.Is(err, ErrLSNTooOld) {
		t.Errorf("below cutoff: %v", err)
	}
}

func TestGCPinnedByBranchPoint(t *testing.T) {
	r := newTestRegistry(t, t.TempDir(), testStorageConfig())
	parent, err := r.Create(id.NewTimelineID(), 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	k := key.Key{Rel: 1, Block: 1}
	if err := parent.IngestRecord(imageRec(100, k, 10)); err != nil {
		t.Fatal(err)
	}
	if err := parent.IngestRecord(addRec(200, k, 5)); err != nil {
		t.Fatal(err)
	}
	child, err := r.Branch(id.NewTimelineID(), parent.ID, 150)
	if err != nil {
		t.Fatal(err)
	}

	res, err := parent.RunGC(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cutoff != 150 {
		t.Errorf("cutoff = %s, want the branch point", res.Cutoff)
	}
	// The branch can still read at its branch point.
	if got := counterAt(t, child, k, 150); got != 10 {
		t.Errorf("child at branch point after parent gc: %d, want 10", got)
	}
}
