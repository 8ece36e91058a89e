package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"pagestore/internal/metrics"
	"pagestore/pkg/key"
	"pagestore/pkg/layer"
	"pagestore/pkg/lsn"
	"pagestore/pkg/wal"
)

// GetPage reconstructs the exact page image of k as of l. The request must
// fall inside the retained history: at or below the ingestion frontier,
// at or above the gc cutoff (the ancestor's cutoff governs reads that cross
// the branch point).
func (t *Timeline) GetPage(ctx context.Context, k key.Key, l lsn.Lsn) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.GetPageSeconds.Observe(time.Since(start).Seconds())
	}()

	if last := t.lastRecordLSN.Load(); l > last {
		return nil, errors.Wrapf(ErrLSNFuture,
			"timeline %s: request at %s, last record %s", t.ID, l, last)
	}
	if cutoff := t.gcCutoffLSN.Load(); l < cutoff {
		return nil, errors.Wrapf(ErrLSNTooOld,
			"timeline %s: request at %s, gc cutoff %s", t.ID, l, cutoff)
	}

	if t.cache != nil {
		if page, ok := t.cache.Get(t.ID, k, l); ok {
			metrics.PageCacheHits.Inc()
			return page, nil
		}
	}

	acc := &collected{seen: make(map[lsn.Lsn]struct{})}
	if err := t.collectVersions(ctx, k, l, acc); err != nil {
		return nil, err
	}
	page, err := acc.redo(k, l)
	if err != nil {
		return nil, err
	}

	if t.cache != nil {
		t.cache.Put(t.ID, k, l, page)
	}
	return page, nil
}

// collected accumulates the minimal reconstruction set: the newest base
// (full image or self-initializing delta) at or below the request, plus
// every delta above it.
type collected struct {
	base   *layer.Version
	deltas []layer.Version
	seen   map[lsn.Lsn]struct{}
}

func (c *collected) add(vs []layer.Version) {
	for _, v := range vs {
		if c.base != nil && v.LSN <= c.base.LSN {
			continue
		}
		if _, dup := c.seen[v.LSN]; dup {
			continue
		}
		c.seen[v.LSN] = struct{}{}
		if v.IsBase() {
			v := v
			c.base = &v
		} else {
			c.deltas = append(c.deltas, v)
		}
	}
}

// redo replays the collected deltas oldest-to-newest over the base,
// regardless of the newest-to-oldest discovery order. Replay is
// deterministic and order-sensitive.
func (c *collected) redo(k key.Key, l lsn.Lsn) ([]byte, error) {
	if c.base == nil {
		return nil, errors.Mark(
			errors.Newf("pagestore: no base image for key %s at %s", k, l),
			layer.ErrCorrupt)
	}
	deltas := c.deltas[:0]
	for _, d := range c.deltas {
		if d.LSN > c.base.LSN {
			deltas = append(deltas, d)
		}
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].LSN < deltas[j].LSN })

	payloads := make([][]byte, 0, len(deltas)+1)
	var base []byte
	if c.base.Kind == wal.KindImage {
		base = c.base.Payload
	} else {
		// Self-initializing delta: replay starts from a zero page.
		payloads = append(payloads, c.base.Payload)
	}
	for _, d := range deltas {
		payloads = append(payloads, d.Payload)
	}
	page, err := wal.Redo(base, payloads)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "replay for key %s at %s", k, l),
			layer.ErrCorrupt)
	}
	return page, nil
}

// collectVersions walks this timeline's layers newest-to-oldest and, if no
// base is found here, continues in the ancestor below the branch point.
func (t *Timeline) collectVersions(ctx context.Context, k key.Key, limit lsn.Lsn, acc *collected) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// In-memory layers hold the newest LSN ranges: the open layer, then
	// frozen layers awaiting flush, newest first.
	open := t.open.Load()
	vs, err := open.VersionsUpTo(k, limit)
	if err != nil {
		return err
	}
	acc.add(vs)

	t.frozenMu.Lock()
	frozen := append([]*layer.Open(nil), t.frozen...)
	t.frozenMu.Unlock()
	for i := len(frozen) - 1; i >= 0; i-- {
		vs, err := frozen[i].VersionsUpTo(k, limit)
		if err != nil {
			return err
		}
		acc.add(vs)
	}

	snap := t.layers.Acquire()
	defer snap.Release()
	for _, f := range snap.Query(k, limit) {
		if acc.base != nil && f.Desc().End <= acc.base.LSN+1 {
			// Entirely at or below the base already found.
			continue
		}
		vs, err := f.VersionsUpTo(k, limit)
		if err != nil {
			return err
		}
		acc.add(vs)
	}

	if acc.base != nil || t.ancestorID.IsZero() {
		return nil
	}

	// Cross the branch point into the ancestor.
	anc, ok := t.resolve.Lookup(t.ancestorID)
	if !ok {
		return errors.Mark(
			errors.Newf("pagestore: ancestor %s of timeline %s is gone", t.ancestorID, t.ID),
			layer.ErrCorrupt)
	}
	alim := limit
	if t.ancestorLSN < alim {
		alim = t.ancestorLSN
	}
	if cutoff := anc.gcCutoffLSN.Load(); alim < cutoff {
		return errors.Wrapf(ErrLSNTooOld,
			"timeline %s: ancestor read at %s below ancestor gc cutoff %s", t.ID, alim, cutoff)
	}
	return anc.collectVersions(ctx, k, alim, acc)
}
