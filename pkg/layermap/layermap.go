package layermap

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"pagestore/pkg/key"
	"pagestore/pkg/layer"
	"pagestore/pkg/lsn"
)

const treeDegree = 16

// Map indexes every sealed layer of a timeline. Updates build a new
// immutable snapshot and swap it in, so a reader pins one snapshot and is
// unaffected by concurrent flushes and compactions; it never observes a
// half-updated layer set.
type Map struct {
	mu  sync.RWMutex
	cur *Snapshot
}

type item struct {
	desc layer.Desc
	file *layer.File
}

// Ordered by LSN start, then creation sequence. Higher means newer; the
// sequence breaks ties so later compaction output supersedes what it
// rewrote. Seq is unique per timeline, which keeps the order strict.
func itemLess(a, b item) bool {
	if a.desc.Start != b.desc.Start {
		return a.desc.Start < b.desc.Start
	}
	return a.desc.Seq < b.desc.Seq
}

// Snapshot is an immutable view of the layer set. It holds a reference on
// every member layer; files replaced by compaction are reclaimed only after
// the last snapshot referencing them is released.
type Snapshot struct {
	tree *btree.BTreeG[item]
	refs atomic.Int64
}

func New() *Map {
	s := &Snapshot{tree: btree.NewG(treeDegree, itemLess)}
	s.refs.Store(1)
	return &Map{cur: s}
}

// Acquire pins the current snapshot. The caller must Release it.
func (m *Map) Acquire() *Snapshot {
	m.mu.RLock()
	s := m.cur
	s.refs.Add(1)
	m.mu.RUnlock()
	return s
}

// Update publishes a new layer set atomically: the inserted layers appear
// and the removed ones disappear in one swap.
func (m *Map) Update(insert, remove []*layer.File) {
	m.mu.Lock()
	t := m.cur.tree.Clone()
	for _, f := range remove {
		t.Delete(item{desc: f.Desc()})
	}
	for _, f := range insert {
		t.ReplaceOrInsert(item{desc: f.Desc(), file: f})
	}
	next := &Snapshot{tree: t}
	next.refs.Store(1)
	next.tree.Ascend(func(it item) bool {
		it.file.Ref()
		return true
	})
	old := m.cur
	m.cur = next
	m.mu.Unlock()

	old.Release()
}

func (s *Snapshot) Release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.tree.Ascend(func(it item) bool {
		it.file.Unref()
		return true
	})
}

// Query returns the layers that may hold version data for k at or below
// limit, newest LSN range first, ties broken by higher sequence. The result
// is valid while the snapshot is held.
func (s *Snapshot) Query(k key.Key, limit lsn.Lsn) []*layer.File {
	pivot := item{desc: layer.Desc{Start: limit, Seq: math.MaxUint64}}
	var out []*layer.File
	s.tree.DescendLessOrEqual(pivot, func(it item) bool {
		if it.desc.Covers(k, limit) {
			out = append(out, it.file)
		}
		return true
	})
	return out
}

// All lists every layer, oldest LSN range first.
func (s *Snapshot) All() []*layer.File {
	out := make([]*layer.File, 0, s.tree.Len())
	s.tree.Ascend(func(it item) bool {
		out = append(out, it.file)
		return true
	})
	return out
}

func (s *Snapshot) Len() int {
	return s.tree.Len()
}
