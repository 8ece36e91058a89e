package layer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
)

// Open is the single mutable, append-only layer accepting new WAL records
// for a timeline. Appends are serialized by the ingestion path; readers may
// observe it concurrently. Once frozen it stays readable until the flushed
// file is published.
type Open struct {
	start     lsn.Lsn
	createdAt time.Time

	frontier atomic.Uint64 // highest LSN appended
	size     atomic.Uint64
	entries  atomic.Int64
	frozen   atomic.Bool

	m *skipmap.FuncMap[key.Key, *versionChain]
}

type versionChain struct {
	mu sync.RWMutex
	vs []Version // ascending by LSN
}

// NewOpen starts an empty open layer covering LSNs >= start.
func NewOpen(start lsn.Lsn) *Open {
	return &Open{
		start:     start,
		createdAt: time.Now(),
		m: skipmap.NewFunc[key.Key, *versionChain](func(a, b key.Key) bool {
			return a.Less(b)
		}),
	}
}

// Put appends a version of k. The caller guarantees v.LSN exceeds every
// LSN previously appended (single writer).
func (o *Open) Put(k key.Key, v Version) {
	chain, _ := o.m.LoadOrStore(k, &versionChain{})
	chain.mu.Lock()
	chain.vs = append(chain.vs, v)
	chain.mu.Unlock()

	o.size.Add(key.Size + 18 + uint64(len(v.Payload)))
	o.entries.Add(1)
	if uint64(v.LSN) > o.frontier.Load() {
		o.frontier.Store(uint64(v.LSN))
	}
}

func (o *Open) VersionsUpTo(k key.Key, limit lsn.Lsn) ([]Version, error) {
	chain, ok := o.m.Load(k)
	if !ok {
		return nil, nil
	}
	chain.mu.RLock()
	vs := chain.vs
	// The chain only ever grows at the tail; the prefix is safe to read
	// after unlocking.
	n := len(vs)
	chain.mu.RUnlock()

	out := make([]Version, 0, n)
	for i := n - 1; i >= 0; i-- {
		if vs[i].LSN <= limit {
			out = append(out, vs[i])
		}
	}
	return out, nil
}

func (o *Open) Desc() Desc {
	end := o.start + 1
	if f := lsn.Lsn(o.frontier.Load()); f >= o.start {
		end = f + 1
	}
	return Desc{
		Keys:  key.All(),
		Start: o.start,
		End:   end,
		Kind:  KindDelta,
	}
}

func (o *Open) Start() lsn.Lsn     { return o.start }
func (o *Open) Size() uint64       { return o.size.Load() }
func (o *Open) NumEntries() int64  { return o.entries.Load() }
func (o *Open) Age() time.Duration { return time.Since(o.createdAt) }
func (o *Open) IsEmpty() bool      { return o.entries.Load() == 0 }

// Freeze marks the layer immutable. Appends must have stopped already.
func (o *Open) Freeze() {
	o.frozen.Store(true)
}

func (o *Open) Frozen() bool {
	return o.frozen.Load()
}

// Entries snapshots the full contents sorted by (key, LSN), the order layer
// files are written in. Only meaningful after freeze.
func (o *Open) Entries() []Entry {
	out := make([]Entry, 0, o.entries.Load())
	o.m.Range(func(k key.Key, chain *versionChain) bool {
		chain.mu.RLock()
		for _, v := range chain.vs {
			out = append(out, Entry{Key: k, Ver: v})
		}
		chain.mu.RUnlock()
		return true
	})
	// Range walks keys in order already; keep the sort as a guard for
	// equal keys spread across chains.
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Key.Compare(out[j].Key); c != 0 {
			return c < 0
		}
		return out[i].Ver.LSN < out[j].Ver.LSN
	})
	return out
}
