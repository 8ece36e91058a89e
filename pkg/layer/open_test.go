package layer

import (
	"testing"

	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
	"pagestore/pkg/wal"
)

func TestOpenPutAndRead(t *testing.T) {
	o := NewOpen(100)
	k := key.Key{Rel: 1, Block: 1}
	o.Put(k, Version{LSN: 100, Kind: wal.KindImage, Payload: []byte("a")})
	o.Put(k, Version{LSN: 150, Kind: wal.KindDelta, Payload: []byte("b")})
	o.Put(k, Version{LSN: 200, Kind: wal.KindDelta, Payload: []byte("c")})

	vs, err := o.VersionsUpTo(k, 160)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 2 {
		t.Fatalf("got %d versions, want 2", len(vs))
	}
	// Newest first.
	if vs[0].LSN != 150 || vs[1].LSN != 100 {
		t.Errorf("order: %d, %d", vs[0].LSN, vs[1].LSN)
	}

	vs, err = o.VersionsUpTo(key.Key{Rel: 9, Block: 9}, lsn.Max)
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 0 {
		t.Errorf("unknown key returned %d versions", len(vs))
	}
}

func TestOpenDescTracksFrontier(t *testing.T) {
	o := NewOpen(100)
	if d := o.Desc(); d.Start != 100 || d.End != 101 {
		t.Errorf("empty desc [%d,%d)", d.Start, d.End)
	}
	o.Put(key.Key{Rel: 1, Block: 1}, Version{LSN: 180, Kind: wal.KindDelta})
	if d := o.Desc(); d.Start != 100 || d.End != 181 {
		t.Errorf("desc [%d,%d), want [100,181)", d.Start, d.End)
	}
}

func TestOpenEntriesSorted(t *testing.T) {
	o := NewOpen(1)
	ka := key.Key{Rel: 1, Block: 2}
	kb := key.Key{Rel: 1, Block: 1}
	o.Put(kb, Version{LSN: 5, Kind: wal.KindImage})
	o.Put(ka, Version{LSN: 10, Kind: wal.KindDelta})
	o.Put(kb, Version{LSN: 20, Kind: wal.KindDelta})
	o.Freeze()

	entries := o.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	want := []struct {
		k key.Key
		l lsn.Lsn
	}{{kb, 5}, {kb, 20}, {ka, 10}}
	for i, e := range entries {
		if e.Key != want[i].k || e.Ver.LSN != want[i].l {
			t.Errorf("entry %d = (%s, %d), want (%s, %d)", i, e.Key, e.Ver.LSN, want[i].k, want[i].l)
		}
	}
}

func TestOpenSizeAndFreeze(t *testing.T) {
	o := NewOpen(1)
	if !o.IsEmpty() {
		t.Error("new layer not empty")
	}
	o.Put(key.Key{Rel: 1, Block: 1}, Version{LSN: 2, Kind: wal.KindDelta, Payload: make([]byte, 100)})
	if o.IsEmpty() || o.Size() == 0 || o.NumEntries() != 1 {
		t.Error("accounting not updated")
	}
	if o.Frozen() {
		t.Error("frozen before Freeze")
	}
	o.Freeze()
	if !o.Frozen() {
		t.Error("Freeze did not stick")
	}
}
