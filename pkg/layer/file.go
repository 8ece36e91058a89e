package layer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
	"pagestore/pkg/wal"
)

// On-disk layer format, shared by delta and image layers:
//
//	magic    "PSL1"
//	kind     uint8
//	count    uint32
//	entries, sorted by (key, lsn):
//	  key      8 bytes (big-endian)
//	  lsn      uint64
//	  verkind  uint8
//	  willInit uint8
//	  clen     uint32
//	  body     clen bytes, snappy-compressed payload
//	footer:
//	  xxhash64 of everything above

var fileMagic = []byte("PSL1")

// WriteFile seals entries into the layer file at path and returns its size.
// Entries must already be sorted by (key, lsn).
func WriteFile(path string, d Desc, entries []Entry) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "create layer file")
	}
	defer f.Close()

	digest := xxhash.New()
	w := bufio.NewWriter(io.MultiWriter(f, digest))

	if _, err := w.Write(fileMagic); err != nil {
		return 0, err
	}
	if err := w.WriteByte(byte(d.Kind)); err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(entries))); err != nil {
		return 0, err
	}
	var kb [key.Size]byte
	for _, e := range entries {
		e.Key.PutTo(kb[:])
		if _, err := w.Write(kb[:]); err != nil {
			return 0, err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(e.Ver.LSN)); err != nil {
			return 0, err
		}
		var init byte
		if e.Ver.WillInit {
			init = 1
		}
		if _, err := w.Write([]byte{byte(e.Ver.Kind), init}); err != nil {
			return 0, err
		}
		body := snappy.Encode(nil, e.Ver.Payload)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(body))); err != nil {
			return 0, err
		}
		if _, err := w.Write(body); err != nil {
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	if err := binary.Write(f, binary.LittleEndian, digest.Sum64()); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, errors.Wrap(err, "sync layer file")
	}
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Fetcher re-downloads an evicted layer blob into its local path.
type Fetcher func(name, path string) error

// File is a sealed layer backed by a local file, possibly evicted and
// re-fetched from remote storage on demand. Contents load lazily on first
// read and stay resident until Evict.
type File struct {
	desc Desc
	path string
	size int64

	refs     atomic.Int64
	obsolete atomic.Bool

	fetch Fetcher

	mu      sync.Mutex
	content atomic.Pointer[fileContent]
}

type fileContent struct {
	byKey map[key.Key][]Version // ascending by LSN
}

// OpenFile registers the layer file at path; the descriptor comes from the
// file name. The contents are not read until first use.
func OpenFile(path string) (*File, error) {
	d, err := ParseFileName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	f := &File{desc: d, path: path}
	if st, err := os.Stat(path); err == nil {
		f.size = st.Size()
	}
	return f, nil
}

func (f *File) Desc() Desc   { return f.desc }
func (f *File) Path() string { return f.path }
func (f *File) Size() int64  { return f.size }

// SetFetcher enables re-download after local eviction.
func (f *File) SetFetcher(fn Fetcher) {
	f.fetch = fn
}

func (f *File) VersionsUpTo(k key.Key, limit lsn.Lsn) ([]Version, error) {
	c, err := f.load()
	if err != nil {
		return nil, err
	}
	vs := c.byKey[k]
	out := make([]Version, 0, len(vs))
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].LSN <= limit {
			out = append(out, vs[i])
		}
	}
	return out, nil
}

func (f *File) load() (*fileContent, error) {
	if c := f.content.Load(); c != nil {
		return c, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.content.Load(); c != nil {
		return c, nil
	}

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) && f.fetch != nil {
		if ferr := f.fetch(f.desc.FileName(), f.path); ferr != nil {
			return nil, errors.Wrapf(ferr, "fetch layer %s", f.desc)
		}
		raw, err = os.ReadFile(f.path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read layer %s", f.desc)
	}
	c, err := decodeFile(f.desc, raw)
	if err != nil {
		return nil, err
	}
	f.size = int64(len(raw))
	f.content.Store(c)
	return c, nil
}

func decodeFile(d Desc, raw []byte) (*fileContent, error) {
	if len(raw) < len(fileMagic)+1+4+8 {
		return nil, errors.Wrapf(ErrCorrupt, "layer %s: short file", d)
	}
	body, footer := raw[:len(raw)-8], raw[len(raw)-8:]
	if got, want := xxhash.Sum64(body), binary.LittleEndian.Uint64(footer); got != want {
		return nil, errors.Wrapf(ErrCorrupt, "layer %s: checksum mismatch", d)
	}
	if !bytes.Equal(body[:4], fileMagic) {
		return nil, errors.Wrapf(ErrCorrupt, "layer %s: bad magic", d)
	}
	if Kind(body[4]) != d.Kind {
		return nil, errors.Wrapf(ErrCorrupt, "layer %s: kind mismatch", d)
	}
	count := binary.LittleEndian.Uint32(body[5:9])
	r := bytes.NewReader(body[9:])

	byKey := make(map[key.Key][]Version)
	var kb [key.Size]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, kb[:]); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "layer %s: truncated entry", d)
		}
		k := key.FromBytes(kb[:])
		var hdr [10]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "layer %s: truncated entry", d)
		}
		v := Version{
			LSN:      lsn.Lsn(binary.LittleEndian.Uint64(hdr[0:8])),
			Kind:     wal.Kind(hdr[8]),
			WillInit: hdr[9] != 0,
		}
		var clen uint32
		if err := binary.Read(r, binary.LittleEndian, &clen); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "layer %s: truncated entry", d)
		}
		comp := make([]byte, clen)
		if _, err := io.ReadFull(r, comp); err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "layer %s: truncated entry", d)
		}
		payload, err := snappy.Decode(nil, comp)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "layer %s: undecodable payload", d)
		}
		v.Payload = payload
		byKey[k] = append(byKey[k], v)
	}
	return &fileContent{byKey: byKey}, nil
}

// AllEntries returns the full contents sorted by (key, lsn), the order
// compaction consumes input layers in.
func (f *File) AllEntries() ([]Entry, error) {
	c, err := f.load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for k, vs := range c.byKey {
		for _, v := range vs {
			out = append(out, Entry{Key: k, Ver: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Key.Compare(out[j].Key); c != 0 {
			return c < 0
		}
		return out[i].Ver.LSN < out[j].Ver.LSN
	})
	return out, nil
}

// Evict drops the resident contents and the local file; the next read
// re-fetches from remote storage.
func (f *File) Evict() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content.Store(nil)
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Ref/Unref implement deferred reclamation: readers hold a reference for
// the duration of a lookup, the layer map holds one while the layer is
// published. The local file is deleted only once the layer is obsolete and
// the count drains.
func (f *File) Ref() {
	f.refs.Add(1)
}

func (f *File) Unref() {
	if f.refs.Add(-1) == 0 && f.obsolete.Load() {
		f.removeLocal()
	}
}

// MarkObsolete schedules deletion of the local file once no reader holds a
// reference.
func (f *File) MarkObsolete() {
	f.obsolete.Store(true)
	if f.refs.Load() == 0 {
		f.removeLocal()
	}
}

func (f *File) removeLocal() {
	f.content.Store(nil)
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove obsolete layer file", "layer", f.desc.FileName(), "error", err)
	}
}

var _ Layer = (*File)(nil)
var _ Layer = (*Open)(nil)
