package layer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
	"pagestore/pkg/wal"
)

var (
	// ErrCorrupt marks unreadable or internally inconsistent layer data.
	// Fatal for the request that hit it, never retried.
	ErrCorrupt = errors.New("pagestore: corrupt layer")
)

// Kind of a sealed layer.
type Kind uint8

const (
	// KindDelta holds WAL deltas for a key range across an LSN range.
	KindDelta Kind = iota + 1
	// KindImage holds complete page images for a key range at one LSN.
	KindImage
)

func (k Kind) String() string {
	if k == KindImage {
		return "image"
	}
	return "delta"
}

// Version is one recorded state change of a single key.
type Version struct {
	LSN      lsn.Lsn
	Kind     wal.Kind
	WillInit bool
	Payload  []byte
}

// IsBase reports whether replay can start at this version without anything
// older.
func (v Version) IsBase() bool {
	return v.Kind == wal.KindImage || v.WillInit
}

// Desc identifies a layer: its key range, LSN range and creation sequence.
// Layers are immutable once sealed; the sequence breaks ties between
// overlapping layers (higher wins, compaction output supersedes its inputs).
type Desc struct {
	Keys key.Range
	// [Start, End). Image layers cover exactly [Start, Start+1).
	Start, End lsn.Lsn
	Kind       Kind
	Seq        uint64
}

func (d Desc) IsImage() bool {
	return d.Kind == KindImage
}

// Covers reports whether the layer may hold version data for k at or below
// limit.
func (d Desc) Covers(k key.Key, limit lsn.Lsn) bool {
	return d.Keys.Contains(k) && d.Start <= limit
}

func (d Desc) String() string {
	return d.FileName()
}

// FileName is the content address of the layer blob, stable across local
// disk and remote storage. LSNs are flat hex here because the usual "X/Y"
// form is not path-safe.
func (d Desc) FileName() string {
	prefix := "D"
	if d.Kind == KindImage {
		prefix = "I"
	}
	return fmt.Sprintf("%s__%s-%s__%016X-%016X__%d",
		prefix, d.Keys.Start, d.Keys.End, uint64(d.Start), uint64(d.End), d.Seq)
}

// ParseFileName inverts FileName.
func ParseFileName(name string) (Desc, error) {
	var d Desc
	fields := strings.Split(name, "__")
	if len(fields) != 4 {
		return d, errors.Newf("pagestore: malformed layer name %q", name)
	}
	switch fields[0] {
	case "D":
		d.Kind = KindDelta
	case "I":
		d.Kind = KindImage
	default:
		return d, errors.Newf("pagestore: malformed layer name %q", name)
	}
	ks, ke, ok := strings.Cut(fields[1], "-")
	if !ok {
		return d, errors.Newf("pagestore: malformed layer name %q", name)
	}
	var err error
	if d.Keys.Start, err = key.Parse(ks); err != nil {
		return d, err
	}
	if d.Keys.End, err = key.Parse(ke); err != nil {
		return d, err
	}
	ls, le, ok := strings.Cut(fields[2], "-")
	if !ok {
		return d, errors.Newf("pagestore: malformed layer name %q", name)
	}
	s, err := strconv.ParseUint(ls, 16, 64)
	if err != nil {
		return d, errors.Wrapf(err, "pagestore: malformed layer name %q", name)
	}
	e, err := strconv.ParseUint(le, 16, 64)
	if err != nil {
		return d, errors.Wrapf(err, "pagestore: malformed layer name %q", name)
	}
	d.Start, d.End = lsn.Lsn(s), lsn.Lsn(e)
	if d.Seq, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return d, errors.Wrapf(err, "pagestore: malformed layer name %q", name)
	}
	return d, nil
}

// Layer is anything version data can be read from: the open in-memory
// layer, a frozen layer awaiting flush, or a sealed layer file.
type Layer interface {
	Desc() Desc
	// VersionsUpTo returns recorded versions of k with LSN <= limit,
	// newest first.
	VersionsUpTo(k key.Key, limit lsn.Lsn) ([]Version, error)
}

// Entry pairs a key with one of its versions; the unit layer files are
// built from.
type Entry struct {
	Key key.Key
	Ver Version
}
