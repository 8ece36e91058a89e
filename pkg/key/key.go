package key

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Size is the encoded width of a Key in bytes.
const Size = 8

// Key addresses one versioned page: a relation number plus a block number
// within it. Keys order by (Rel, Block), which matches their big-endian
// encoding.
type Key struct {
	Rel   uint32
	Block uint32
}

func (k Key) Compare(o Key) int {
	switch {
	case k.Rel != o.Rel:
		if k.Rel < o.Rel {
			return -1
		}
		return 1
	case k.Block != o.Block:
		if k.Block < o.Block {
			return -1
		}
		return 1
	}
	return 0
}

func (k Key) Less(o Key) bool {
	return k.Compare(o) < 0
}

// Next returns the immediate successor key. The maximal key has no
// successor and returns itself, so half-open ends built from it never
// wrap below their start.
func (k Key) Next() Key {
	if k.Block == ^uint32(0) {
		if k.Rel == ^uint32(0) {
			return k
		}
		return Key{Rel: k.Rel + 1}
	}
	return Key{Rel: k.Rel, Block: k.Block + 1}
}

func (k Key) String() string {
	return fmt.Sprintf("%08X.%08X", k.Rel, k.Block)
}

func (k Key) PutTo(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], k.Rel)
	binary.BigEndian.PutUint32(b[4:8], k.Block)
}

func FromBytes(b []byte) Key {
	return Key{
		Rel:   binary.BigEndian.Uint32(b[0:4]),
		Block: binary.BigEndian.Uint32(b[4:8]),
	}
}

func Parse(s string) (Key, error) {
	rel, blk, ok := strings.Cut(s, ".")
	if !ok {
		return Key{}, errors.Newf("pagestore: malformed key %q", s)
	}
	r, err := strconv.ParseUint(rel, 16, 32)
	if err != nil {
		return Key{}, errors.Wrapf(err, "pagestore: malformed key %q", s)
	}
	b, err := strconv.ParseUint(blk, 16, 32)
	if err != nil {
		return Key{}, errors.Wrapf(err, "pagestore: malformed key %q", s)
	}
	return Key{Rel: uint32(r), Block: uint32(b)}, nil
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Range is a half-open key interval [Start, End).
type Range struct {
	Start Key
	End   Key
}

// All spans the whole addressable keyspace. The maximal key is reserved
// as the end sentinel of half-open ranges and never addresses a page.
func All() Range {
	return Range{Start: Key{}, End: Key{Rel: ^uint32(0), Block: ^uint32(0)}}
}

func (r Range) Contains(k Key) bool {
	return r.Start.Compare(k) <= 0 && k.Compare(r.End) < 0
}

func (r Range) Overlaps(o Range) bool {
	return r.Start.Compare(o.End) < 0 && o.Start.Compare(r.End) < 0
}

// Covers reports whether r fully contains o.
func (r Range) Covers(o Range) bool {
	return r.Start.Compare(o.Start) <= 0 && o.End.Compare(r.End) <= 0
}

func (r Range) String() string {
	return r.Start.String() + "-" + r.End.String()
}
