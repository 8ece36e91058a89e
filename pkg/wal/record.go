package wal

import (
	"github.com/cockroachdb/errors"

	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
)

var (
	// ErrNonMonotonicLSN is a protocol error: the source produced a record
	// at or below the position already ingested. Ingestion halts.
	ErrNonMonotonicLSN = errors.New("pagestore: wal record lsn not increasing")
)

// Kind distinguishes a full page replacement from an incremental change.
type Kind uint8

const (
	KindImage Kind = iota + 1
	KindDelta
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindDelta:
		return "delta"
	}
	return "unknown"
}

// PagePart is the effect one WAL record has on a single key.
type PagePart struct {
	Key  key.Key
	Kind Kind
	// WillInit marks a delta that replays against a zero page, so
	// reconstruction needs no older base below it.
	WillInit bool
	Payload  []byte
}

// Record is one decoded WAL record: a position plus the set of page
// mutations it carries.
type Record struct {
	LSN   lsn.Lsn
	Parts []PagePart
}

// Size is the in-memory accounting weight of the record.
func (r Record) Size() uint64 {
	s := uint64(8)
	for _, p := range r.Parts {
		s += key.Size + 2 + uint64(len(p.Payload))
	}
	return s
}
