package wal

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// PageSize is the fixed width of every reconstructed page.
const PageSize = 8192

// ErrBadDelta marks a delta payload that cannot be replayed.
var ErrBadDelta = errors.New("pagestore: unreplayable delta payload")

// Delta payload opcodes. Replay is order-sensitive: the same ops applied in
// a different order produce different pages.
const (
	opPatch uint8 = 1 // offset uint32, len uint32, bytes
	opAdd   uint8 = 2 // int64 added to the big-endian uint64 at offset 0
)

// MaterializeImage turns an image payload into a full page, zero-extending
// short payloads.
func MaterializeImage(payload []byte) ([]byte, error) {
	if len(payload) > PageSize {
		return nil, errors.Wrapf(ErrBadDelta, "image payload %d bytes exceeds page size", len(payload))
	}
	page := make([]byte, PageSize)
	copy(page, payload)
	return page, nil
}

// ApplyDelta replays one delta payload onto page in place.
func ApplyDelta(page []byte, payload []byte) error {
	for len(payload) > 0 {
		op := payload[0]
		payload = payload[1:]
		switch op {
		case opPatch:
			if len(payload) < 8 {
				return errors.Wrap(ErrBadDelta, "short patch header")
			}
			off := binary.LittleEndian.Uint32(payload[0:4])
			n := binary.LittleEndian.Uint32(payload[4:8])
			payload = payload[8:]
			if uint64(off)+uint64(n) > PageSize {
				return errors.Wrapf(ErrBadDelta, "patch [%d,%d) out of page bounds", off, uint64(off)+uint64(n))
			}
			if uint64(len(payload)) < uint64(n) {
				return errors.Wrap(ErrBadDelta, "short patch body")
			}
			copy(page[off:off+n], payload[:n])
			payload = payload[n:]
		case opAdd:
			if len(payload) < 8 {
				return errors.Wrap(ErrBadDelta, "short add operand")
			}
			d := int64(binary.LittleEndian.Uint64(payload[0:8]))
			payload = payload[8:]
			v := binary.BigEndian.Uint64(page[0:8])
			binary.BigEndian.PutUint64(page[0:8], uint64(int64(v)+d))
		default:
			return errors.Wrapf(ErrBadDelta, "unknown opcode %d", op)
		}
	}
	return nil
}

// Redo replays deltas (oldest first) over the base image. base == nil means
// the oldest delta initializes the page and replay starts from zeros.
func Redo(base []byte, deltas [][]byte) ([]byte, error) {
	var page []byte
	if base == nil {
		page = make([]byte, PageSize)
	} else {
		var err error
		if page, err = MaterializeImage(base); err != nil {
			return nil, err
		}
	}
	for _, d := range deltas {
		if err := ApplyDelta(page, d); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// PatchPayload builds a delta that overwrites data at offset.
func PatchPayload(offset uint32, data []byte) []byte {
	p := make([]byte, 0, 9+len(data))
	p = append(p, opPatch)
	p = binary.LittleEndian.AppendUint32(p, offset)
	p = binary.LittleEndian.AppendUint32(p, uint32(len(data)))
	return append(p, data...)
}

// AddPayload builds a delta that adds d to the page's leading counter.
func AddPayload(d int64) []byte {
	p := make([]byte, 0, 9)
	p = append(p, opAdd)
	return binary.LittleEndian.AppendUint64(p, uint64(d))
}

// CounterImage builds an image payload holding a single big-endian counter,
// the page shape the add opcode operates on.
func CounterImage(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
