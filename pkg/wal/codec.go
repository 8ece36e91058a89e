package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/cockroachdb/errors"

	"pagestore/pkg/key"
	"pagestore/pkg/lsn"
)

// Wire framing of one record, little-endian like every other codec here:
//
//	lsn      uint64
//	nparts   uint16
//	per part:
//	  key        8 bytes (big-endian rel, block)
//	  kind       uint8
//	  willInit   uint8
//	  payloadLen uint32
//	  payload    payloadLen bytes

const maxParts = math.MaxUint16

var ErrMalformedRecord = errors.New("pagestore: malformed wal record")

func EncodeRecord(w io.Writer, rec Record) error {
	if len(rec.Parts) > maxParts {
		return errors.Wrapf(ErrMalformedRecord, "too many parts: %d", len(rec.Parts))
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(rec.LSN)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(rec.Parts))); err != nil {
		return err
	}
	var kb [key.Size]byte
	for _, p := range rec.Parts {
		p.Key.PutTo(kb[:])
		if _, err := w.Write(kb[:]); err != nil {
			return err
		}
		var init uint8
		if p.WillInit {
			init = 1
		}
		if _, err := w.Write([]byte{uint8(p.Kind), init}); err != nil {
			return err
		}
		if len(p.Payload) > math.MaxUint32 {
			return errors.Wrap(ErrMalformedRecord, "payload too large")
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(p.Payload))); err != nil {
			return err
		}
		if _, err := w.Write(p.Payload); err != nil {
			return err
		}
	}
	return nil
}

func DecodeRecord(r *bufio.Reader) (Record, error) {
	var rec Record
	var l uint64
	if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
		return rec, err
	}
	rec.LSN = lsn.Lsn(l)
	var nparts uint16
	if err := binary.Read(r, binary.LittleEndian, &nparts); err != nil {
		return rec, wrapTruncated(err)
	}
	rec.Parts = make([]PagePart, 0, nparts)
	for i := 0; i < int(nparts); i++ {
		var kb [key.Size]byte
		if _, err := io.ReadFull(r, kb[:]); err != nil {
			return rec, wrapTruncated(err)
		}
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return rec, wrapTruncated(err)
		}
		kind := Kind(hdr[0])
		if kind != KindImage && kind != KindDelta {
			return rec, errors.Wrapf(ErrMalformedRecord, "bad part kind %d", hdr[0])
		}
		var plen uint32
		if err := binary.Read(r, binary.LittleEndian, &plen); err != nil {
			return rec, wrapTruncated(err)
		}
		payload := make([]byte, plen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return rec, wrapTruncated(err)
		}
		rec.Parts = append(rec.Parts, PagePart{
			Key:      key.FromBytes(kb[:]),
			Kind:     kind,
			WillInit: hdr[1] != 0,
			Payload:  payload,
		})
	}
	return rec, nil
}

// A record cut off mid-way is corruption, not a clean end of stream.
func wrapTruncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Wrap(ErrMalformedRecord, "truncated record")
	}
	return err
}
