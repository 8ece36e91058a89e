package wal

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestMaterializeImageZeroExtends(t *testing.T) {
	page, err := MaterializeImage([]byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != PageSize {
		t.Fatalf("page is %d bytes", len(page))
	}
	if !bytes.Equal(page[:3], []byte{1, 2, 3}) {
		t.Error("payload prefix lost")
	}
	for _, b := range page[3:] {
		if b != 0 {
			t.Fatal("tail not zeroed")
		}
	}
	if _, err := MaterializeImage(make([]byte, PageSize+1)); !errors.Is(err, ErrBadDelta) {
		t.Errorf("oversized image: %v, want ErrBadDelta", err)
	}
}

func TestRedoCounter(t *testing.T) {
	// Base holds 10, one delta adds 5. The page at the delta reads 15,
	// the page at the base still reads 10.
	base := CounterImage(10)

	after, err := Redo(base, [][]byte{AddPayload(5)})
	if err != nil {
		t.Fatal(err)
	}
	if v := binary.BigEndian.Uint64(after[:8]); v != 15 {
		t.Errorf("after delta: %d, want 15", v)
	}

	before, err := Redo(base, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v := binary.BigEndian.Uint64(before[:8]); v != 10 {
		t.Errorf("at base: %d, want 10", v)
	}
}

func TestRedoOrderSensitive(t *testing.T) {
	a := PatchPayload(0, []byte{0xAA})
	b := PatchPayload(0, []byte{0xBB})

	ab, err := Redo(nil, [][]byte{a, b})
	if err != nil {
		t.Fatal(err)
	}
	ba, err := Redo(nil, [][]byte{b, a})
	if err != nil {
		t.Fatal(err)
	}
	if ab[0] != 0xBB || ba[0] != 0xAA {
		t.Errorf("replay order not respected: ab[0]=%#x ba[0]=%#x", ab[0], ba[0])
	}
}

func TestRedoWithoutBaseStartsFromZeros(t *testing.T) {
	page, err := Redo(nil, [][]byte{PatchPayload(100, []byte{7})})
	if err != nil {
		t.Fatal(err)
	}
	if page[100] != 7 || page[0] != 0 || page[101] != 0 {
		t.Error("zero page not used as base")
	}
}

func TestApplyDeltaRejectsBadPayloads(t *testing.T) {
	page := make([]byte, PageSize)
	cases := [][]byte{
		{99},                                   // unknown opcode
		{1, 0, 0},                              // short patch header
		PatchPayload(PageSize-1, []byte{1, 2}), // out of bounds
		{2, 1, 2, 3},                           // short add operand
		PatchPayload(0, []byte{1})[:9],         // short patch body
	}
	for i, payload := range cases {
		if err := ApplyDelta(page, payload); !errors.Is(err, ErrBadDelta) {
			t.Errorf("case %d: %v, want ErrBadDelta", i, err)
		}
	}
}
