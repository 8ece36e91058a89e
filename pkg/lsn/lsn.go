package lsn

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Lsn is a byte position in the WAL stream. The zero value is invalid.
type Lsn uint64

const (
	Invalid Lsn = 0
	Max     Lsn = math.MaxUint64
)

// String renders the position as the conventional high/low hex pair,
// e.g. 0x2000000 -> "0/2000000".
func (l Lsn) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

func (l Lsn) Valid() bool {
	return l != Invalid
}

// Add advances the position by n bytes.
func (l Lsn) Add(n uint64) Lsn {
	return l + Lsn(n)
}

// Sub clamps at zero instead of wrapping.
func (l Lsn) Sub(n uint64) Lsn {
	if uint64(l) < n {
		return Invalid
	}
	return l - Lsn(n)
}

// Parse reads the "X/Y" form produced by String.
func Parse(s string) (Lsn, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return Invalid, errors.Newf("pagestore: malformed lsn %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return Invalid, errors.Wrapf(err, "pagestore: malformed lsn %q", s)
	}
	lw, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return Invalid, errors.Wrapf(err, "pagestore: malformed lsn %q", s)
	}
	return Lsn(h<<32 | lw), nil
}

func (l Lsn) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Lsn) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
