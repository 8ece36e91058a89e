package id

import (
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// TimelineID identifies one timeline. Rendered as 32 lowercase hex digits
// (a dash-free uuid) on every external surface.
type TimelineID struct {
	b [16]byte
}

func NewTimelineID() TimelineID {
	return TimelineID{b: uuid.New()}
}

func (t TimelineID) IsZero() bool {
	return t.b == [16]byte{}
}

func (t TimelineID) String() string {
	return hex.EncodeToString(t.b[:])
}

func (t TimelineID) Bytes() [16]byte {
	return t.b
}

func FromBytes(b [16]byte) TimelineID {
	return TimelineID{b: b}
}

func ParseTimelineID(s string) (TimelineID, error) {
	var t TimelineID
	if hex.DecodedLen(len(s)) != len(t.b) {
		return t, errors.Newf("pagestore: malformed timeline id %q", s)
	}
	if _, err := hex.Decode(t.b[:], []byte(s)); err != nil {
		return t, errors.Wrapf(err, "pagestore: malformed timeline id %q", s)
	}
	return t, nil
}

func (t TimelineID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimelineID) UnmarshalText(b []byte) error {
	v, err := ParseTimelineID(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
