package walreceiver

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"time"

	"pagestore/pkg/id"
	"pagestore/pkg/lsn"
	"pagestore/pkg/wal"
)

// TCPSource streams WAL for one timeline from a safekeeper-style endpoint.
// The handshake is a fixed 24-byte hello: the 16-byte timeline id followed
// by the little-endian resume LSN. The server replies with the record
// stream of everything past that LSN.
type TCPSource struct {
	Addr     string
	Timeline id.TimelineID
}

func (s *TCPSource) Stream(ctx context.Context, start lsn.Lsn) (wal.RecordReader, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return nil, err
	}
	var hello [24]byte
	b := s.Timeline.Bytes()
	copy(hello[:16], b[:])
	binary.LittleEndian.PutUint64(hello[16:], uint64(start))
	if _, err := conn.Write(hello[:]); err != nil {
		conn.Close()
		return nil, err
	}
	return &connReader{conn: conn, br: bufio.NewReaderSize(conn, 64*1024)}, nil
}

type connReader struct {
	conn net.Conn
	br   *bufio.Reader
}

func (r *connReader) Next(ctx context.Context) (wal.Record, error) {
	if err := ctx.Err(); err != nil {
		return wal.Record{}, err
	}
	// A canceled ctx unblocks the read through the deadline; the Close
	// from the receiver loop covers the rest.
	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetReadDeadline(deadline)
	}
	return wal.DecodeRecord(r.br)
}

func (r *connReader) Close() error {
	return r.conn.Close()
}
