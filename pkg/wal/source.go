package wal

import (
	"context"

	"pagestore/pkg/lsn"
)

// Source is the external durability layer the engine ingests from. It
// guarantees records arrive with strictly increasing LSNs and can replay
// from any position at or below its flush frontier.
type Source interface {
	// Stream opens a record stream starting at the first record with
	// LSN > start.
	Stream(ctx context.Context, start lsn.Lsn) (RecordReader, error)
}

// RecordReader yields records until the stream ends or ctx is canceled.
type RecordReader interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}
