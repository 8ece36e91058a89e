package timeline

import "github.com/cockroachdb/errors"

var (
	// Policy errors: well-defined "not available" results for the caller,
	// never a crash.
	ErrLSNTooOld = errors.New("pagestore: requested lsn is below the gc cutoff")
	ErrLSNFuture = errors.New("pagestore: requested lsn is ahead of last record lsn")

	ErrTimelineNotFound = errors.New("pagestore: timeline not found")
	ErrTimelineExists   = errors.New("pagestore: timeline already exists")
	// ErrHasDescendants blocks deletion of a timeline with live branches.
	ErrHasDescendants = errors.New("pagestore: timeline has live branches")
	ErrBadBranchPoint = errors.New("pagestore: branch point outside ancestor history")
	ErrStopped        = errors.New("pagestore: timeline is shutting down")
)
