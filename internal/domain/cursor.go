package domain

import "time"

// ListenerCursor is the durable position of one logical listener in the
// event log, plus the lease fields used for mutual exclusion.
// Invariants: only one process at a time may hold the lease; any process
// observing now > LeaseExpiresAt may attempt atomic takeover by CAS on
// (LeaseHolder, LeaseExpiresAt). ProcessedIDs holds ids beyond
// LastProcessedID acknowledged during a partially failed batch; they are
// excluded from the next fetch.
type ListenerCursor struct {
	ListenerID      string
	LastProcessedID int64
	ProcessedIDs    []int64
	LeaseHolder     string
	LeaseExpiresAt  time.Time
	UpdatedAt       time.Time
}

// CursorLockConfig tunes lease acquisition and renewal per listener.
type CursorLockConfig struct {
	LockDuration    time.Duration
	RefreshInterval time.Duration
	MaxRetries      int
	BaseBackoff     time.Duration
	BatchSize       int
}

// ProcessResult is the outcome of one cursor-locked batch.
// Exactly one of the constructors below should produce it.
type ProcessResult struct {
	// Empty reports that no events were available.
	Empty bool
	// NewCursor, when > 0, advances LastProcessedID and clears ProcessedIDs.
	NewCursor int64
	// ProcessedIDs are ids acknowledged past the cursor without advancing it.
	ProcessedIDs []int64
	// Err carries the batch failure, possibly alongside partial progress.
	Err error
}

// NoEvents reports an empty fetch; the lease is kept until the next cycle.
func NoEvents() ProcessResult { return ProcessResult{Empty: true} }

// Advanced reports a fully processed batch up to newCursor.
func Advanced(newCursor int64) ProcessResult { return ProcessResult{NewCursor: newCursor} }

// Partial reports ids acknowledged without advancing the cursor.
func Partial(ids []int64) ProcessResult { return ProcessResult{ProcessedIDs: ids} }

// Failed reports a batch error with whatever partial progress was made.
func Failed(err error, newCursor int64, ids []int64) ProcessResult {
	return ProcessResult{Err: err, NewCursor: newCursor, ProcessedIDs: ids}
}
