package compaction

import "errors"

// Error kinds raised by the compactor, one sentinel per failure mode the
// original engine distinguishes so callers can tell a transient I/O
// problem from a logic error in scope selection.
var (
	ErrIo          = errors.New("compaction: io error")
	ErrParquet     = errors.New("compaction: parquet error")
	ErrVersion     = errors.New("compaction: version error")
	ErrLogger      = errors.New("compaction: manifest logger error")
	ErrChannelClose = errors.New("compaction: channel closed")
	ErrCommit      = errors.New("compaction: commit conflict")
	ErrEmptyLevel  = errors.New("compaction: level being compacted has no table")
)
