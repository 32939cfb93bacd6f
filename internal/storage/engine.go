// Package storage defines the SegmentLog abstraction the queue core persists
// through.
//
// The queue core only talks to storage through this interface and never does
// file I/O itself. local.Manager is the disk implementation; tests may supply
// their own.
package storage

import (
	"errors"

	"github.com/sneh-joshi/spoolmq/internal/types"
)

// ErrCorrupted is returned when a segment file is structurally invalid: bad
// header or version, an unknown record tag, or non-hex id/length fields.
// A truncated trailing record is not corruption.
var ErrCorrupted = errors.New("storage: segment corrupted")

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("storage: closed")

// FitFunc reports whether a segment file of the given size may be loaded into
// memory now.
type FitFunc func(fileSize int64) bool

// LoadFunc receives every message decoded by a scan, in file order.
type LoadFunc func(msg *types.Message)

// Stats is a point-in-time snapshot of the segment log.
type Stats struct {
	Directory       string `json:"directory"`
	CurrentSegment  string `json:"current_segment,omitempty"`
	CurrentRecords  int    `json:"current_records"`
	TrackedSegments int    `json:"tracked_segments"`
	SegmentsCreated uint64 `json:"segments_created"`
	SegmentsDeleted uint64 `json:"segments_deleted"`
}

// SegmentLog is the write-ahead log behind the in-memory queue.
//
// Ownership rules:
//   - Exactly one segment is current at a time; Append creates it on demand.
//   - A segment is deleted once it is closed and every record it holds has
//     been acknowledged.
//
// Callers serialize access (the queue core holds its own mutex around every
// call); implementations must still allow Stats concurrently.
type SegmentLog interface {
	// Append durably writes msg to the current segment and sets msg.Segment.
	// The segment is finalized automatically once it reaches its size limit.
	Append(msg *types.Message) error

	// Acknowledge records that msg has been consumed. It may delete the
	// segment msg belongs to.
	Acknowledge(msg *types.Message) error

	// FinalizeCurrent writes the end-of-file tag to the current segment and
	// closes it. The next Append starts a new segment. No-op without a
	// current segment.
	FinalizeCurrent() error

	// DiscardCurrent closes the current segment without an end-of-file tag
	// and deletes it, but only when it holds at least minRecords records, all
	// of them acknowledged. It reports whether the segment was discarded.
	DiscardCurrent(minRecords int) (bool, error)

	// Scan walks closed segments oldest first and hands their messages to
	// load while fits allows. It returns more=true when it stopped at a file
	// that did not fit. replay marks messages from the first loaded segment
	// as possible replays. Structural corruption returns ErrCorrupted.
	Scan(fits FitFunc, load LoadFunc, replay bool) (more bool, err error)

	// Stats returns a snapshot of the log.
	Stats() Stats

	// Close releases the current segment file without finalizing it.
	Close() error
}
