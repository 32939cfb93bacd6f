// Package queue implements the SpoolMQ queue core: the in-memory FIFO in
// front of the segment log, its admission state machine and the
// acknowledgment-gated delivery to the single sink.
//
// Domain types live in internal/types to break the import cycle between the
// storage and queue packages. They are re-exported here as aliases so callers
// can use queue.Message / queue.ID without conversions.
package queue

import "github.com/sneh-joshi/spoolmq/internal/types"

type (
	Message = types.Message
	ID      = types.ID
)
