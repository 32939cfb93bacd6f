package queue

// admission.go: memory admission state machine.
//
//	          memory estimate >= ceiling
//	ADMITTING ─────────────────────────────► OVERFLOWED
//	    ▲                                        │
//	    └────────────────────────────────────────┘
//	      memory drained by acknowledgment and
//	      the replay scan found nothing left on disk
//
// While ADMITTING every accepted message goes to the segment log and to
// memory. While OVERFLOWED it goes to the segment log only; memory is refilled
// from disk, oldest segment first, each time it drains.

import (
	"fmt"
)

// AdmissionMode says whether newly accepted messages enter memory.
type AdmissionMode uint8

const (
	// Admitting appends accepted messages to the in-memory queue.
	Admitting AdmissionMode = iota
	// Overflowed writes accepted messages to disk only.
	Overflowed
)

// String returns a human-readable representation of the mode.
func (m AdmissionMode) String() string {
	switch m {
	case Admitting:
		return "admitting"
	case Overflowed:
		return "overflowed"
	default:
		return "unknown"
	}
}

// MarshalText makes the mode render as its name in JSON stats.
func (m AdmissionMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ValidTransition reports whether from → to is a legal mode change. Staying
// in the same mode is not a transition.
func ValidTransition(from, to AdmissionMode) bool {
	switch from {
	case Admitting:
		return to == Overflowed
	case Overflowed:
		return to == Admitting
	}
	return false
}

// ─── Transitions ──────────────────────────────────────────────────────────────
//
// All of these run with q.mu held.

func (q *Queue) setMode(to AdmissionMode) {
	if !ValidTransition(q.mode, to) {
		panic(fmt.Sprintf("queue: invalid admission transition %s -> %s", q.mode, to))
	}
	q.logger.Info("admission mode changed", "from", q.mode, "to", to,
		"memory_messages", q.memory.Len(), "memory_bytes", q.memoryBytes)
	q.mode = to
	q.metrics.Transition(to.String(), to == Overflowed)
}

// admit places an already-logged message in memory and overflows when the
// estimate reaches the ceiling.
func (q *Queue) admit(msg *Message) {
	if q.mode != Admitting {
		return
	}
	q.push(msg)
	if q.memoryBytes >= q.cfg.MaxMemoryBytes {
		q.overflow()
	}
}

// overflow stops admitting and finalizes the current segment so that it is
// deleted as soon as the messages already in memory are acknowledged.
func (q *Queue) overflow() {
	q.setMode(Overflowed)
	if err := q.log.FinalizeCurrent(); err != nil {
		// The file is closed either way; a missing EOF tag reads as truncation.
		q.logger.Error("finalize segment on overflow", "err", err)
	}
}

// drain runs when the last message in memory has been acknowledged.
func (q *Queue) drain() error {
	switch q.mode {
	case Admitting:
		// Nothing is waiting on disk. Drop the current segment once it has
		// grown enough to be worth rotating.
		if _, err := q.log.DiscardCurrent(q.cfg.MinRecordsPerFile); err != nil {
			q.logger.Warn("discard drained segment", "err", err)
		}
		return nil

	case Overflowed:
		if err := q.log.FinalizeCurrent(); err != nil {
			q.logger.Error("finalize segment on drain", "err", err)
		}
		more, err := q.log.Scan(q.fits, q.push, false)
		if err != nil {
			return fmt.Errorf("queue: replay scan: %w", err)
		}
		if !more {
			q.setMode(Admitting)
		}
		if q.memory.Len() > 0 {
			q.broadcast()
		}
	}
	return nil
}

// fits decides whether a segment of fileSize bytes may be loaded now. A file
// is always loaded into an empty memory queue so that an oversized segment
// can never wedge the queue.
func (q *Queue) fits(fileSize int64) bool {
	return q.memory.Len() == 0 || 2*fileSize+q.memoryBytes < q.cfg.MaxMemoryBytes
}
