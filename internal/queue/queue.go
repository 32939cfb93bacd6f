package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sneh-joshi/spoolmq/internal/metrics"
	"github.com/sneh-joshi/spoolmq/internal/storage"
)

// MessageOverhead is the per-message memory cost added to the payload length
// when estimating the footprint of the in-memory queue.
const MessageOverhead = 200

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("queue: closed")

	// ErrNothingTaken is returned by Acknowledge when no message is in flight.
	ErrNothingTaken = errors.New("queue: nothing taken")

	// ErrNotHead is returned by Acknowledge when the id is not the message
	// currently in flight.
	ErrNotHead = errors.New("queue: acknowledged id is not the head")
)

// ─── Config ───────────────────────────────────────────────────────────────────

// Config holds tunable parameters for the queue core.
type Config struct {
	// MaxMemoryBytes is the ceiling on the estimated memory footprint. When
	// reached, new messages go to disk only.
	MaxMemoryBytes int64

	// MinRecordsPerFile is how many records the current segment must hold
	// before it is deleted when memory drains while admitting.
	MinRecordsPerFile int
}

// DefaultConfig returns a Config with the server defaults.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:    64_000_000,
		MinRecordsPerFile: 100,
	}
}

// Option configures optional collaborators.
type Option func(*Queue)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithMetrics sets the metrics registry. Default: none.
func WithMetrics(r *metrics.Registry) Option { return func(q *Queue) { q.metrics = r } }

// ─── Queue ────────────────────────────────────────────────────────────────────

// Stats is a point-in-time snapshot of the queue core.
type Stats struct {
	Mode           AdmissionMode `json:"admission_mode"`
	MemoryMessages int           `json:"memory_messages"`
	MemoryBytes    int64         `json:"memory_bytes"`
	MaxMemoryBytes int64         `json:"max_memory_bytes"`
	InFlight       bool          `json:"in_flight"`
	In             uint64        `json:"in"`
	Out            uint64        `json:"out"`
	Acked          uint64        `json:"acked"`
	Storage        storage.Stats `json:"storage"`
}

// Queue is the heart of SpoolMQ: a strictly ordered in-memory FIFO backed by
// a write-ahead segment log, delivering to exactly one sink.
//
// Architecture:
//   - Every accepted message is written to the segment log before anything
//     else happens to it.
//   - "memory" is a linked list of *Message in arrival order. Its head is the
//     only message that may be in flight.
//   - Take blocks on a broadcast channel that is closed and replaced whenever
//     memory gains messages.
//
// All public methods are safe for concurrent use.
type Queue struct {
	cfg     Config
	log     storage.SegmentLog
	logger  *slog.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	memory      *list.List // elements are *Message (FIFO)
	memoryBytes int64
	mode        AdmissionMode
	taken       bool
	wake        chan struct{}
	closed      bool

	in, out, acked uint64
}

// New creates a Queue over log and runs the startup scan: segments left by a
// previous run are loaded oldest first, the first one flagged as a possible
// replay. If they do not all fit, the queue starts overflowed.
//
// Call Close() when the queue is no longer needed; it also closes log.
func New(log storage.SegmentLog, cfg Config, opts ...Option) (*Queue, error) {
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = DefaultConfig().MaxMemoryBytes
	}
	if cfg.MinRecordsPerFile < 0 {
		cfg.MinRecordsPerFile = 0
	}

	q := &Queue{
		cfg:    cfg,
		log:    log,
		logger: slog.Default(),
		memory: list.New(),
		wake:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")

	more, err := log.Scan(q.fits, q.push, true)
	if err != nil {
		return nil, fmt.Errorf("queue: startup scan: %w", err)
	}
	q.metrics.Transition(Admitting.String(), false)
	if more {
		q.setMode(Overflowed)
	}
	q.logger.Info("queue ready",
		"mode", q.mode,
		"memory_messages", q.memory.Len(),
		"memory_bytes", q.memoryBytes,
		"max_memory_bytes", cfg.MaxMemoryBytes,
	)
	return q, nil
}

// ─── Add ──────────────────────────────────────────────────────────────────────

// Add durably writes msg to the segment log and, while admitting, appends it
// to memory and wakes a waiting Take. Once Add returns nil the message will
// be delivered, even across a restart.
func (q *Queue) Add(msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if err := q.log.Append(msg); err != nil {
		return fmt.Errorf("queue: add: %w", err)
	}
	q.in++
	q.metrics.Accepted()

	q.admit(msg)
	q.broadcast()
	return nil
}

// ─── Take ─────────────────────────────────────────────────────────────────────

// Take returns the head of the queue without removing it, blocking until one
// is available. Calling Take again before Acknowledge returns the same head,
// which is how a message is redelivered after a failed sink session.
//
// ctx only bounds the wait; cancelling it does not affect the queue.
func (q *Queue) Take(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if front := q.memory.Front(); front != nil {
			msg := front.Value.(*Message)
			q.taken = true
			q.out++
			q.mu.Unlock()
			q.metrics.Delivered(msg.PossibleReplay)
			return msg, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ─── Acknowledge ──────────────────────────────────────────────────────────────

// Acknowledge retires the message last returned by Take. id must match it.
//
// Retiring the last message in memory runs the drain logic: the current
// segment may be deleted and, when overflowed, the next segments are loaded
// from disk. An error from that scan means the segment directory is corrupt.
func (q *Queue) Acknowledge(id ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	front := q.memory.Front()
	if !q.taken || front == nil {
		return ErrNothingTaken
	}
	msg := front.Value.(*Message)
	if msg.ID != id {
		return fmt.Errorf("%w: got %s, head is %s", ErrNotHead, id, msg.ID)
	}

	q.memory.Remove(front)
	q.memoryBytes -= footprint(msg)
	q.taken = false
	q.acked++
	q.metrics.Acked()

	if err := q.log.Acknowledge(msg); err != nil {
		q.logger.Warn("segment acknowledgment", "segment", msg.Segment, "err", err)
	}

	var err error
	if q.memory.Len() == 0 {
		err = q.drain()
	}
	q.metrics.SetMemory(q.memory.Len(), q.memoryBytes)
	return err
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Len returns the number of messages in memory, including one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.memory.Len()
}

// Mode returns the current admission mode.
func (q *Queue) Mode() AdmissionMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// Stats returns a snapshot of counters, memory usage and segment state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	s := Stats{
		Mode:           q.mode,
		MemoryMessages: q.memory.Len(),
		MemoryBytes:    q.memoryBytes,
		MaxMemoryBytes: q.cfg.MaxMemoryBytes,
		InFlight:       q.taken,
		In:             q.in,
		Out:            q.out,
		Acked:          q.acked,
	}
	q.mu.Unlock()
	s.Storage = q.log.Stats()
	return s
}

// ─── Close ────────────────────────────────────────────────────────────────────

// Close wakes every blocked Take with ErrClosed and closes the segment log.
// Messages not yet acknowledged stay on disk for the next start.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.broadcast()
	q.mu.Unlock()
	return q.log.Close()
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func footprint(msg *Message) int64 { return int64(len(msg.Contents)) + MessageOverhead }

// push appends msg to memory. Must be called with q.mu held.
func (q *Queue) push(msg *Message) {
	q.memory.PushBack(msg)
	q.memoryBytes += footprint(msg)
	q.metrics.SetMemory(q.memory.Len(), q.memoryBytes)
}

// broadcast wakes every goroutine blocked in Take. Must be called with q.mu
// held.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
