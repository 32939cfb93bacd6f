// Package broker is the central orchestrator for SpoolMQ.
//
// All application code (source and sink sessions, the admin API, the
// WebSocket stats feed) talks to the Broker, never directly to the queue or
// storage layer.
//
// Data flow:
//
//	Source → Broker.Publish → queue.Queue.Add → storage.SegmentLog
//	Sink   → Broker.Take    → queue.Queue.Take
//	       → Broker.Ack     → queue.Queue.Acknowledge → storage.SegmentLog
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sneh-joshi/spoolmq/internal/config"
	"github.com/sneh-joshi/spoolmq/internal/ids"
	"github.com/sneh-joshi/spoolmq/internal/metrics"
	"github.com/sneh-joshi/spoolmq/internal/queue"
	"github.com/sneh-joshi/spoolmq/internal/storage"
	"github.com/sneh-joshi/spoolmq/internal/storage/local"
	"github.com/sneh-joshi/spoolmq/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrEmptyMessage is returned by Publish for a zero-length payload.
	ErrEmptyMessage = errors.New("broker: empty message")

	// ErrMessageTooLarge is returned by Publish when the payload exceeds
	// queue.max_message_bytes.
	ErrMessageTooLarge = errors.New("broker: message too large")
)

// ─── Request / Response types ─────────────────────────────────────────────────

// PublishRequest carries everything needed to publish one message.
type PublishRequest struct {
	// ID is the producer-supplied id. Nil means the broker generates one.
	ID   *types.ID
	Body []byte
}

// PublishResponse is returned after a successful Publish.
type PublishResponse struct {
	MessageID types.ID
}

// Stats is a snapshot of broker-wide state served by the admin API.
type Stats struct {
	StartedAt time.Time   `json:"started_at"`
	UptimeSec int64       `json:"uptime_sec"`
	Queue     queue.Stats `json:"queue"`
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry to the broker, the queue and the
// segment log.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger handed to every layer. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithSegmentLog replaces the on-disk segment log. Used by tests.
func WithSegmentLog(log storage.SegmentLog) Option {
	return func(b *Broker) { b.log = log }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires the segment log and the queue core into a single façade used
// by every transport layer.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg     *config.Config
	log     storage.SegmentLog
	q       *queue.Queue
	metrics *metrics.Registry
	logger  *slog.Logger
	started time.Time
}

// New opens the segment directory, runs the startup scan and returns a ready
// Broker. A structurally corrupt segment makes New fail.
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	b := &Broker{cfg: cfg, logger: slog.Default(), started: time.Now()}
	for _, opt := range opts {
		opt(b)
	}

	if b.log == nil {
		m, err := local.Open(local.Config{
			Dir:             cfg.Storage.Directory,
			MaxSegmentBytes: cfg.Queue.MaxSegmentBytes(),
			Fsync:           local.FsyncPolicy(cfg.Storage.Fsync),
			Logger:          b.logger,
			Metrics:         b.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("broker: open segments: %w", err)
		}
		b.log = m
	}

	q, err := queue.New(b.log, queue.Config{
		MaxMemoryBytes:    cfg.Queue.MaxMemoryBytes,
		MinRecordsPerFile: cfg.Queue.MinRecordsPerFile,
	}, queue.WithLogger(b.logger), queue.WithMetrics(b.metrics))
	if err != nil {
		_ = b.log.Close()
		return nil, fmt.Errorf("broker: %w", err)
	}
	b.q = q
	return b, nil
}

// Close closes the queue and the segment log.
func (b *Broker) Close() error {
	return b.q.Close()
}

// Stats returns a snapshot of broker-wide state.
func (b *Broker) Stats() Stats {
	return Stats{
		StartedAt: b.started,
		UptimeSec: int64(time.Since(b.started).Seconds()),
		Queue:     b.q.Stats(),
	}
}

// Queue exposes the queue core, mainly for tests.
func (b *Broker) Queue() *queue.Queue { return b.q }

// Config returns the configuration the broker was built with.
func (b *Broker) Config() *config.Config { return b.cfg }

// ─── Publish ──────────────────────────────────────────────────────────────────

// Publish validates and durably enqueues one message. When it returns nil the
// message is on disk and the source may be acknowledged.
func (b *Broker) Publish(req PublishRequest) (*PublishResponse, error) {
	if len(req.Body) == 0 {
		return nil, ErrEmptyMessage
	}
	if limit := b.cfg.Queue.MaxMessageBytes; limit > 0 && len(req.Body) > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(req.Body), limit)
	}

	msg := &types.Message{Contents: req.Body}
	if req.ID != nil {
		msg.ID = *req.ID
	} else {
		id, err := ids.Generate()
		if err != nil {
			return nil, fmt.Errorf("broker: publish: %w", err)
		}
		msg.ID = id
	}

	if err := b.q.Add(msg); err != nil {
		return nil, fmt.Errorf("broker: publish: %w", err)
	}
	return &PublishResponse{MessageID: msg.ID}, nil
}

// ─── Consume ──────────────────────────────────────────────────────────────────

// Take returns the message at the head of the queue, blocking until one is
// available or ctx is done. It stays the head until Ack.
func (b *Broker) Take(ctx context.Context) (*types.Message, error) {
	return b.q.Take(ctx)
}

// Ack retires the head. An error wrapping storage.ErrCorrupted means the
// segment directory can no longer be trusted.
func (b *Broker) Ack(id types.ID) error {
	return b.q.Acknowledge(id)
}
