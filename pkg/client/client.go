// Package client is the Go SDK for SpoolMQ.
//
// # Sources
//
//	w, err := client.DialWriter(ctx, "localhost:6211")
//	defer w.Close()
//
//	// server-assigned id
//	err = w.Write([]byte(`{"amount":42}`))
//
//	// caller-supplied 16-byte id
//	err = w.WriteWithID(id, []byte(`{"amount":42}`))
//
// Each Write returns only after the server has durably stored the message.
//
// # Sink
//
//	r, err := client.DialReader(ctx, "localhost:6212")
//	defer r.Close()
//	for {
//	    m, err := r.Next()
//	    process(m)
//	    err = r.Ack()
//	}
//
// A message that is not acknowledged before the connection closes is sent
// again to the next reader. Received.PossiblyReplayed marks messages that a
// previous server process may already have delivered.
//
// # Admin API
//
//	a := client.NewAdmin("http://localhost:6213", client.WithAPIKey("secret"))
//	stats, err := a.Stats(ctx)
package client

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sneh-joshi/spoolmq/internal/types"
)

var (
	// ErrNotAcked is returned by Write when the server answers with anything
	// other than an acknowledgment.
	ErrNotAcked = errors.New("spoolmq: message not acked")

	// ErrEmptyMessage is returned by Write for a zero-length payload.
	ErrEmptyMessage = errors.New("spoolmq: no message supplied")

	// ErrNoPending is returned by Ack when no message has been read.
	ErrNoPending = errors.New("spoolmq: no message to acknowledge")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("spoolmq: connection closed")
)

// ID is a 16-byte message identifier.
type ID = types.ID

// ─── Dial options ─────────────────────────────────────────────────────────────

// DialOption configures DialWriter and DialReader.
type DialOption func(*dialConfig)

type dialConfig struct {
	timeout time.Duration
}

// WithDialTimeout bounds connection establishment. The default is 10 seconds.
func WithDialTimeout(d time.Duration) DialOption {
	return func(c *dialConfig) { c.timeout = d }
}

func dial(ctx context.Context, addr string, opts []DialOption) (net.Conn, error) {
	cfg := dialConfig{timeout: 10 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	d := net.Dialer{Timeout: cfg.timeout}
	return d.DialContext(ctx, "tcp", addr)
}
