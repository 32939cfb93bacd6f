package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sneh-joshi/spoolmq/internal/ids"
	"github.com/sneh-joshi/spoolmq/internal/wire"
)

// Received is one message delivered to a Reader.
type Received struct {
	ID       ID
	Contents []byte
	// PossiblyReplayed is true when a previous server process may already
	// have delivered this message.
	PossiblyReplayed bool
}

// IDString returns the id as 32 lowercase hex characters.
func (m *Received) IDString() string { return m.ID.String() }

// ULID returns the id in ULID text form, meaningful for server-assigned ids.
func (m *Received) ULID() string { return ids.Format(m.ID) }

// Reader receives messages from a SpoolMQ sink port. The server serves one
// reader at a time; a second reader waits until the first disconnects.
//
// Next, Ack and Read must be called from one goroutine. Close may be called
// from any goroutine to interrupt a blocked Next.
type Reader struct {
	conn    net.Conn
	br      *bufio.Reader
	closed  atomic.Bool
	pending bool
	count   int
}

// DialReader connects to the sink listener at addr.
func DialReader(ctx context.Context, addr string, opts ...DialOption) (*Reader, error) {
	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("spoolmq: dial sink %s: %w", addr, err)
	}
	return &Reader{conn: conn, br: bufio.NewReader(conn)}, nil
}

// Next blocks until the server delivers a message. The message must be
// acknowledged with Ack before the next one is sent.
func (r *Reader) Next() (*Received, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	f, err := wire.ReadDelivery(r.br, 0)
	if err != nil {
		return nil, fmt.Errorf("spoolmq: read: %w", err)
	}
	r.pending = true
	return &Received{
		ID:               f.ID,
		Contents:         f.Payload,
		PossiblyReplayed: f.Kind == wire.KindReplay,
	}, nil
}

// Ack acknowledges the message returned by the last Next.
func (r *Reader) Ack() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.pending {
		return ErrNoPending
	}
	if err := wire.WriteAck(r.conn); err != nil {
		return fmt.Errorf("spoolmq: ack: %w", err)
	}
	r.pending = false
	r.count++
	return nil
}

// Read receives one message and acknowledges it immediately.
func (r *Reader) Read() (*Received, error) {
	m, err := r.Next()
	if err != nil {
		return nil, err
	}
	if err := r.Ack(); err != nil {
		return nil, err
	}
	return m, nil
}

// Count returns the number of messages acknowledged.
func (r *Reader) Count() int { return r.count }

// Close closes the connection. An unacknowledged message is redelivered to
// the next reader.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.conn.Close()
}

func (r *Reader) String() string {
	if r.closed.Load() {
		return fmt.Sprintf("not connected, received count: %d", r.count)
	}
	return fmt.Sprintf("connected to %s, received count: %d", r.conn.RemoteAddr(), r.count)
}
