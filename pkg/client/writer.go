package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sneh-joshi/spoolmq/internal/wire"
)

// Writer sends messages to a SpoolMQ source port. A Writer is not safe for
// concurrent use; open one per goroutine.
type Writer struct {
	conn   net.Conn
	bw     *bufio.Writer
	closed atomic.Bool
	buf    []byte
	count  int
}

// DialWriter connects to the source listener at addr.
func DialWriter(ctx context.Context, addr string, opts ...DialOption) (*Writer, error) {
	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("spoolmq: dial source %s: %w", addr, err)
	}
	return &Writer{conn: conn, bw: bufio.NewWriter(conn)}, nil
}

// Write sends contents with a server-assigned id and waits for the ack.
func (w *Writer) Write(contents []byte) error {
	return w.write(nil, contents)
}

// WriteWithID sends contents under the caller's id and waits for the ack.
func (w *Writer) WriteWithID(id ID, contents []byte) error {
	return w.write(&id, contents)
}

func (w *Writer) write(id *ID, contents []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if len(contents) == 0 {
		return ErrEmptyMessage
	}
	w.buf = wire.AppendSourceFrame(w.buf[:0], id, contents)
	if _, err := w.bw.Write(w.buf); err != nil {
		return fmt.Errorf("spoolmq: write: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("spoolmq: write: %w", err)
	}
	if err := wire.ReadAck(w.conn); err != nil {
		return fmt.Errorf("%w: %w", ErrNotAcked, err)
	}
	w.count++
	return nil
}

// Count returns the number of messages acknowledged by the server.
func (w *Writer) Count() int { return w.count }

// Close ends the session with an 'E' frame and closes the connection.
func (w *Writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	endErr := wire.WriteEnd(w.bw)
	if endErr == nil {
		endErr = w.bw.Flush()
	}
	if err := w.conn.Close(); err != nil {
		return err
	}
	return endErr
}

func (w *Writer) String() string {
	if w.closed.Load() {
		return fmt.Sprintf("not connected, sent count: %d", w.count)
	}
	return fmt.Sprintf("connected to %s, sent count: %d", w.conn.RemoteAddr(), w.count)
}
