// Package wire implements the byte-level framing used between SpoolMQ and
// its sources and sink.
//
// Source → server:
//
//	'M' | len u32be | payload        message, server assigns the id
//	'I' | id [16]   | len u32be | payload
//	'E'                              end of session
//
// Server → source: 'Y' after every accepted message.
//
// Server → sink:
//
//	'M' | id [16] | len u32be | payload    fresh delivery
//	'R' | id [16] | len u32be | payload    possible replay
//
// Sink → server: 'Y' after every delivery.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sneh-joshi/spoolmq/internal/types"
)

// Frame kinds.
const (
	KindMessage       byte = 'M'
	KindMessageWithID byte = 'I'
	KindEnd           byte = 'E'
	KindReplay        byte = 'R'
	Ack               byte = 'Y'
)

// ErrProtocol is wrapped by every framing violation: an unknown frame kind,
// a short read inside a frame, or an out-of-range length.
var ErrProtocol = errors.New("wire: protocol violation")

// Frame is one decoded source or sink frame.
type Frame struct {
	Kind    byte
	ID      types.ID
	HasID   bool
	Payload []byte
}

// ─── Reading ──────────────────────────────────────────────────────────────────

// ReadSourceFrame reads one frame sent by a source. io.EOF means the peer
// closed the connection cleanly between frames.
func ReadSourceFrame(r io.Reader, maxPayload int) (Frame, error) {
	kind, err := readKind(r)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Kind: kind}
	switch kind {
	case KindEnd:
		return f, nil
	case KindMessage:
	case KindMessageWithID:
		if err := readFull(r, f.ID[:], "id"); err != nil {
			return Frame{}, err
		}
		f.HasID = true
	default:
		return Frame{}, fmt.Errorf("%w: unknown source frame %q", ErrProtocol, kind)
	}
	if f.Payload, err = readPayload(r, maxPayload); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// ReadDelivery reads one frame sent to the sink.
func ReadDelivery(r io.Reader, maxPayload int) (Frame, error) {
	kind, err := readKind(r)
	if err != nil {
		return Frame{}, err
	}
	if kind != KindMessage && kind != KindReplay {
		return Frame{}, fmt.Errorf("%w: unknown sink frame %q", ErrProtocol, kind)
	}
	f := Frame{Kind: kind, HasID: true}
	if err := readFull(r, f.ID[:], "id"); err != nil {
		return Frame{}, err
	}
	if f.Payload, err = readPayload(r, maxPayload); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// ReadAck reads one acknowledgment byte. Anything other than 'Y' is a
// protocol violation.
func ReadAck(r io.Reader) error {
	kind, err := readKind(r)
	if err != nil {
		return err
	}
	if kind != Ack {
		return fmt.Errorf("%w: expected ack, got %q", ErrProtocol, kind)
	}
	return nil
}

func readKind(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// readFull reads a fixed-size field; a short read is a protocol violation.
func readFull(r io.Reader, buf []byte, field string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: short %s: %w", ErrProtocol, field, io.ErrUnexpectedEOF)
		}
		return err
	}
	return nil
}

func readPayload(r io.Reader, maxPayload int) ([]byte, error) {
	var lenBuf [4]byte
	if err := readFull(r, lenBuf[:], "length"); err != nil {
		return nil, err
	}
	n := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if n <= 0 {
		return nil, fmt.Errorf("%w: non-positive length %d", ErrProtocol, n)
	}
	if maxPayload > 0 && int(n) > maxPayload {
		return nil, fmt.Errorf("%w: length %d exceeds limit %d", ErrProtocol, n, maxPayload)
	}
	payload := make([]byte, n)
	if err := readFull(r, payload, "payload"); err != nil {
		return nil, err
	}
	return payload, nil
}

// ─── Writing ──────────────────────────────────────────────────────────────────

// AppendSourceFrame appends a message frame to buf: 'I' when id is non-nil,
// 'M' otherwise.
func AppendSourceFrame(buf []byte, id *types.ID, payload []byte) []byte {
	if id != nil {
		buf = append(buf, KindMessageWithID)
		buf = append(buf, id[:]...)
	} else {
		buf = append(buf, KindMessage)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// AppendDelivery appends a sink frame for msg to buf.
func AppendDelivery(buf []byte, msg *types.Message) []byte {
	kind := KindMessage
	if msg.PossibleReplay {
		kind = KindReplay
	}
	buf = append(buf, kind)
	buf = append(buf, msg.ID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Contents)))
	return append(buf, msg.Contents...)
}

// WriteAck writes a single acknowledgment byte.
func WriteAck(w io.Writer) error {
	_, err := w.Write([]byte{Ack})
	return err
}

// WriteEnd writes the end-of-session frame.
func WriteEnd(w io.Writer) error {
	_, err := w.Write([]byte{KindEnd})
	return err
}
