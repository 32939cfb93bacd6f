// Package local provides the single-node, disk-backed implementation of
// storage.SegmentLog: a directory of append-only segment files.
package local

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/sneh-joshi/spoolmq/internal/storage"
	"github.com/sneh-joshi/spoolmq/internal/types"
)

// Segment file layout. Every field is ASCII so a segment can be inspected
// with a hex dump:
//
//	"HEADER  "                                  8 bytes
//	"00000001"                                  8 bytes, format version
//	repeated:
//	  "MESSAGE "                                8 bytes
//	  id                                        32 lowercase hex chars
//	  payload length                            8 lowercase hex chars
//	  payload                                   length bytes
//	"EOF     "                                  8 bytes, once finalized
//
// A segment without the EOF tag was still open when the process stopped; it
// is read up to the last complete record.
const (
	tagSize = 8

	tagHeader  = "HEADER  "
	tagVersion = "00000001"
	tagMessage = "MESSAGE "
	tagEOF     = "EOF     "

	idFieldSize  = types.IDSize * 2
	lenFieldSize = 8

	// headerSize is the smallest valid segment: header and version tags.
	headerSize = 2 * tagSize

	// recordOverhead approximates the framing cost of one record when
	// deciding whether a segment is full.
	recordOverhead = 50

	// maxRecordLen is the largest payload an 8 hex digit length can carry.
	maxRecordLen = 0xffffffff
)

// errTruncated marks a segment that ends in the middle of a field. The
// records decoded before it are kept.
var errTruncated = errors.New("local: truncated segment")

// appendHeader appends the segment header to buf.
func appendHeader(buf []byte) []byte {
	buf = append(buf, tagHeader...)
	return append(buf, tagVersion...)
}

// appendRecord appends one encoded record to buf.
func appendRecord(buf []byte, msg *types.Message) []byte {
	buf = append(buf, tagMessage...)
	buf = hex.AppendEncode(buf, msg.ID[:])
	buf = fmt.Appendf(buf, "%08x", uint32(len(msg.Contents)))
	return append(buf, msg.Contents...)
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// decoder reads records from one segment stream.
type decoder struct {
	r    *bufio.Reader
	name string
}

func newDecoder(r io.Reader, name string) *decoder {
	return &decoder{r: bufio.NewReaderSize(r, 64<<10), name: name}
}

// readField fills buf completely. A stream that ends before buf is full is
// reported as errTruncated.
func (d *decoder) readField(buf []byte) error {
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errTruncated
		}
		return fmt.Errorf("local: read %s: %w", d.name, err)
	}
	return nil
}

// expectTag reads one tag and checks it against want.
func (d *decoder) expectTag(want, what string) error {
	var tag [tagSize]byte
	if err := d.readField(tag[:]); err != nil {
		return err
	}
	if string(tag[:]) != want {
		return fmt.Errorf("%w: %s: bad %s tag %q", storage.ErrCorrupted, d.name, what, tag[:])
	}
	return nil
}

// readHeader validates the header and version tags.
func (d *decoder) readHeader() error {
	if err := d.expectTag(tagHeader, "header"); err != nil {
		return err
	}
	return d.expectTag(tagVersion, "version")
}

// next decodes the next record. It returns io.EOF after the EOF tag,
// errTruncated when the stream stops early, and storage.ErrCorrupted for
// malformed content.
func (d *decoder) next() (*types.Message, error) {
	var tag [tagSize]byte
	if err := d.readField(tag[:]); err != nil {
		return nil, err
	}
	switch string(tag[:]) {
	case tagEOF:
		return nil, io.EOF
	case tagMessage:
	default:
		return nil, fmt.Errorf("%w: %s: bad record tag %q", storage.ErrCorrupted, d.name, tag[:])
	}

	var idHex [idFieldSize]byte
	if err := d.readField(idHex[:]); err != nil {
		return nil, err
	}
	msg := &types.Message{}
	if err := decodeHex(msg.ID[:], idHex[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: id: %v", storage.ErrCorrupted, d.name, err)
	}

	var lenHex [lenFieldSize]byte
	if err := d.readField(lenHex[:]); err != nil {
		return nil, err
	}
	var lenBytes [lenFieldSize / 2]byte
	if err := decodeHex(lenBytes[:], lenHex[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: length: %v", storage.ErrCorrupted, d.name, err)
	}
	n := uint32(lenBytes[0])<<24 | uint32(lenBytes[1])<<16 | uint32(lenBytes[2])<<8 | uint32(lenBytes[3])
	if n == 0 {
		return nil, fmt.Errorf("%w: %s: zero-length record", storage.ErrCorrupted, d.name)
	}

	msg.Contents = make([]byte, n)
	if err := d.readField(msg.Contents); err != nil {
		return nil, err
	}
	return msg, nil
}

// decodeHex decodes lowercase hex only; the writer never emits uppercase.
func decodeHex(dst, src []byte) error {
	for _, c := range src {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return fmt.Errorf("invalid hex character %q", c)
		}
	}
	_, err := hex.Decode(dst, src)
	return err
}

// decodeSegment reads every record from r. A truncated tail is not an error:
// the complete records before it are returned with truncated=true.
func decodeSegment(r io.Reader, name string) (msgs []*types.Message, truncated bool, err error) {
	d := newDecoder(r, name)
	if err := d.readHeader(); err != nil {
		if errors.Is(err, errTruncated) {
			return nil, true, nil
		}
		return nil, false, err
	}
	for {
		msg, err := d.next()
		switch {
		case err == nil:
			msgs = append(msgs, msg)
		case errors.Is(err, io.EOF):
			return msgs, false, nil
		case errors.Is(err, errTruncated):
			return msgs, true, nil
		default:
			return nil, false, err
		}
	}
}
