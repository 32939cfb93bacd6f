// Package types contains the core domain types shared across all SpoolMQ
// internal packages. It has zero imports of other SpoolMQ packages so that
// both the storage layer and the queue layer can import from it without
// creating import cycles.
package types

import "encoding/hex"

// IDSize is the length in bytes of a message identifier.
const IDSize = 16

// ID is the 16-byte opaque identifier of a message. It is either supplied by
// the producer or generated by the server (see package ids).
type ID [IDSize]byte

// String returns the id as 32 lowercase hex characters, the same form used
// inside segment files.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == ID{} }

// SegmentID names the segment file a message was written to or loaded from.
// It is the bare file name (for example "MQ-0000018f2a3b4c5d-0000").
type SegmentID string

func (s SegmentID) String() string { return string(s) }

// Message is the unit of data flowing from sources to the sink.
//
// Rules:
//   - Contents is never empty once a message has been accepted.
//   - Contents is owned by the message after Add; callers must not mutate it.
//   - Segment is assigned by the storage layer and never by producers.
type Message struct {
	// ID is caller-supplied ('I' frame) or generated on accept ('M' frame).
	ID ID `json:"id"`

	// Contents is the raw payload. Producers own the encoding.
	Contents []byte `json:"contents"`

	// PossibleReplay is set on messages recovered from the oldest segment at
	// startup: the previous process may already have delivered them.
	PossibleReplay bool `json:"possible_replay"`

	// Segment is the file holding the durable copy of this message.
	Segment SegmentID `json:"segment"`
}

// Size returns the payload length in bytes.
func (m *Message) Size() int { return len(m.Contents) }
