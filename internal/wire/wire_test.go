package wire_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/sneh-joshi/spoolmq/internal/types"
	"github.com/sneh-joshi/spoolmq/internal/wire"
)

func TestSourceFrame_MessageLayout(t *testing.T) {
	got := wire.AppendSourceFrame(nil, nil, []byte("hello"))
	want := []byte{'M', 0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}
	if !bytes.Equal(got, want) {
		t.Fatalf("frame = %v, want %v", got, want)
	}

	f, err := wire.ReadSourceFrame(bytes.NewReader(got), 0)
	if err != nil {
		t.Fatalf("ReadSourceFrame: %v", err)
	}
	if f.Kind != wire.KindMessage || f.HasID || string(f.Payload) != "hello" {
		t.Errorf("decoded %+v", f)
	}
}

func TestSourceFrame_WithID(t *testing.T) {
	id := types.ID{15: 2}
	buf := wire.AppendSourceFrame(nil, &id, []byte("world"))
	if buf[0] != 'I' || len(buf) != 1+16+4+5 {
		t.Fatalf("unexpected frame %v", buf)
	}

	f, err := wire.ReadSourceFrame(bytes.NewReader(buf), 0)
	if err != nil {
		t.Fatalf("ReadSourceFrame: %v", err)
	}
	if !f.HasID || f.ID != id || string(f.Payload) != "world" {
		t.Errorf("decoded %+v", f)
	}
}

func TestSourceFrame_End(t *testing.T) {
	f, err := wire.ReadSourceFrame(bytes.NewReader([]byte{'E'}), 0)
	if err != nil || f.Kind != wire.KindEnd {
		t.Fatalf("got %+v, %v", f, err)
	}
}

func TestSourceFrame_CleanEOFBetweenFrames(t *testing.T) {
	if _, err := wire.ReadSourceFrame(bytes.NewReader(nil), 0); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func lengthFrame(kind byte, n int32, payload string) []byte {
	buf := []byte{kind}
	buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	return append(buf, payload...)
}

func TestSourceFrame_Violations(t *testing.T) {
	cases := map[string][]byte{
		"unknown kind":    {'X'},
		"short id":        append([]byte{'I'}, make([]byte, 7)...),
		"short length":    {'M', 0, 0},
		"zero length":     lengthFrame('M', 0, ""),
		"negative length": lengthFrame('M', -5, ""),
		"over limit":      lengthFrame('M', 11, "01234567890"),
		"short payload":   lengthFrame('M', 10, "abc"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := wire.ReadSourceFrame(bytes.NewReader(raw), 10)
			if !errors.Is(err, wire.ErrProtocol) {
				t.Fatalf("got %v, want ErrProtocol", err)
			}
		})
	}
}

func TestDelivery_RoundTrip(t *testing.T) {
	msg := &types.Message{ID: types.ID{0: 0xab, 15: 0x01}, Contents: []byte("payload")}

	buf := wire.AppendDelivery(nil, msg)
	if buf[0] != 'M' {
		t.Fatalf("fresh delivery kind = %q", buf[0])
	}
	f, err := wire.ReadDelivery(bytes.NewReader(buf), 0)
	if err != nil {
		t.Fatalf("ReadDelivery: %v", err)
	}
	if f.ID != msg.ID || string(f.Payload) != "payload" || f.Kind != wire.KindMessage {
		t.Errorf("decoded %+v", f)
	}

	msg.PossibleReplay = true
	buf = wire.AppendDelivery(buf[:0], msg)
	if buf[0] != 'R' {
		t.Fatalf("replay delivery kind = %q", buf[0])
	}
}

func TestDelivery_RejectsSourceKinds(t *testing.T) {
	raw := wire.AppendSourceFrame(nil, nil, []byte("x"))
	if _, err := wire.ReadDelivery(bytes.NewReader(raw), 0); !errors.Is(err, wire.ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

func TestAck(t *testing.T) {
	var buf bytes.Buffer
	if err := wire.WriteAck(&buf); err != nil {
		t.Fatal(err)
	}
	if err := wire.ReadAck(&buf); err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if err := wire.ReadAck(bytes.NewReader([]byte{'N'})); !errors.Is(err, wire.ErrProtocol) {
		t.Fatalf("non-ack byte: got %v, want ErrProtocol", err)
	}
	if err := wire.ReadAck(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("closed stream: got %v, want io.EOF", err)
	}
}
