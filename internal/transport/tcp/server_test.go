package tcp_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/sneh-joshi/spoolmq/internal/broker"
	"github.com/sneh-joshi/spoolmq/internal/config"
	"github.com/sneh-joshi/spoolmq/internal/metrics"
	"github.com/sneh-joshi/spoolmq/internal/transport/tcp"
	"github.com/sneh-joshi/spoolmq/internal/types"
	"github.com/sneh-joshi/spoolmq/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

type env struct {
	broker  *broker.Broker
	server  *tcp.Server
	metrics *metrics.Registry
}

// start runs a server on loopback ports. It is stopped, and its broker
// closed, when the test ends.
func start(t *testing.T, mutate func(*tcp.Config)) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Directory = t.TempDir()
	cfg.Storage.Fsync = config.FsyncNever

	reg := metrics.New()
	b, err := broker.New(cfg, broker.WithMetrics(reg))
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}

	tc := tcp.Config{
		SourceAddress:   "127.0.0.1:0",
		SinkAddress:     "127.0.0.1:0",
		Metrics:         reg,
		MaxMessageBytes: 1024,
	}
	if mutate != nil {
		mutate(&tc)
	}
	srv := tcp.New(tc, b)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
		_ = b.Close()
	})
	return &env{broker: b, server: srv, metrics: reg}
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, id *types.ID, payload string) {
	t.Helper()
	if _, err := conn.Write(wire.AppendSourceFrame(nil, id, []byte(payload))); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := wire.ReadAck(conn); err != nil {
		t.Fatalf("read ack for %q: %v", payload, err)
	}
}

func receive(t *testing.T, r io.Reader) wire.Frame {
	t.Helper()
	f, err := wire.ReadDelivery(r, 0)
	if err != nil {
		t.Fatalf("ReadDelivery: %v", err)
	}
	return f
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	var b [1]byte
	if _, err := conn.Read(b[:]); err == nil {
		t.Fatalf("expected the server to close the connection, read %q", b[0])
	}
}

// ─── End to end ──────────────────────────────────────────────────────────────

func TestEndToEnd_OneSourceOneSink(t *testing.T) {
	e := start(t, nil)

	src := dial(t, e.server.SourceAddr())
	send(t, src, nil, "hello")
	idB := types.ID{15: 2}
	send(t, src, &idB, "world")
	if err := wire.WriteEnd(src); err != nil {
		t.Fatal(err)
	}

	sink := dial(t, e.server.SinkAddr())
	r := bufio.NewReader(sink)

	a := receive(t, r)
	if a.Kind != wire.KindMessage || string(a.Payload) != "hello" {
		t.Fatalf("first delivery = %q %q", a.Kind, a.Payload)
	}
	if a.ID.IsZero() {
		t.Error("server should assign a non-zero id to an 'M' frame")
	}
	if err := wire.WriteAck(sink); err != nil {
		t.Fatal(err)
	}

	b := receive(t, r)
	if b.Kind != wire.KindMessage || b.ID != idB || string(b.Payload) != "world" {
		t.Fatalf("second delivery = %q %s %q", b.Kind, b.ID, b.Payload)
	}
	if err := wire.WriteAck(sink); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for e.broker.Stats().Queue.Acked != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("acked = %d, want 2", e.broker.Stats().Queue.Acked)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndToEnd_ConcurrentSourcesKeepPerSourceOrder(t *testing.T) {
	e := start(t, nil)
	const sources, perSource = 4, 25

	var wg sync.WaitGroup
	for s := 0; s < sources; s++ {
		conn := dial(t, e.server.SourceAddr())
		wg.Add(1)
		go func(s int, conn net.Conn) {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				payload := fmt.Sprintf("%d:%d", s, i)
				if _, err := conn.Write(wire.AppendSourceFrame(nil, nil, []byte(payload))); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				if err := wire.ReadAck(conn); err != nil {
					t.Errorf("ack: %v", err)
					return
				}
			}
		}(s, conn)
	}
	wg.Wait()

	sink := dial(t, e.server.SinkAddr())
	r := bufio.NewReader(sink)
	last := make([]int, sources)
	for i := range last {
		last[i] = -1
	}
	for n := 0; n < sources*perSource; n++ {
		f := receive(t, r)
		var s, i int
		if _, err := fmt.Sscanf(string(f.Payload), "%d:%d", &s, &i); err != nil {
			t.Fatalf("payload %q: %v", f.Payload, err)
		}
		if i != last[s]+1 {
			t.Fatalf("source %d: got %d after %d", s, i, last[s])
		}
		last[s] = i
		if err := wire.WriteAck(sink); err != nil {
			t.Fatal(err)
		}
	}
}

// ─── Sink sessions ───────────────────────────────────────────────────────────

func TestSink_DisconnectRedeliversHead(t *testing.T) {
	e := start(t, nil)
	if _, err := e.broker.Publish(broker.PublishRequest{Body: []byte("once")}); err != nil {
		t.Fatal(err)
	}

	first := dial(t, e.server.SinkAddr())
	f1 := receive(t, first)
	_ = first.Close()

	second := dial(t, e.server.SinkAddr())
	f2 := receive(t, second)
	if f2.ID != f1.ID || f2.Kind != f1.Kind || string(f2.Payload) != "once" {
		t.Fatalf("redelivery = %s %q %q, want %s", f2.ID, f2.Kind, f2.Payload, f1.ID)
	}
	if e.broker.Stats().Queue.Acked != 0 {
		t.Error("a dropped sink must not acknowledge")
	}
}

func TestSink_NonAckByteEndsSession(t *testing.T) {
	e := start(t, nil)
	if _, err := e.broker.Publish(broker.PublishRequest{Body: []byte("x")}); err != nil {
		t.Fatal(err)
	}

	sink := dial(t, e.server.SinkAddr())
	f := receive(t, sink)
	if _, err := sink.Write([]byte{'N'}); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, sink)

	if got := testutil.ToFloat64(e.metrics.ProtocolErrors.WithLabelValues(metrics.SideSink)); got != 1 {
		t.Errorf("sink protocol errors = %v, want 1", got)
	}

	again := dial(t, e.server.SinkAddr())
	if g := receive(t, again); g.ID != f.ID {
		t.Errorf("redelivered %s, want %s", g.ID, f.ID)
	}
}

func TestSink_BlocksUntilMessageArrives(t *testing.T) {
	e := start(t, nil)
	sink := dial(t, e.server.SinkAddr())

	got := make(chan wire.Frame, 1)
	go func() {
		f, err := wire.ReadDelivery(sink, 0)
		if err == nil {
			got <- f
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("delivery before any message was published")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := e.broker.Publish(broker.PublishRequest{Body: []byte("late")}); err != nil {
		t.Fatal(err)
	}
	f, ok := <-got
	if !ok || string(f.Payload) != "late" {
		t.Fatalf("delivery = %q, ok=%v", f.Payload, ok)
	}
}

// ─── Source sessions ─────────────────────────────────────────────────────────

func TestSource_ProtocolViolations(t *testing.T) {
	frame := func(kind byte, n int32, payload string) []byte {
		buf := binary.BigEndian.AppendUint32([]byte{kind}, uint32(n))
		return append(buf, payload...)
	}
	cases := map[string][]byte{
		"unknown kind": {'Z'},
		"zero length":  frame('M', 0, ""),
		"over limit":   frame('M', 1025, ""),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			e := start(t, nil)
			conn := dial(t, e.server.SourceAddr())
			if _, err := conn.Write(raw); err != nil {
				t.Fatal(err)
			}
			expectClosed(t, conn)

			if got := testutil.ToFloat64(e.metrics.ProtocolErrors.WithLabelValues(metrics.SideSource)); got != 1 {
				t.Errorf("source protocol errors = %v, want 1", got)
			}
			if e.broker.Stats().Queue.In != 0 {
				t.Error("nothing should be enqueued")
			}
		})
	}
}

func TestSource_EndFrameClosesConnection(t *testing.T) {
	e := start(t, nil)
	conn := dial(t, e.server.SourceAddr())
	send(t, conn, nil, "a")
	if err := wire.WriteEnd(conn); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, conn)
	if e.broker.Stats().Queue.In != 1 {
		t.Errorf("in = %d, want 1", e.broker.Stats().Queue.In)
	}
}

func TestSource_ConnectionLimit(t *testing.T) {
	e := start(t, func(c *tcp.Config) { c.MaxSourceConnections = 1 })

	first := dial(t, e.server.SourceAddr())
	send(t, first, nil, "held")

	second := dial(t, e.server.SourceAddr())
	expectClosed(t, second)

	send(t, first, nil, "still served")
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestServe_CancelClosesLiveSessions(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Directory = t.TempDir()
	cfg.Storage.Fsync = config.FsyncNever
	b, err := broker.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	srv := tcp.New(tcp.Config{SourceAddress: "127.0.0.1:0", SinkAddress: "127.0.0.1:0"}, b)
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	src := dial(t, srv.SourceAddr())
	send(t, src, nil, "a")
	sink := dial(t, srv.SinkAddr())
	receive(t, sink)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	expectClosed(t, src)
	expectClosed(t, sink)

	if _, err := net.DialTimeout("tcp", srv.SourceAddr().String(), 200*time.Millisecond); err == nil {
		t.Error("source listener still accepting after shutdown")
	}
}

func TestServe_RequiresListen(t *testing.T) {
	srv := tcp.New(tcp.Config{}, nil)
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatal("expected an error when Serve runs before Listen")
	}
}
