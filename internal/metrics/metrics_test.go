package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sneh-joshi/spoolmq/internal/metrics"
)

func TestRegistry_MessageCounters(t *testing.T) {
	reg := metrics.New()

	reg.Accepted()
	reg.Accepted()
	reg.Delivered(false)
	reg.Delivered(true)
	reg.Delivered(false)
	reg.Acked()

	if got := testutil.ToFloat64(reg.MessagesAccepted); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(reg.MessagesDelivered.WithLabelValues("false")); got != 2 {
		t.Errorf("delivered{replay=false} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(reg.MessagesDelivered.WithLabelValues("true")); got != 1 {
		t.Errorf("delivered{replay=true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(reg.MessagesAcked); got != 1 {
		t.Errorf("acked = %v, want 1", got)
	}
}

func TestRegistry_Gauges(t *testing.T) {
	reg := metrics.New()

	reg.SetMemory(3, 1234)
	reg.Transition("overflowed", true)
	reg.SourceConnected(1)
	reg.SourceConnected(1)
	reg.SourceConnected(-1)

	if got := testutil.ToFloat64(reg.MemoryMessages); got != 3 {
		t.Errorf("memory messages = %v, want 3", got)
	}
	if got := testutil.ToFloat64(reg.MemoryBytes); got != 1234 {
		t.Errorf("memory bytes = %v, want 1234", got)
	}
	if got := testutil.ToFloat64(reg.Overflowed); got != 1 {
		t.Errorf("overflowed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(reg.SourceSessions); got != 1 {
		t.Errorf("source sessions = %v, want 1", got)
	}

	reg.Transition("admitting", false)
	if got := testutil.ToFloat64(reg.Overflowed); got != 0 {
		t.Errorf("overflowed after admit = %v, want 0", got)
	}
}

func TestRegistry_StorageCounters(t *testing.T) {
	reg := metrics.New()

	reg.SegmentCreated()
	reg.SegmentDeleted(metrics.DeleteAcked)
	reg.SegmentDeleted(metrics.DeleteUndersized)
	reg.SegmentDeleted(metrics.DeleteAcked)
	reg.SegmentLoaded(metrics.ScanStartup, 7)

	if got := testutil.ToFloat64(reg.SegmentsCreated); got != 1 {
		t.Errorf("created = %v, want 1", got)
	}
	if got := testutil.ToFloat64(reg.SegmentsDeleted.WithLabelValues(metrics.DeleteAcked)); got != 2 {
		t.Errorf("deleted{acked} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(reg.RecordsLoaded.WithLabelValues(metrics.ScanStartup)); got != 7 {
		t.Errorf("loaded{startup} = %v, want 7", got)
	}
}

func TestRegistry_NilIsSafe(t *testing.T) {
	var reg *metrics.Registry

	// None of these may panic.
	reg.Accepted()
	reg.Delivered(true)
	reg.Acked()
	reg.SetMemory(1, 1)
	reg.Transition("overflowed", true)
	reg.SegmentCreated()
	reg.SegmentDeleted(metrics.DeleteEmpty)
	reg.SegmentLoaded(metrics.ScanDrain, 1)
	reg.SourceConnected(1)
	reg.SinkSession()
	reg.ProtocolError(metrics.SideSink)
	reg.ObserveHTTP("GET", "/stats", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil registry handler status = %d, want 404", rec.Code)
	}
}

func TestRegistry_HandlerExposesFamilies(t *testing.T) {
	reg := metrics.New()
	reg.Accepted()
	reg.ProtocolError(metrics.SideSource)
	reg.ObserveHTTP("GET", "/stats", 200, 5*time.Millisecond)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"spoolmq_messages_accepted_total 1",
		`spoolmq_protocol_errors_total{side="source"} 1`,
		`spoolmq_http_requests_total{method="GET",path="/stats",status="200"} 1`,
		"spoolmq_http_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_IndependentInstances(t *testing.T) {
	a := metrics.New()
	b := metrics.New()
	a.Accepted()

	if got := testutil.ToFloat64(b.MessagesAccepted); got != 0 {
		t.Errorf("second registry saw first registry's count: %v", got)
	}
}
