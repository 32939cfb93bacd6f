// Package metrics holds the Prometheus instrumentation for SpoolMQ.
//
// Each Registry owns a private prometheus.Registry so several servers (and
// tests) can run inside one process without duplicate-registration panics.
// Every recording method is safe to call on a nil *Registry, which lets the
// storage, queue and transport layers take an optional registry without
// scattering nil checks.
//
// # Metric families
//
//	spoolmq_messages_accepted_total            counter
//	spoolmq_messages_delivered_total{replay}   counter
//	spoolmq_messages_acked_total               counter
//	spoolmq_memory_queue_messages              gauge
//	spoolmq_memory_queue_bytes                 gauge
//	spoolmq_admission_overflowed               gauge (0 or 1)
//	spoolmq_admission_transitions_total{to}    counter
//	spoolmq_segments_created_total             counter
//	spoolmq_segments_deleted_total{reason}     counter
//	spoolmq_segment_records_loaded_total{scan} counter
//	spoolmq_source_sessions_active             gauge
//	spoolmq_sink_sessions_total                counter
//	spoolmq_protocol_errors_total{side}        counter
//	spoolmq_http_requests_total{method,path,status}
//	spoolmq_http_request_duration_seconds{method,path}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reasons a segment file is removed from disk.
const (
	DeleteAcked      = "acked"      // every record acknowledged
	DeleteDiscarded  = "discarded"  // current segment closed and deleted on drain
	DeleteUndersized = "undersized" // shorter than a header
	DeleteEmpty      = "empty"      // decoded to zero records
)

// Scan kinds for SegmentLoaded.
const (
	ScanStartup = "startup"
	ScanDrain   = "drain"
)

// Sides for ProtocolError.
const (
	SideSource = "source"
	SideSink   = "sink"
)

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all SpoolMQ application metrics.
type Registry struct {
	reg *prometheus.Registry

	MessagesAccepted  prometheus.Counter
	MessagesDelivered *prometheus.CounterVec
	MessagesAcked     prometheus.Counter

	MemoryMessages prometheus.Gauge
	MemoryBytes    prometheus.Gauge

	Overflowed  prometheus.Gauge
	Transitions *prometheus.CounterVec

	SegmentsCreated prometheus.Counter
	SegmentsDeleted *prometheus.CounterVec
	RecordsLoaded   *prometheus.CounterVec

	SourceSessions prometheus.Gauge
	SinkSessions   prometheus.Counter
	ProtocolErrors *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New builds a Registry with every family registered, plus the standard Go
// runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		MessagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoolmq_messages_accepted_total",
			Help: "Total messages durably written and acknowledged to a source",
		}),
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoolmq_messages_delivered_total",
			Help: "Total message deliveries handed to the sink, including redeliveries",
		}, []string{"replay"}),
		MessagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoolmq_messages_acked_total",
			Help: "Total messages acknowledged by the sink",
		}),
		MemoryMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spoolmq_memory_queue_messages",
			Help: "Messages currently held in the in-memory queue",
		}),
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spoolmq_memory_queue_bytes",
			Help: "Estimated memory footprint of the in-memory queue",
		}),
		Overflowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spoolmq_admission_overflowed",
			Help: "1 while new messages are written to disk only, 0 while admitting to memory",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoolmq_admission_transitions_total",
			Help: "Admission mode changes by target mode",
		}, []string{"to"}),
		SegmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoolmq_segments_created_total",
			Help: "Total segment files created",
		}),
		SegmentsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoolmq_segments_deleted_total",
			Help: "Segment files deleted by reason",
		}, []string{"reason"}),
		RecordsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoolmq_segment_records_loaded_total",
			Help: "Records loaded from segment files into memory by scan kind",
		}, []string{"scan"}),
		SourceSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spoolmq_source_sessions_active",
			Help: "Currently connected sources",
		}),
		SinkSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spoolmq_sink_sessions_total",
			Help: "Total sink sessions served",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoolmq_protocol_errors_total",
			Help: "Connections closed because of a protocol violation",
		}, []string{"side"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spoolmq_http_requests_total",
			Help: "Admin API requests by method, path and status code",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spoolmq_http_request_duration_seconds",
			Help:    "Admin API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	r.reg.MustRegister(
		r.MessagesAccepted, r.MessagesDelivered, r.MessagesAcked,
		r.MemoryMessages, r.MemoryBytes,
		r.Overflowed, r.Transitions,
		r.SegmentsCreated, r.SegmentsDeleted, r.RecordsLoaded,
		r.SourceSessions, r.SinkSessions, r.ProtocolErrors,
		r.HTTPRequests, r.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler returns an http.Handler serving this registry in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ─── Queue ────────────────────────────────────────────────────────────────────

func (r *Registry) Accepted() {
	if r == nil {
		return
	}
	r.MessagesAccepted.Inc()
}

func (r *Registry) Delivered(replay bool) {
	if r == nil {
		return
	}
	r.MessagesDelivered.WithLabelValues(strconv.FormatBool(replay)).Inc()
}

func (r *Registry) Acked() {
	if r == nil {
		return
	}
	r.MessagesAcked.Inc()
}

// SetMemory records the size of the in-memory queue.
func (r *Registry) SetMemory(messages int, bytes int64) {
	if r == nil {
		return
	}
	r.MemoryMessages.Set(float64(messages))
	r.MemoryBytes.Set(float64(bytes))
}

// Transition records an admission mode change. mode is the target mode's
// String form.
func (r *Registry) Transition(mode string, overflowed bool) {
	if r == nil {
		return
	}
	r.Transitions.WithLabelValues(mode).Inc()
	if overflowed {
		r.Overflowed.Set(1)
	} else {
		r.Overflowed.Set(0)
	}
}

// ─── Storage ──────────────────────────────────────────────────────────────────

func (r *Registry) SegmentCreated() {
	if r == nil {
		return
	}
	r.SegmentsCreated.Inc()
}

func (r *Registry) SegmentDeleted(reason string) {
	if r == nil {
		return
	}
	r.SegmentsDeleted.WithLabelValues(reason).Inc()
}

func (r *Registry) SegmentLoaded(scan string, records int) {
	if r == nil {
		return
	}
	r.RecordsLoaded.WithLabelValues(scan).Add(float64(records))
}

// ─── Transport ────────────────────────────────────────────────────────────────

// SourceConnected adjusts the live source gauge by delta (+1 or -1).
func (r *Registry) SourceConnected(delta int) {
	if r == nil {
		return
	}
	r.SourceSessions.Add(float64(delta))
}

func (r *Registry) SinkSession() {
	if r == nil {
		return
	}
	r.SinkSessions.Inc()
}

func (r *Registry) ProtocolError(side string) {
	if r == nil {
		return
	}
	r.ProtocolErrors.WithLabelValues(side).Inc()
}

// ObserveHTTP records one admin API request.
func (r *Registry) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
