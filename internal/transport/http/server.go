// Package http provides the admin HTTP API for SpoolMQ.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /stats
//	GET    /metrics
//	GET    /ws/stats
//	POST   /messages
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sneh-joshi/spoolmq/internal/broker"
	"github.com/sneh-joshi/spoolmq/internal/config"
	"github.com/sneh-joshi/spoolmq/internal/metrics"
	transportws "github.com/sneh-joshi/spoolmq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with SpoolMQ route wiring.
type Server struct {
	inner  *http.Server
	cancel context.CancelFunc
}

// New builds a Server from a Broker.
// The caller is responsible for calling ListenAndServe / Serve / Shutdown.
func New(b *broker.Broker, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admin")

	h := &Handler{broker: b}
	ws := &transportws.Handler{
		Broker:   b,
		Interval: time.Duration(cfg.Admin.StatsIntervalMs) * time.Millisecond,
		Logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /stats", h.stats)
	mux.Handle("GET /metrics", reg.Handler())
	mux.Handle("GET /ws/stats", ws)
	mux.HandleFunc("POST /messages", h.publishMessage)

	// logging → auth → rate-limit → body limit
	handler := chain(mux,
		LoggingMiddleware(logger, reg),
		AuthMiddleware(cfg.Admin.APIKey),
		RateLimitMiddleware(cfg.Admin.RateLimitRPS, cfg.Admin.RateLimitBurst),
		MaxBodyMiddleware(int64(cfg.Queue.MaxMessageBytes)),
	)

	// Request contexts derive from base so Shutdown also stops hijacked
	// WebSocket handlers, which net/http does not track.
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		cancel: cancel,
		inner: &http.Server{
			BaseContext:       func(net.Listener) context.Context { return base },
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. "127.0.0.1:6213").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.inner.Serve(ln)
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.inner.Shutdown(ctx)
}
