// Package tcp serves the source and sink wire protocols.
//
// Sources connect to one listener and are each served by their own goroutine.
// The sink listener is served serially: one sink session at a time, so at most
// one message is ever in flight.
package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sneh-joshi/spoolmq/internal/broker"
	"github.com/sneh-joshi/spoolmq/internal/metrics"
	"github.com/sneh-joshi/spoolmq/internal/queue"
	"github.com/sneh-joshi/spoolmq/internal/wire"
)

// Config holds the TCP server configuration.
type Config struct {
	SourceAddress string
	SinkAddress   string
	Logger        *slog.Logger
	Metrics       *metrics.Registry

	// MaxSourceConnections caps concurrent sources. 0 = unlimited.
	MaxSourceConnections int
	// MaxMessageBytes rejects larger source frames. 0 = unlimited.
	MaxMessageBytes int
	// ReadTimeout bounds each frame read and each sink ack. 0 = none.
	ReadTimeout  time.Duration
	TCPKeepAlive time.Duration
}

// Server accepts source and sink connections and hands their frames to a
// broker.
type Server struct {
	cfg    Config
	broker *broker.Broker
	logger *slog.Logger

	mu       sync.Mutex
	sourceLn net.Listener
	sinkLn   net.Listener
	conns    map[net.Conn]struct{}
	closing  bool

	wg      sync.WaitGroup // source sessions
	connSem chan struct{}
}

// New creates a TCP server for b.
func New(cfg Config, b *broker.Broker) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxSourceConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxSourceConnections)
	}

	return &Server{
		cfg:     cfg,
		broker:  b,
		logger:  cfg.Logger.With("component", "tcp"),
		conns:   make(map[net.Conn]struct{}),
		connSem: connSem,
	}
}

// Listen binds both listeners. It is separate from Serve so callers can learn
// the bound addresses (for example with port 0) before serving.
func (s *Server) Listen() error {
	src, err := net.Listen("tcp", s.cfg.SourceAddress)
	if err != nil {
		return fmt.Errorf("tcp: listen source %s: %w", s.cfg.SourceAddress, err)
	}
	sink, err := net.Listen("tcp", s.cfg.SinkAddress)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("tcp: listen sink %s: %w", s.cfg.SinkAddress, err)
	}

	s.mu.Lock()
	s.sourceLn, s.sinkLn = src, sink
	s.mu.Unlock()

	s.logger.Info("listening",
		"source", src.Addr().String(),
		"sink", sink.Addr().String(),
	)
	return nil
}

// SourceAddr returns the source listener's address, or nil before Listen.
func (s *Server) SourceAddr() net.Addr { return s.addr(func() net.Listener { return s.sourceLn }) }

// SinkAddr returns the sink listener's address, or nil before Listen.
func (s *Server) SinkAddr() net.Addr { return s.addr(func() net.Listener { return s.sinkLn }) }

func (s *Server) addr(pick func() net.Listener) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln := pick(); ln != nil {
		return ln.Addr()
	}
	return nil
}

// Serve runs both accept loops until ctx is cancelled or the sink loop fails
// fatally, then closes the listeners and every live connection. Listen must
// have been called.
//
// The returned error is nil on a clean shutdown. A non-nil error means the
// queue could not retire a message (for example a corrupt segment found while
// draining) and the process should exit.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.sourceLn == nil || s.sinkLn == nil {
		s.mu.Unlock()
		return errors.New("tcp: Serve called before Listen")
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.acceptSources(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.acceptSinks(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	s.logger.Info("tcp server stopped")
	return err
}

// shutdown closes both listeners and every tracked connection.
func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.closing = true
	_ = s.sourceLn.Close()
	_ = s.sinkLn.Close()
	for c := range s.conns {
		_ = c.Close()
	}
}

// track registers conn so shutdown can close it. It returns false when the
// server is already shutting down.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// ─── Sources ──────────────────────────────────────────────────────────────────

func (s *Server) acceptSources(ctx context.Context) error {
	for {
		conn, err := s.sourceLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept source", "err", err)
			continue
		}

		if !s.tryAcquireSlot(conn) {
			continue
		}
		s.configureTCPConn(conn)
		if !s.track(conn) {
			_ = conn.Close()
			s.releaseSlot()
			return nil
		}

		s.wg.Add(1)
		go s.handleSource(conn)
	}
}

func (s *Server) tryAcquireSlot(conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}
	select {
	case s.connSem <- struct{}{}:
		return true
	default:
		s.logger.Warn("source connection limit reached, rejecting",
			"remote", conn.RemoteAddr().String())
		_ = conn.Close()
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) handleSource(conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseSlot()
	defer s.untrack(conn)

	s.cfg.Metrics.SourceConnected(1)
	defer s.cfg.Metrics.SourceConnected(-1)

	log := s.logger.With("remote", conn.RemoteAddr().String(), "side", metrics.SideSource)
	log.Debug("source connected")

	n, err := s.serveSource(conn)
	switch {
	case err == nil:
		log.Debug("source finished", "messages", n)
	case errors.Is(err, wire.ErrProtocol):
		s.cfg.Metrics.ProtocolError(metrics.SideSource)
		log.Warn("source protocol violation", "messages", n, "err", err)
	case errors.Is(err, queue.ErrClosed):
		log.Debug("source closed by shutdown", "messages", n)
	default:
		log.Info("source session ended", "messages", n, "err", err)
	}
}

// serveSource reads frames until 'E', a clean EOF or an error. Every accepted
// message is durable before its 'Y' is written, and the 'Y' is written before
// the next frame is read.
func (s *Server) serveSource(conn net.Conn) (int, error) {
	r := bufio.NewReader(conn)
	n := 0
	for {
		s.setReadDeadline(conn)
		f, err := wire.ReadSourceFrame(r, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if f.Kind == wire.KindEnd {
			return n, nil
		}

		req := broker.PublishRequest{Body: f.Payload}
		if f.HasID {
			id := f.ID
			req.ID = &id
		}
		if _, err := s.broker.Publish(req); err != nil {
			return n, err
		}
		if err := wire.WriteAck(conn); err != nil {
			return n, fmt.Errorf("tcp: source ack: %w", err)
		}
		n++
	}
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// acceptSinks serves sink connections one after another. A new sink is only
// accepted after the previous session ended.
func (s *Server) acceptSinks(ctx context.Context) error {
	for {
		conn, err := s.sinkLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept sink", "err", err)
			continue
		}
		s.configureTCPConn(conn)
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}

		s.cfg.Metrics.SinkSession()
		log := s.logger.With("remote", conn.RemoteAddr().String(), "side", metrics.SideSink)
		log.Info("sink connected")

		n, err := s.serveSink(ctx, conn, log)
		s.untrack(conn)
		if err != nil {
			log.Error("sink session failed", "delivered", n, "err", err)
			return err
		}
		log.Info("sink disconnected", "delivered", n)
	}
}

// serveSink delivers the head, waits for 'Y' and retires it, forever. Any
// failure on the connection ends the session with the head still in place,
// so the next sink receives it again. Only a failure to retire the head is
// returned.
func (s *Server) serveSink(ctx context.Context, conn net.Conn, log *slog.Logger) (int, error) {
	var buf []byte
	n := 0
	for {
		msg, err := s.broker.Take(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return n, nil
			}
			return n, fmt.Errorf("tcp: sink take: %w", err)
		}

		buf = wire.AppendDelivery(buf[:0], msg)
		if _, err := conn.Write(buf); err != nil {
			log.Debug("sink write", "err", err)
			return n, nil
		}

		s.setReadDeadline(conn)
		if err := wire.ReadAck(conn); err != nil {
			if errors.Is(err, wire.ErrProtocol) {
				s.cfg.Metrics.ProtocolError(metrics.SideSink)
				log.Warn("sink did not acknowledge", "id", msg.ID, "err", err)
			} else {
				log.Debug("sink read", "err", err)
			}
			return n, nil
		}

		if err := s.broker.Ack(msg.ID); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return n, nil
			}
			return n, fmt.Errorf("tcp: sink ack %s: %w", msg.ID, err)
		}
		n++
	}
}

// ─── Socket options ───────────────────────────────────────────────────────────

func (s *Server) setReadDeadline(conn net.Conn) {
	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

func (s *Server) configureTCPConn(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if s.cfg.TCPKeepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(s.cfg.TCPKeepAlive)
	}
	_ = tc.SetNoDelay(true)
}
