// Command spoolmq-server is the SpoolMQ queue server process.
// It loads configuration, recovers the segment directory, and serves the
// source, sink and admin listeners until SIGINT or SIGTERM.
//
// Usage:
//
//	spoolmq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"golang.org/x/sync/errgroup"

	"github.com/sneh-joshi/spoolmq/internal/broker"
	"github.com/sneh-joshi/spoolmq/internal/config"
	"github.com/sneh-joshi/spoolmq/internal/logging"
	"github.com/sneh-joshi/spoolmq/internal/metrics"
	transphttp "github.com/sneh-joshi/spoolmq/internal/transport/http"
	"github.com/sneh-joshi/spoolmq/internal/transport/tcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spoolmq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config", "warning", w)
	}

	// ── 3. Size GOMEMLIMIT from the container ────────────────────────────────
	if cfg.Runtime.AutoMemLimit {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.Runtime.MemLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
			memlimit.WithLogger(logger),
		)
		if err != nil {
			logger.Warn("automemlimit", "err", err)
		} else {
			logger.Info("memory limit set", "gomemlimit", limit)
		}
	}

	logger.Info("spoolmq starting",
		"host", cfg.Server.Host,
		"source_port", cfg.Server.SourcePort,
		"sink_port", cfg.Server.SinkPort,
		"directory", cfg.Storage.Directory,
		"max_memory_bytes", cfg.Queue.MaxMemoryBytes,
		"max_segment_bytes", cfg.Queue.MaxSegmentBytes(),
		"fsync", cfg.Storage.Fsync,
	)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	metricsReg := metrics.New()

	// ── 5. Initialise broker (segment log + queue); runs the startup scan ────
	b, err := broker.New(cfg,
		broker.WithMetrics(metricsReg),
		broker.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("broker close error", "err", err)
		}
	}()

	// ── 6. Bind source and sink listeners ────────────────────────────────────
	tcpSrv := tcp.New(tcp.Config{
		SourceAddress:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.SourcePort)),
		SinkAddress:          net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.SinkPort)),
		Logger:               logger,
		Metrics:              metricsReg,
		MaxSourceConnections: cfg.Server.MaxSourceConnections,
		MaxMessageBytes:      cfg.Queue.MaxMessageBytes,
		ReadTimeout:          time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
	}, b)
	if err := tcpSrv.Listen(); err != nil {
		return err
	}

	// ── 7. Serve until a signal or a fatal error ─────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tcpSrv.Serve(gctx) })

	if cfg.Admin.Enabled {
		adminSrv := transphttp.New(b, cfg, metricsReg, logger)
		addr := net.JoinHostPort(cfg.Admin.Host, strconv.Itoa(cfg.Admin.Port))

		g.Go(func() error {
			logger.Info("admin api listening", "addr", addr)
			if err := adminSrv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := adminSrv.Shutdown(shutCtx); err != nil {
				logger.Warn("admin shutdown error", "err", err)
			}
			return nil
		})
	}

	logger.Info("spoolmq ready")
	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutting down", "cause", context.Cause(ctx))
	}
	if err != nil {
		return err
	}

	// Unacknowledged messages, including the current segment, stay on disk
	// for the next start.
	logger.Info("spoolmq stopped")
	return nil
}
