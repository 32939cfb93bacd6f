// Package websocket pushes live broker statistics over a WebSocket.
//
// Clients open a WebSocket connection to:
//
//	GET /ws/stats
//
// The server sends one JSON text frame immediately and another every
// Interval, each holding a broker.Stats snapshot:
//
//	{"started_at":"...","uptime_sec":12,"queue":{"admission_mode":"admitting",...}}
//
// Anything the client sends is read and discarded; reading only serves to
// notice when the client goes away.
package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/sneh-joshi/spoolmq/internal/broker"
)

const writeWait = 5 * time.Second

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  512,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the stats stream.
type Handler struct {
	Broker *broker.Broker
	// Interval between snapshots. Default: 1s.
	Interval time.Duration
	Logger   *slog.Logger
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := h.Interval
	if interval <= 0 {
		interval = time.Second
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(h.Broker.Stats()); err != nil {
			logger.Debug("websocket stats write", "remote", r.RemoteAddr, "err", err)
			return
		}

		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
