package http

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sneh-joshi/spoolmq/internal/broker"
	"github.com/sneh-joshi/spoolmq/internal/queue"
	"github.com/sneh-joshi/spoolmq/internal/types"
)

// Version is reported by /health.
const Version = "1.0.0"

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker *broker.Broker
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type publishResp struct {
	ID string `json:"id"`
}

type healthResp struct {
	Status   string `json:"status"`
	Mode     string `json:"admission_mode"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
	DataDir  string `json:"data_dir"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.broker.Stats()
	elapsed := time.Since(stats.StartedAt)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Mode:     stats.Queue.Mode.String(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  Version,
		DataDir:  stats.Queue.Storage.Directory,
	})
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broker.Stats())
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// publishMessage enqueues the raw request body. An optional ?id= query
// parameter (32 hex chars) supplies the message id.
func (h *Handler) publishMessage(w http.ResponseWriter, r *http.Request) {
	req := broker.PublishRequest{}
	if raw := r.URL.Query().Get("id"); raw != "" {
		id, err := parseID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.ID = &id
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "message too large"})
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Body = body

	resp, err := h.broker.Publish(req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, publishResp{ID: resp.MessageID.String()})
	case errors.Is(err, broker.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, broker.ErrMessageTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err)
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func parseID(s string) (types.ID, error) {
	var id types.ID
	if len(s) != 2*types.IDSize {
		return id, errors.New("id must be 32 hex characters")
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, errors.New("id must be 32 hex characters")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
