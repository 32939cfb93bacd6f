package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the admin API responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spoolmq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether the error is a 401 from the server.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Admin options ────────────────────────────────────────────────────────────

// AdminOption configures an Admin client.
type AdminOption func(*Admin)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has admin.api_key set.
func WithAPIKey(key string) AdminOption {
	return func(a *Admin) { a.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) AdminOption {
	return func(a *Admin) { a.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) AdminOption {
	return func(a *Admin) { a.http.Timeout = d }
}

// ─── Admin ────────────────────────────────────────────────────────────────────

// Admin talks to the SpoolMQ admin HTTP API. It is safe for concurrent use.
type Admin struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewAdmin creates a client for the admin API at baseURL.
//
//	a := client.NewAdmin("http://localhost:6213")
func NewAdmin(baseURL string, opts ...AdminOption) *Admin {
	a := &Admin{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// HealthInfo is the decoded /health response.
type HealthInfo struct {
	Status  string
	Mode    string
	Uptime  time.Duration
	Version string
	DataDir string
}

// StatsInfo is the subset of /stats most callers need.
type StatsInfo struct {
	Mode           string
	MemoryMessages int
	MemoryBytes    int64
	MaxMemoryBytes int64
	InFlight       bool
	In             uint64
	Out            uint64
	Acked          uint64
	CurrentSegment string
	Segments       int
}

// Health checks the server's /health endpoint.
func (a *Admin) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		Mode     string `json:"admission_mode"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
		DataDir  string `json:"data_dir"`
	}
	if err := a.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		Mode:    resp.Mode,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
		DataDir: resp.DataDir,
	}, nil
}

// Stats returns a snapshot of the queue.
func (a *Admin) Stats(ctx context.Context) (*StatsInfo, error) {
	var resp struct {
		Queue struct {
			Mode           string `json:"admission_mode"`
			MemoryMessages int    `json:"memory_messages"`
			MemoryBytes    int64  `json:"memory_bytes"`
			MaxMemoryBytes int64  `json:"max_memory_bytes"`
			InFlight       bool   `json:"in_flight"`
			In             uint64 `json:"in"`
			Out            uint64 `json:"out"`
			Acked          uint64 `json:"acked"`
			Storage        struct {
				CurrentSegment  string `json:"current_segment"`
				TrackedSegments int    `json:"tracked_segments"`
			} `json:"storage"`
		} `json:"queue"`
	}
	if err := a.do(ctx, http.MethodGet, "/stats", nil, &resp); err != nil {
		return nil, err
	}
	q := resp.Queue
	return &StatsInfo{
		Mode:           q.Mode,
		MemoryMessages: q.MemoryMessages,
		MemoryBytes:    q.MemoryBytes,
		MaxMemoryBytes: q.MaxMemoryBytes,
		InFlight:       q.InFlight,
		In:             q.In,
		Out:            q.Out,
		Acked:          q.Acked,
		CurrentSegment: q.Storage.CurrentSegment,
		Segments:       q.Storage.TrackedSegments,
	}, nil
}

// Publish enqueues contents through the admin API. A nil id lets the server
// assign one. The returned id is the one stored with the message.
func (a *Admin) Publish(ctx context.Context, id *ID, contents []byte) (ID, error) {
	path := "/messages"
	if id != nil {
		path += "?id=" + url.QueryEscape(id.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, path, contents, &resp); err != nil {
		return ID{}, err
	}
	var out ID
	if _, err := hex.Decode(out[:], []byte(resp.ID)); err != nil || len(resp.ID) != 2*len(out) {
		return ID{}, fmt.Errorf("spoolmq: bad id %q in response", resp.ID)
	}
	return out, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request. body is sent as raw bytes when non-nil,
// resp is decoded from JSON when non-nil.
func (a *Admin) do(ctx context.Context, method, path string, body []byte, resp any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("spoolmq: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if a.apiKey != "" {
		req.Header.Set("X-Api-Key", a.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("spoolmq: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("spoolmq: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("spoolmq: decode response: %w", err)
		}
	}
	return nil
}
