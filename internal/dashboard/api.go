// Package dashboard serves the worker's liveness probe and a small JSON API for
// monitoring the queue and sessions.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mobvibe/mobvibe-worker/internal/domain"
)

// QueueStatter reports queue counts.
type QueueStatter interface {
	QueueStats(ctx context.Context) (domain.QueueStats, error)
}

// SessionReader reads session rows and their event log.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]domain.SessionEvent, error)
}

// WorkerStatus is implemented by the job processor.
type WorkerStatus interface {
	IsProcessing() bool
	Processed() int64
}

// QuotaReporter reports a session's stored bytes against its limit.
type QuotaReporter interface {
	StorageQuota(ctx context.Context, sessionID string) (domain.StorageQuota, error)
}

// SandboxCounter is implemented by the sandbox manager.
type SandboxCounter interface {
	ActiveCount() int
}

// HealthSnapshot is the JSON response from /health.
type HealthSnapshot struct {
	Status          string `json:"status"`
	Processing      bool   `json:"processing"`
	ActiveSandboxes int    `json:"active_sandboxes"`
	Processed       int64  `json:"processed"`
	Uptime          string `json:"uptime"`
}

// QueueSnapshot is the JSON response from /api/queue.
type QueueSnapshot struct {
	Timestamp        string `json:"timestamp"`
	Pending          int    `json:"pending"`
	Processing       int    `json:"processing"`
	Completed        int    `json:"completed"`
	Failed           int    `json:"failed"`
	OldestPendingAge string `json:"oldest_pending_age,omitempty"`
}

// SessionSnapshot is the JSON response from /api/sessions/{id}.
type SessionSnapshot struct {
	Session *domain.Session       `json:"session"`
	Events  []domain.SessionEvent `json:"events"`
	Storage *domain.StorageQuota  `json:"storage,omitempty"`
}

const maxEventsPerRequest = 500

// Handler holds dependencies for the HTTP handlers.
type Handler struct {
	queue     QueueStatter
	sessions  SessionReader // optional
	worker    WorkerStatus  // optional
	quota     QuotaReporter // optional
	sandboxes SandboxCounter
	startedAt time.Time
	now       func() time.Time
}

// HandlerOption configures optional dependencies.
type HandlerOption func(*Handler)

// WithSessions enables the session endpoints.
func WithSessions(s SessionReader) HandlerOption {
	return func(h *Handler) { h.sessions = s }
}

// WithStorageQuota adds storage usage to session responses.
func WithStorageQuota(q QuotaReporter) HandlerOption {
	return func(h *Handler) { h.quota = q }
}

// WithWorkerStatus reports processing state on /health.
func WithWorkerStatus(w WorkerStatus) HandlerOption {
	return func(h *Handler) { h.worker = w }
}

// NewHandler creates a handler.
func NewHandler(queue QueueStatter, sandboxes SandboxCounter, opts ...HandlerOption) *Handler {
	h := &Handler{queue: queue, sandboxes: sandboxes, startedAt: time.Now(), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes adds routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /api/queue", h.handleAPIQueue)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleAPISession)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := HealthSnapshot{Status: "ok", Uptime: h.now().Sub(h.startedAt).Round(time.Second).String()}
	if h.worker != nil {
		snap.Processing = h.worker.IsProcessing()
		snap.Processed = h.worker.Processed()
	}
	if h.sandboxes != nil {
		snap.ActiveSandboxes = h.sandboxes.ActiveCount()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAPIQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	snap := QueueSnapshot{
		Timestamp:  h.now().Format(time.RFC3339),
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
	}
	if stats.OldestPendingAge > 0 {
		snap.OldestPendingAge = stats.OldestPendingAge.Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAPISession returns a session row and its events. ?after=<event id>
// pages through the log.
func (h *Handler) handleAPISession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, http.StatusNotFound, errors.New("session API disabled"))
		return
	}
	id := r.PathValue("id")
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("after must be a non-negative integer"))
			return
		}
		after = n
	}
	sess, err := h.sessions.GetSession(r.Context(), id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	events, err := h.sessions.ListEvents(r.Context(), id, after, maxEventsPerRequest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []domain.SessionEvent{}
	}
	snap := SessionSnapshot{Session: sess, Events: events}
	if h.quota != nil {
		if q, err := h.quota.StorageQuota(r.Context(), id); err == nil {
			snap.Storage = &q
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
