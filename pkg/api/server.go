package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voxbatch/voxbatch/pkg/logging"
	"github.com/voxbatch/voxbatch/pkg/metrics"
	"github.com/voxbatch/voxbatch/pkg/models"
	"github.com/voxbatch/voxbatch/pkg/progress"
	"github.com/voxbatch/voxbatch/pkg/scheduler"
)

// Handler exposes the batch core over HTTP
type Handler struct {
	scheduler *scheduler.Scheduler
	tracker   *progress.Tracker
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// NewHandler creates an API handler
func NewHandler(sched *scheduler.Scheduler, tracker *progress.Tracker, m *metrics.Metrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Handler{
		scheduler: sched,
		tracker:   tracker,
		metrics:   m,
		logger:    logger,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	r.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	r.HandleFunc("/sessions/{id}/cancel", h.CancelSession).Methods("POST")
	r.HandleFunc("/sessions/{id}/progress", h.GetProgress).Methods("GET")
	r.HandleFunc("/sessions/{id}/events", h.StreamEvents).Methods("GET")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
}

// CreateSessionRequest is the POST /sessions payload
type CreateSessionRequest struct {
	Name string           `json:"name"`
	Jobs []models.JobSpec `json:"jobs"`
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	sessionID, err := h.scheduler.Submit(req.Name, req.Jobs)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoJobs) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"id": sessionID})
}

// ListSessions handles GET /sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scheduler.Sessions())
}

// GetSession handles GET /sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := h.scheduler.Status(id)
	if err != nil {
		if errors.Is(err, scheduler.ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// CancelSession handles POST /sessions/{id}/cancel
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled := h.scheduler.Cancel(id)
	h.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// GetProgress handles GET /sessions/{id}/progress
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.scheduler.Status(id); err != nil {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.writeJSON(w, http.StatusOK, h.tracker.Snapshot(id))
}

// StreamEvents handles GET /sessions/{id}/events as Server-Sent Events.
// Delivery is best-effort; slow consumers miss dropped events and can
// recover state from GET /sessions/{id}/progress.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.scheduler.Status(id); err != nil {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := h.tracker.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
