package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Router builds the control surface's HTTP mux: the five REST operations
// plus the WebSocket subscription endpoint, per the enumerated External
// Interfaces.
func (m *Manager) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", m.handleCreate)
	mux.HandleFunc("POST /sessions/{id}/start", m.handleStart)
	mux.HandleFunc("POST /sessions/{id}/stop", m.handleStop)
	mux.HandleFunc("GET /sessions/{id}/status", m.handleStatus)
	mux.HandleFunc("GET /sessions/{id}/export/openapi", m.handleExportOpenAPI)
	mux.HandleFunc("GET /sessions/{id}/export/markdown", m.handleExportMarkdown)
	mux.HandleFunc("GET /sessions/{id}/export/json", m.handleExportJSON)
	mux.HandleFunc("GET /sessions/{id}/events", m.handleEvents)
	return withRequestLog(mux)
}

// statusRecorder captures the status code a handler wrote so the request
// log line can report it; http.ResponseWriter has no getter of its own.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestLog wraps the control-surface mux with structured request
// logging: method, path, session id (when present in the path), status, and
// latency, one JSON line per request.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("control surface request",
			"method", r.Method,
			"path", r.URL.Path,
			"session_id", r.PathValue("id"),
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (m *Manager) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := m.CreateSession(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (m *Manager) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.StartExploration(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (m *Manager) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.StopExploration(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopped"})
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := m.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (m *Manager) handleExportOpenAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	minConfidence := 0.0
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minConfidence = f
		}
	}
	doc, err := m.ExportOpenAPI(id, minConfidence)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (m *Manager) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	md, err := m.ExportMarkdown(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = strings.NewReader(md).WriteTo(w)
}

func (m *Manager) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, err := m.ExportJSON(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (m *Manager) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.ServeEvents(id, w, r); err != nil {
		writeError(w, http.StatusNotFound, err)
	}
}
