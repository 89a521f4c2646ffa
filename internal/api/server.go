// Package api provides the admin HTTP server: health, status, the
// model-in-use reference signal and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/disk"
	"github.com/990248516/sd-modelsync/internal/events"
	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/metrics"
	"github.com/990248516/sd-modelsync/internal/refs"
	"github.com/990248516/sd-modelsync/internal/storage"
	"github.com/990248516/sd-modelsync/internal/syncer"
)

// Server is the HTTP server.
type Server struct {
	syncers     map[category.Category]*syncer.Syncer
	order       []category.Category
	guard       *disk.Guard
	broadcaster *events.Broadcaster
}

// NewServer creates a new server.
func NewServer(syncers []*syncer.Syncer, guard *disk.Guard, broadcaster *events.Broadcaster) *Server {
	s := &Server{
		syncers:     make(map[category.Category]*syncer.Syncer, len(syncers)),
		guard:       guard,
		broadcaster: broadcaster,
	}
	for _, sy := range syncers {
		s.syncers[sy.Category()] = sy
		s.order = append(s.order, sy.Category())
	}
	return s
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/refs/{category}", s.handleRefs)
	mux.HandleFunc("POST /api/v1/refs/{category}/acquire", s.handleAcquire)
	mux.HandleFunc("POST /api/v1/refs/{category}/release", s.handleRelease)
	mux.HandleFunc("POST /api/v1/sync/{category}", s.handleSync)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/log-level", s.handleGetLogLevel)
	mux.HandleFunc("PUT /api/v1/log-level", s.handleSetLogLevel)

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Status ─────────────────────────────────────────────────────────────────

// CategoryStatus is the state of one category.
type CategoryStatus struct {
	Category        string         `json:"category"`
	Prefix          string         `json:"prefix"`
	Dir             string         `json:"dir"`
	ManifestEntries int            `json:"manifest_entries"`
	ManifestError   string         `json:"manifest_error,omitempty"`
	Refs            []refs.Entry   `json:"refs"`
	LastCycle       *syncer.Report `json:"last_cycle,omitempty"`
}

// Status is the response of GET /api/v1/status.
type Status struct {
	Categories  []CategoryStatus `json:"categories"`
	Disk        *disk.Snapshot   `json:"disk,omitempty"`
	DiskError   string           `json:"disk_error,omitempty"`
	ReserveGiB  float64          `json:"reserve_gib"`
	Subscribers int              `json:"subscribers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	for _, c := range s.order {
		sy := s.syncers[c]
		cs := CategoryStatus{
			Category: c.Slug(),
			Prefix:   sy.Prefix(),
			Dir:      sy.Dir(),
			Refs:     sy.Table().Snapshot(),
		}
		rec, err := sy.Manifest()
		if err != nil {
			cs.ManifestError = err.Error()
		}
		cs.ManifestEntries = len(rec)
		if last, ok := sy.LastReport(); ok {
			cs.LastCycle = &last
		}
		st.Categories = append(st.Categories, cs)
	}

	if s.guard != nil {
		st.ReserveGiB = s.guard.ReserveGiB()
		if snap, err := s.guard.Snapshot(); err != nil {
			st.DiskError = err.Error()
		} else {
			st.Disk = &snap
		}
	}
	if s.broadcaster != nil {
		st.Subscribers = s.broadcaster.Count()
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Reference counts ───────────────────────────────────────────────────────

func (s *Server) syncerFor(w http.ResponseWriter, r *http.Request) (*syncer.Syncer, bool) {
	c, err := category.Parse(r.PathValue("category"))
	if err != nil {
		s.sendError(w, r, http.StatusNotFound, err.Error())
		return nil, false
	}
	sy, ok := s.syncers[c]
	if !ok {
		s.sendError(w, r, http.StatusNotFound, fmt.Sprintf("category %s is not synced", c))
		return nil, false
	}
	return sy, true
}

func (s *Server) handleRefs(w http.ResponseWriter, r *http.Request) {
	sy, ok := s.syncerFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sy.Table().Snapshot())
}

// RefRequest is the body of the acquire and release endpoints.
type RefRequest struct {
	Identifier string `json:"identifier"`
}

// RefResponse reports the count after an acquire or release.
type RefResponse struct {
	Identifier string `json:"identifier"`
	Count      int    `json:"count"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	s.changeRef(w, r, (*refs.Table).Acquire)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.changeRef(w, r, (*refs.Table).Release)
}

func (s *Server) changeRef(w http.ResponseWriter, r *http.Request, op func(*refs.Table, string) (int, error)) {
	sy, ok := s.syncerFor(w, r)
	if !ok {
		return
	}

	var req RefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identifier == "" {
		s.sendError(w, r, http.StatusBadRequest, "identifier is required")
		return
	}

	count, err := op(sy.Table(), req.Identifier)
	if err != nil {
		s.sendError(w, r, http.StatusNotFound, err.Error())
		return
	}
	logging.FromContext(r.Context()).Debug("reference count changed",
		zap.String("category", sy.Category().Slug()),
		zap.String("identifier", req.Identifier),
		zap.Int("count", count),
	)
	writeJSON(w, http.StatusOK, RefResponse{Identifier: req.Identifier, Count: count})
}

// ─── Manual sync ────────────────────────────────────────────────────────────

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sy, ok := s.syncerFor(w, r)
	if !ok {
		return
	}
	// A client hanging up must not interrupt a cycle that is already
	// changing the disk.
	report, err := sy.RunCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, storage.ErrRemoteUnavailable) {
			code = http.StatusBadGateway
		}
		s.sendError(w, r, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, r, http.StatusServiceUnavailable, "events disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Log level ──────────────────────────────────────────────────────────────

// LogLevel is the body of the log-level endpoints.
type LogLevel struct {
	Level string `json:"level"`
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LogLevel{Level: logging.Level()})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevel
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := logging.SetLevel(req.Level); err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	logging.FromContext(r.Context()).Info("log level changed", zap.String("level", logging.Level()))
	writeJSON(w, http.StatusOK, LogLevel{Level: logging.Level()})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Code: code, RequestID: logging.RequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
