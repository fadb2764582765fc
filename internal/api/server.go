// Package api implements the thin, read-mostly admin HTTP surface:
// line status, active-call snapshots, and system configuration,
// directly modeled on the teacher's chi.Router mounting and
// key/value config handlers but stripped to the six endpoints this
// pipeline actually needs (no auth, no SPA, no IVR/flow/voicemail
// management — those subsystems do not exist in this spec).
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/flowpbx/voicebridge/internal/database"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server holds the admin API's dependencies and chi router. It talks
// directly to the shared sqlite database the gateway writes to, the
// same read-mostly relationship the teacher's api.Server has with its
// database handle.
type Server struct {
	router *chi.Mux
	lines  database.SIPLineRepository
	calls  database.CallRepository
	config database.SystemConfigRepository
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(lines database.SIPLineRepository, calls database.CallRepository, config database.SystemConfigRepository, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		lines:  lines,
		calls:  calls,
		config: config,
		logger: logger.With("subsystem", "api"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.structuredLogger)
	r.Use(s.recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/lines", s.handleListLines)
		r.Post("/lines/{id}/enable", s.handleSetLineEnabled(true))
		r.Post("/lines/{id}/disable", s.handleSetLineEnabled(false))

		r.Get("/calls", s.handleActiveCalls)
		r.Get("/calls/{id}", s.handleGetCall)

		r.Get("/config/{key}", s.handleGetConfig)
		r.Put("/config/{key}", s.handleSetConfig)
	})

	s.logger.Info("api routes mounted")
}

// structuredLogger logs each request with request id, method, path,
// status, and duration, matching the teacher's StructuredLogger.
func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Info("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// recoverer recovers from panics, logs the stack, and returns a 500,
// matching the teacher's Recoverer.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					"request_id", chimw.GetReqID(r.Context()),
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(envelope{Error: "internal server error"}) //nolint:errcheck
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListLines(w http.ResponseWriter, r *http.Request) {
	lines, err := s.lines.ListAll(r.Context())
	if err != nil {
		s.logger.Error("listing lines failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleSetLineEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid line id")
			return
		}
		if err := s.lines.SetEnabled(r.Context(), id, enabled); err != nil {
			s.logger.Error("setting line enabled failed", "line_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"line_id": id, "enabled": enabled})
	}
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := s.calls.ListActive(r.Context())
	if err != nil {
		s.logger.Error("listing active calls failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}
	call, err := s.calls.GetByID(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("getting call failed", "call_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.config.Get(r.Context(), key)
	if err != nil {
		s.logger.Error("getting config failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.config.Set(r.Context(), key, req.Value); err != nil {
		s.logger.Error("setting config failed", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}
