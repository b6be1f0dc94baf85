// Package webhook serves the agent lifecycle hooks and a small read API over
// HTTP.
package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"text/template"

	"github.com/user/agentmem/internal/compaction"
	agentctx "github.com/user/agentmem/internal/context"
	"github.com/user/agentmem/internal/gateway"
	"github.com/user/agentmem/internal/handoff"
	"github.com/user/agentmem/internal/retrieval"
	"github.com/user/agentmem/internal/sessionlog"
	"github.com/user/agentmem/internal/types"
)

// Deps are the services the server exposes.
type Deps struct {
	Gateway   *gateway.Gateway
	Builder   *agentctx.Builder
	Retriever *retrieval.Retriever
	Handoff   *handoff.Protocol
	// Compactor is optional; without it the compaction route returns 501.
	Compactor *compaction.Engine
	Limits    agentctx.Limits
	// Prompt renders format=messages; nil uses the built-in template.
	Prompt *template.Template
}

// Server is a lightweight HTTP handler for hook and API endpoints.
type Server struct {
	deps   Deps
	log    *sessionlog.Log
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates a Server over deps.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		log:    deps.Gateway.Log(),
		mux:    http.NewServeMux(),
		logger: slog.Default().With("component", "http"),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /hooks/session-start", s.handleSessionStart)
	s.mux.HandleFunc("POST /hooks/tool-call", s.handleToolCall)
	s.mux.HandleFunc("POST /hooks/event", s.handleEvent)
	s.mux.HandleFunc("POST /hooks/gate-passed", s.handleGatePassed)
	s.mux.HandleFunc("POST /hooks/session-end", s.handleSessionEnd)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	s.mux.HandleFunc("GET /api/sessions/{id}/state", s.handleGetState)
	s.mux.HandleFunc("PATCH /api/sessions/{id}/state", s.handleUpdateState)
	s.mux.HandleFunc("GET /api/sessions/{id}/context", s.handleContext)
	s.mux.HandleFunc("GET /api/sessions/{id}/compaction", s.handleCompaction)
	s.mux.HandleFunc("GET /api/sessions/{id}/handoff", s.handleGetHandoff)
	s.mux.HandleFunc("POST /api/sessions/{id}/handoff", s.handleCreateHandoff)
	s.mux.HandleFunc("POST /api/sessions/{id}/handoff/consume", s.handleConsumeHandoff)
	s.mux.HandleFunc("GET /api/memories", s.handleMemories)
	s.mux.HandleFunc("GET /api/chatmode/next", s.handleNextChatmode)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyEnded), errors.Is(err, types.ErrSequenceConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, types.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if q := r.URL.Query().Get(key); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func pathSession(r *http.Request) types.SessionID {
	return types.SessionID(r.PathValue("id"))
}
