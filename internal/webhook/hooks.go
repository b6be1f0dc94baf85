package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/user/agentmem/internal/gateway"
	"github.com/user/agentmem/internal/sessionlog"
	"github.com/user/agentmem/internal/types"
)

type sessionStartRequest struct {
	Role      string         `json:"role"`
	Namespace string         `json:"namespace"`
	Workflow  string         `json:"workflow"`
	Skill     string         `json:"skill"`
	Branch    string         `json:"branch"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.deps.Gateway.SessionStart(r.Context(), sessionlog.CreateParams{
		Role:      req.Role,
		Namespace: req.Namespace,
		Workflow:  req.Workflow,
		Skill:     req.Skill,
		Branch:    req.Branch,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type toolCallRequest struct {
	SessionID types.SessionID `json:"session_id"`
	gateway.ToolCall
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if !decode(w, r, &req) {
		return
	}
	events, err := s.deps.Gateway.LogToolCall(r.Context(), req.SessionID, req.ToolCall)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, events)
}

type eventRequest struct {
	SessionID types.SessionID `json:"session_id"`
	Type      types.EventType `json:"type"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decode(w, r, &req) {
		return
	}
	ev, err := s.deps.Gateway.RecordEvent(r.Context(), req.SessionID, req.Type, req.Role, req.Content, req.Payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type gateRequest struct {
	SessionID types.SessionID `json:"session_id"`
	Gate      int             `json:"gate"`
	Details   string          `json:"details"`
}

func (s *Server) handleGatePassed(w http.ResponseWriter, r *http.Request) {
	var req gateRequest
	if !decode(w, r, &req) {
		return
	}
	ev, err := s.deps.Gateway.GatePassed(r.Context(), req.SessionID, req.Gate, req.Details)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type sessionEndRequest struct {
	SessionID types.SessionID `json:"session_id"`
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	var req sessionEndRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := s.deps.Gateway.SessionEnd(r.Context(), req.SessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": string(req.SessionID),
		"job_id":     string(job.ID),
	})
}
