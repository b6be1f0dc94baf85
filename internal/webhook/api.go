package webhook

import (
	"net/http"
	"strconv"

	"github.com/user/agentmem/internal/compaction"
	agentctx "github.com/user/agentmem/internal/context"
	"github.com/user/agentmem/internal/handoff"
	"github.com/user/agentmem/internal/retrieval"
	"github.com/user/agentmem/internal/sessionlog"
	"github.com/user/agentmem/internal/types"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := s.log.ListSessions(r.Context(), types.SessionFilter{
		Namespace:  q.Get("namespace"),
		ActiveOnly: q.Get("active") == "true",
		Limit:      queryInt(r, "limit", 100),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.log.GetSession(r.Context(), pathSession(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	var filter []types.EventType
	for _, t := range r.URL.Query()["type"] {
		filter = append(filter, types.EventType(t))
	}
	events, err := s.log.GetRecentEvents(r.Context(), pathSession(r), queryInt(r, "limit", 200), filter...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := s.log.GetState(r.Context(), pathSession(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	mode, err := sessionlog.ParseUpdateMode(r.URL.Query().Get("mode"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var patch types.Scratchpad
	if !decode(w, r, &patch) {
		return
	}
	st, err := s.log.UpdateState(r.Context(), pathSession(r), patch, mode)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	id := pathSession(r)
	sess, err := s.log.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	built, err := s.deps.Builder.Build(r.Context(), agentctx.TurnInput{
		SessionID: id,
		Namespace: sess.Namespace,
		Message:   r.URL.Query().Get("message"),
	}, s.deps.Limits)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "messages" {
		msgs, err := built.Messages(s.deps.Prompt)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msgs)
		return
	}
	writeJSON(w, http.StatusOK, built)
}

type handoffRequest struct {
	FromRole string               `json:"from_role"`
	ToRole   string               `json:"to_role"`
	Workflow string               `json:"workflow"`
	Summary  string               `json:"summary"`
	Context  types.HandoffContext `json:"context"`
}

func (s *Server) handleCreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if !decode(w, r, &req) {
		return
	}
	h, err := s.deps.Handoff.CreateHandoff(r.Context(), handoff.Request{
		SessionID: pathSession(r),
		FromRole:  req.FromRole,
		ToRole:    req.ToRole,
		Workflow:  req.Workflow,
		Context:   req.Context,
		Summary:   req.Summary,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleGetHandoff(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Handoff.GetPendingHandoff(r.Context(), pathSession(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if h == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleConsumeHandoff(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Handoff.ConsumeHandoff(r.Context(), pathSession(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if h == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ns := q.Get("namespace")
	if ns == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "namespace is required"})
		return
	}
	var cat types.Category
	if c := q.Get("category"); c != "" {
		parsed, err := types.ParseCategory(c)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		cat = parsed
	}
	noTouch := false
	mems, err := s.deps.Retriever.Retrieve(r.Context(), retrieval.Query{
		Namespace:   ns,
		Text:        q.Get("q"),
		Category:    cat,
		Limit:       queryInt(r, "limit", 0),
		UpdateUsage: &noTouch,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if mems == nil {
		mems = []retrieval.ScoredMemory{}
	}
	writeJSON(w, http.StatusOK, mems)
}

func (s *Server) handleNextChatmode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var gate int
	if g := q.Get("gate"); g != "" {
		n, err := strconv.Atoi(g)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "gate must be an integer"})
			return
		}
		gate = n
	}
	next, ok := s.deps.Handoff.NextChatmode(q.Get("workflow"), q.Get("role"), gate)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"next_role": next})
}

// handleCompaction previews compaction over the full session history. The
// stored log is never rewritten.
func (s *Server) handleCompaction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Compactor == nil {
		http.Error(w, "compaction not configured", http.StatusNotImplemented)
		return
	}
	events, err := s.log.Events(r.Context(), pathSession(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var res *compaction.Result
	if name := r.URL.Query().Get("strategy"); name != "" {
		strategy, perr := compaction.ParseStrategy(name)
		if perr != nil {
			s.fail(w, r, perr)
			return
		}
		res, err = s.deps.Compactor.Apply(r.Context(), strategy, events)
	} else {
		res, err = s.deps.Compactor.CompactIfNeeded(r.Context(), events)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
