package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/agentmem/internal/compaction"
	agentctx "github.com/user/agentmem/internal/context"
	"github.com/user/agentmem/internal/gateway"
	"github.com/user/agentmem/internal/handoff"
	"github.com/user/agentmem/internal/memorygen"
	"github.com/user/agentmem/internal/retrieval"
	"github.com/user/agentmem/internal/sessionlog"
	"github.com/user/agentmem/internal/state"
	"github.com/user/agentmem/internal/types"
)

type testEnv struct {
	srv *Server
	gw  *gateway.Gateway
	db  *state.DB
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := state.Open(ctx, state.Options{Path: filepath.Join(t.TempDir(), "api.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	log := sessionlog.New(db, nil)
	pipeline, err := memorygen.New(db, memorygen.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	retriever, err := retrieval.New(db, retrieval.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	gw := gateway.New(log, pipeline)
	gw.Start(ctx)
	t.Cleanup(gw.Stop)

	compactor, err := compaction.New(compaction.Config{
		MaxTurns:          2,
		TokenBudget:       8000,
		CharsPerToken:     4,
		KeepRecentTurns:   1,
		SummaryTargetSize: 200,
	}, compaction.ExtractiveSummarizer{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(Deps{
		Gateway:   gw,
		Compactor: compactor,
		Builder:   agentctx.New(log, retriever),
		Retriever: retriever,
		Handoff:   handoff.New(log, nil, nil),
		Limits:    agentctx.DefaultLimits(),
	})
	return &testEnv{srv: srv, gw: gw, db: db}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func (e *testEnv) startSession(t *testing.T) types.SessionID {
	t.Helper()
	w := e.do(t, http.MethodPost, "/hooks/session-start", `{"role":"planner","namespace":"proj","workflow":"feature"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sess types.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	return sess.ID
}

func TestHealthEndpoint(t *testing.T) {
	env := setupServer(t)
	w := env.do(t, http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestHooksLifecycle(t *testing.T) {
	env := setupServer(t)
	id := env.startSession(t)

	w := env.do(t, http.MethodPost, "/hooks/event",
		`{"session_id":"`+string(id)+`","type":"user_message","role":"user","content":"We decided to use PostgreSQL for storage and queries."}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("event: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/hooks/tool-call",
		`{"session_id":"`+string(id)+`","tool":"bash","input":{"cmd":"ls"},"output":"main.go"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("tool-call: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/hooks/gate-passed", `{"session_id":"`+string(id)+`","gate":1}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("gate: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+string(id)+"/events", "")
	var events []*types.Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}

	w = env.do(t, http.MethodPost, "/hooks/session-end", `{"session_id":"`+string(id)+`"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("end: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if !env.gw.Queue.WaitIdle(5 * time.Second) {
		t.Fatal("pipeline did not finish")
	}

	w = env.do(t, http.MethodPost, "/hooks/session-end", `{"session_id":"`+string(id)+`"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second end: expected 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/hooks/event",
		`{"session_id":"`+string(id)+`","type":"user_message","content":"late"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("append after end: expected 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/memories?namespace=proj&q=postgresql", "")
	if w.Code != http.StatusOK {
		t.Fatalf("memories: expected 200, got %d", w.Code)
	}
	var mems []retrieval.ScoredMemory
	if err := json.NewDecoder(w.Body).Decode(&mems); err != nil {
		t.Fatal(err)
	}
	if len(mems) == 0 {
		t.Fatal("expected a memory generated from the session")
	}
	if !strings.Contains(strings.ToLower(mems[0].Memory.Content), "postgresql") {
		t.Errorf("unexpected memory %q", mems[0].Memory.Content)
	}
}

func TestErrorMapping(t *testing.T) {
	env := setupServer(t)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/sessions/missing", "", http.StatusNotFound},
		{http.MethodPost, "/hooks/session-end", `{"session_id":"missing"}`, http.StatusNotFound},
		{http.MethodPost, "/hooks/session-start", `{"role":"coder"}`, http.StatusBadRequest},
		{http.MethodPost, "/hooks/session-start", `not json`, http.StatusBadRequest},
		{http.MethodPost, "/hooks/event", `{"session_id":"x","type":"bogus"}`, http.StatusBadRequest},
		{http.MethodGet, "/api/memories", "", http.StatusBadRequest},
		{http.MethodGet, "/api/memories?namespace=p&category=gossip", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		w := env.do(t, tc.method, tc.path, tc.body)
		if w.Code != tc.want {
			t.Errorf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestContextEndpoint(t *testing.T) {
	env := setupServer(t)
	id := env.startSession(t)
	env.do(t, http.MethodPost, "/hooks/event", `{"session_id":"`+string(id)+`","type":"user_message","role":"user","content":"hello"}`)
	env.do(t, http.MethodPatch, "/api/sessions/"+string(id)+"/state", `{"current_task":"write the plan"}`)

	w := env.do(t, http.MethodGet, "/api/sessions/"+string(id)+"/context?message=plan", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var built struct {
		History    []*types.Event   `json:"history"`
		Scratchpad types.Scratchpad `json:"scratchpad"`
		Partial    []string         `json:"partial"`
	}
	if err := json.NewDecoder(w.Body).Decode(&built); err != nil {
		t.Fatal(err)
	}
	if len(built.History) != 1 || built.History[0].Content != "hello" {
		t.Errorf("unexpected history %+v", built.History)
	}
	if built.Scratchpad.CurrentTask != "write the plan" {
		t.Errorf("expected scratchpad task, got %q", built.Scratchpad.CurrentTask)
	}
	if len(built.Partial) != 0 {
		t.Errorf("expected complete context, partial=%v", built.Partial)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+string(id)+"/context?format=messages", "")
	var msgs []map[string]string
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0]["role"] != "system" {
		t.Errorf("unexpected messages %v", msgs)
	}
}

func TestHandoffEndpoints(t *testing.T) {
	env := setupServer(t)
	id := env.startSession(t)
	env.do(t, http.MethodPost, "/hooks/gate-passed", `{"session_id":"`+string(id)+`","gate":1}`)

	w := env.do(t, http.MethodPost, "/api/sessions/"+string(id)+"/handoff", `{"from_role":"planner","summary":"plan ready"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var h types.Handoff
	if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.ToRole != "architect" {
		t.Errorf("expected architect from the transition table, got %q", h.ToRole)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+string(id)+"/handoff", "")
	if w.Code != http.StatusOK {
		t.Errorf("peek: expected 200, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/sessions/"+string(id)+"/handoff/consume", "")
	if w.Code != http.StatusOK {
		t.Errorf("consume: expected 200, got %d", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/sessions/"+string(id)+"/handoff/consume", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("second consume: expected 204, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/chatmode/next?workflow=feature&role=coder&gate=3", "")
	var next map[string]string
	if err := json.NewDecoder(w.Body).Decode(&next); err != nil {
		t.Fatal(err)
	}
	if next["next_role"] != "reviewer" {
		t.Errorf("expected reviewer, got %v", next)
	}
	w = env.do(t, http.MethodGet, "/api/chatmode/next?workflow=unknown&role=coder&gate=3", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("unknown workflow: expected 204, got %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	env := setupServer(t)
	env.startSession(t)
	env.startSession(t)

	w := env.do(t, http.MethodGet, "/api/sessions?namespace=proj&active=true", "")
	var sessions []*types.Session
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestCompactionEndpoint(t *testing.T) {
	env := setupServer(t)
	id := env.startSession(t)
	for _, msg := range []string{"First request.", "Second request.", "Third request."} {
		w := env.do(t, http.MethodPost, "/hooks/event",
			`{"session_id":"`+string(id)+`","type":"user_message","role":"user","content":"`+msg+`"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("event: expected 201, got %d", w.Code)
		}
	}

	w := env.do(t, http.MethodGet, "/api/sessions/"+string(id)+"/compaction", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res compaction.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Strategy != compaction.StrategySlidingWindow {
		t.Errorf("expected sliding_window, got %s", res.Strategy)
	}
	if res.TurnsBefore != 3 || res.TurnsAfter != 2 {
		t.Errorf("expected 3 -> 2 turns, got %d -> %d", res.TurnsBefore, res.TurnsAfter)
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+string(id)+"/compaction?strategy=none", "")
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Strategy != compaction.StrategyNone || len(res.Events) != 3 {
		t.Errorf("expected untouched history, got %s with %d events", res.Strategy, len(res.Events))
	}

	w = env.do(t, http.MethodGet, "/api/sessions/"+string(id)+"/compaction?strategy=shrink", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown strategy, got %d", w.Code)
	}

	// The stored log is unchanged.
	w = env.do(t, http.MethodGet, "/api/sessions/"+string(id)+"/events", "")
	var events []*types.Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 stored events, got %d", len(events))
	}

	for _, path := range []string{"/api/sessions/missing/compaction", "/api/sessions/missing/events"} {
		if w := env.do(t, http.MethodGet, path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}
