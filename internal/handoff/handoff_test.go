package handoff

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/agentmem/internal/sessionlog"
	"github.com/user/agentmem/internal/state"
	"github.com/user/agentmem/internal/types"
)

func newTestProtocol(t *testing.T) (*Protocol, *sessionlog.Log) {
	t.Helper()
	db, err := state.Open(context.Background(), state.Options{Path: filepath.Join(t.TempDir(), "handoff.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	log := sessionlog.New(db, nil)
	return New(log, nil, nil), log
}

func TestDefaultTable(t *testing.T) {
	tbl := DefaultTable()

	to, ok := tbl.Next("feature", "architect", 2)
	require.True(t, ok)
	assert.Equal(t, "coder", to)

	_, ok = tbl.Next("feature", "architect", 3)
	assert.False(t, ok)

	_, ok = tbl.Next("unknown", "architect", 2)
	assert.False(t, ok)

	to, ok = tbl.Next("refactor-auth", "coder", 7)
	require.True(t, ok, "pattern with any-gate wildcard")
	assert.Equal(t, "reviewer", to)
}

func TestParseTablePrefersExact(t *testing.T) {
	tbl, err := ParseTable([]byte(`
transitions:
  - workflow: "hotfix-*"
    from: coder
    gate: 0
    to: reviewer
  - workflow: hotfix-db
    from: coder
    gate: 1
    to: dba
  - workflow: "hotfix-*"
    from: coder
    gate: 2
    to: qa
`))
	require.NoError(t, err)

	to, ok := tbl.Next("hotfix-db", "coder", 1)
	require.True(t, ok)
	assert.Equal(t, "dba", to)

	to, ok = tbl.Next("hotfix-ui", "coder", 2)
	require.True(t, ok)
	assert.Equal(t, "qa", to, "exact gate beats wildcard gate")

	to, ok = tbl.Next("hotfix-ui", "coder", 5)
	require.True(t, ok)
	assert.Equal(t, "reviewer", to)

	assert.Len(t, tbl.Transitions(), 3)
}

func TestParseTableInvalid(t *testing.T) {
	_, err := ParseTable([]byte("transitions:\n  - workflow: x\n    from: a\n"))
	require.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = ParseTable([]byte("transitions: [::"))
	require.Error(t, err)
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transitions:\n  - {workflow: w, from: a, gate: 1, to: b}\n"), 0o644))
	tbl, err := LoadTable(path)
	require.NoError(t, err)
	to, ok := tbl.Next("w", "a", 1)
	require.True(t, ok)
	assert.Equal(t, "b", to)

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestCreateAndConsumeHandoff(t *testing.T) {
	p, log := newTestProtocol(t)
	ctx := context.Background()

	sess, err := log.CreateSession(ctx, sessionlog.CreateParams{Role: "architect", Namespace: "ns", Workflow: "feature"})
	require.NoError(t, err)
	_, err = log.UpdateState(ctx, sess.ID, types.Scratchpad{SpecFile: "specs/login.md"}, sessionlog.Merge)
	require.NoError(t, err)
	_, err = log.MarkGatePassed(ctx, sess.ID, 2, "")
	require.NoError(t, err)

	h, err := p.CreateHandoff(ctx, Request{
		SessionID: sess.ID,
		FromRole:  "architect",
		Context:   types.HandoffContext{Decisions: []string{"use JWT"}},
		Summary:   "design done",
	})
	require.NoError(t, err)
	assert.Equal(t, "coder", h.ToRole, "derived from the transition table")
	assert.Equal(t, "feature", h.Workflow)
	assert.Equal(t, "specs/login.md", h.Context.SpecFile)
	assert.Equal(t, []int{2}, h.Context.GatesPassed)

	events, err := log.GetRecentEvents(ctx, sess.ID, 1, types.EventSystem)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Content, "architect to coder")

	peek, err := p.GetPendingHandoff(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, peek)
	assert.Equal(t, []string{"use JWT"}, peek.Context.Decisions)

	got, err := p.ConsumeHandoff(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "design done", got.Summary)

	again, err := p.ConsumeHandoff(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, again, "read once")
}

func TestConsumeHandoffConcurrentReadOnce(t *testing.T) {
	p, log := newTestProtocol(t)
	ctx := context.Background()
	sess, err := log.CreateSession(ctx, sessionlog.CreateParams{Role: "coder", Namespace: "ns"})
	require.NoError(t, err)
	_, err = p.CreateHandoff(ctx, Request{SessionID: sess.ID, FromRole: "coder", ToRole: "reviewer"})
	require.NoError(t, err)

	const n = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		got  int
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.ConsumeHandoff(ctx, sess.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if h != nil {
				got++
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, errs)
	assert.Equal(t, 1, got)
}

func TestCreateHandoffOnEndedSession(t *testing.T) {
	p, log := newTestProtocol(t)
	ctx := context.Background()
	sess, err := log.CreateSession(ctx, sessionlog.CreateParams{Role: "coder", Namespace: "ns"})
	require.NoError(t, err)
	require.NoError(t, log.EndSession(ctx, sess.ID))

	h, err := p.CreateHandoff(ctx, Request{SessionID: sess.ID, FromRole: "coder", ToRole: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, "reviewer", h.ToRole)

	n, err := log.EventCount(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "no event is logged for an ended session")

	pending, err := p.GetPendingHandoff(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
}

func TestCreateHandoffErrors(t *testing.T) {
	p, log := newTestProtocol(t)
	ctx := context.Background()

	_, err := p.CreateHandoff(ctx, Request{SessionID: "missing", FromRole: "coder", ToRole: "x"})
	require.ErrorIs(t, err, types.ErrNotFound)

	sess, err := log.CreateSession(ctx, sessionlog.CreateParams{Role: "coder", Namespace: "ns", Workflow: "nowhere"})
	require.NoError(t, err)

	_, err = p.CreateHandoff(ctx, Request{SessionID: sess.ID})
	require.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = p.CreateHandoff(ctx, Request{SessionID: sess.ID, FromRole: "coder"})
	require.ErrorIs(t, err, types.ErrInvalidInput, "no transition to derive the target role")

	pending, err := p.GetPendingHandoff(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestNextChatmode(t *testing.T) {
	p := New(nil, nil, nil)
	to, ok := p.NextChatmode("bugfix", "debugger", 1)
	require.True(t, ok)
	assert.Equal(t, "coder", to)
	_, ok = p.NextChatmode("bugfix", "debugger", 9)
	assert.False(t, ok)
}
