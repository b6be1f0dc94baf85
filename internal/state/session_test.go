package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/agentmem/internal/types"
)

func TestCreateAndGetSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	sess := &types.Session{
		Namespace: "user-1",
		Role:      "architect",
		Workflow:  "feature",
		Branch:    "feat/login",
		Metadata:  map[string]any{"ticket": "ENG-12"},
	}
	require.NoError(t, db.CreateSession(ctx, sess))
	require.NotEmpty(t, sess.ID)
	require.False(t, sess.StartedAt.IsZero())

	got, err := db.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "architect", got.Role)
	assert.Equal(t, "feature", got.Workflow)
	assert.Equal(t, "feat/login", got.Branch)
	assert.Equal(t, "ENG-12", got.Metadata["ticket"])
	assert.True(t, got.Active())

	st, err := db.GetState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, st.Scratchpad.CurrentTask)
}

func TestGetSessionNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestEndSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sess := newTestSession(t, db, "ns")

	require.NoError(t, db.EndSession(ctx, sess.ID, time.Now()))
	got, err := db.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)

	err = db.EndSession(ctx, sess.ID, time.Now())
	require.ErrorIs(t, err, types.ErrAlreadyEnded)

	err = db.EndSession(ctx, "missing", time.Now())
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestEndSessionConcurrentExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	sess := newTestSession(t, db, "ns")

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		ended     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.EndSession(ctx, sess.ID, time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if errors.Is(err, types.ErrAlreadyEnded) {
				ended++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, ended)
}

func TestListSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, ns := range []string{"a", "a", "b"} {
		sess := &types.Session{Namespace: ns, Role: "coder", StartedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, db.CreateSession(ctx, sess))
		if i == 0 {
			require.NoError(t, db.EndSession(ctx, sess.ID, time.Now()))
		}
	}

	all, err := db.ListSessions(ctx, types.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "b", all[0].Namespace, "newest first")

	a, err := db.ListSessions(ctx, types.SessionFilter{Namespace: "a"})
	require.NoError(t, err)
	assert.Len(t, a, 2)

	active, err := db.ListSessions(ctx, types.SessionFilter{Namespace: "a", ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	limited, err := db.ListSessions(ctx, types.SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestPendingSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ended := newTestSession(t, db, "ns")
	require.NoError(t, db.Append(ctx, &types.Event{SessionID: ended.ID, Type: types.EventUserMessage, Content: "hi"}))
	require.NoError(t, db.EndSession(ctx, ended.ID, time.Now()))

	active := newTestSession(t, db, "ns")
	require.NoError(t, db.Append(ctx, &types.Event{SessionID: active.ID, Type: types.EventUserMessage, Content: "hi"}))

	empty := newTestSession(t, db, "ns")
	require.NoError(t, db.EndSession(ctx, empty.ID, time.Now()))

	pending, err := db.PendingSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ended.ID, pending[0].ID)

	events, err := db.Unprocessed(ctx, ended.ID)
	require.NoError(t, err)
	require.NoError(t, db.MarkProcessed(ctx, ended.ID, []types.EventID{events[0].ID}))

	pending, err = db.PendingSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
