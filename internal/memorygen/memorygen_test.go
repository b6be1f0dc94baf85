package memorygen

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/agentmem/internal/state"
	"github.com/user/agentmem/internal/types"
)

func newTestStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(context.Background(), state.Options{Path: filepath.Join(t.TempDir(), "mem.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNormalizeAndJaccard(t *testing.T) {
	assert.Equal(t, "use postgresql for storage", Normalize("  Use PostgreSQL, for storage! "))
	assert.Equal(t, 1.0, Jaccard("", ""))
	assert.Equal(t, 1.0, Jaccard("A b", "b, a."))
	assert.Zero(t, Jaccard("alpha", "beta"))
	assert.InDelta(t, 6.0/7.0, Jaccard(
		"Use PostgreSQL for storage and queries",
		"Use PostgreSQL for the storage and queries"), 1e-9)
}

func TestDedupNearDuplicates(t *testing.T) {
	cands := []types.CandidateMemory{
		{Content: "Use PostgreSQL for storage and queries", Category: types.CategoryFacts, Confidence: 0.6, Lineage: []types.EventID{"e1"}},
		{Content: "Use PostgreSQL for the storage and queries", Category: types.CategoryFacts, Confidence: 0.7, Lineage: []types.EventID{"e2"}},
		{Content: "Never commit secrets to the repository", Category: types.CategoryRules, Lineage: []types.EventID{"e3"}},
		{Content: "  ...  "},
	}
	out := Dedup(cands, 0.8)
	require.Len(t, out, 2)
	assert.Equal(t, "Use PostgreSQL for storage and queries", out[0].Content)
	assert.Equal(t, []types.EventID{"e1", "e2"}, out[0].Lineage)
	assert.Equal(t, 0.7, out[0].Confidence)
	assert.Equal(t, []types.EventID{"e1"}, cands[0].Lineage, "input is not modified")
}

func TestPatternExtractor(t *testing.T) {
	events := []*types.Event{
		{ID: "e1", Type: types.EventUserMessage, Content: "Never push directly to main. I prefer small pull requests."},
		{ID: "e2", Type: types.EventModelMessage, Content: "Understood. We decided to use PostgreSQL for storage and queries."},
		{ID: "e3", Type: types.EventToolCall, Content: "Never run rm -rf on the home directory"},
		{ID: "e4", Type: types.EventUserMessage, Content: "ok thanks"},
	}
	cands, err := PatternExtractor{}.Extract(context.Background(), events, nil)
	require.NoError(t, err)
	require.Len(t, cands, 3)

	assert.Equal(t, "Never push directly to main", cands[0].Content)
	assert.Equal(t, types.CategoryRules, cands[0].Category)
	assert.Equal(t, []string{"prohibition"}, cands[0].Tags)
	assert.Equal(t, types.CategoryPreferences, cands[1].Category)
	assert.Equal(t, types.CategoryFacts, cands[2].Category)
	assert.Equal(t, []types.EventID{"e2"}, cands[2].Lineage)
	for _, c := range cands {
		assert.Equal(t, PatternConfidence, c.Confidence)
		assert.Equal(t, types.SourcePattern, c.SourceType)
	}

	rulesOnly, err := PatternExtractor{}.Extract(context.Background(), events, []types.Category{types.CategoryRules})
	require.NoError(t, err)
	require.Len(t, rulesOnly, 1)

	dotted, err := PatternExtractor{}.Extract(context.Background(), []*types.Event{{
		ID:   "e5",
		Type: types.EventUserMessage,
		Content: "Never edit package.json by hand. We use PostgreSQL 16.2 for storage and queries.\n" +
			"Always run make lint before pushing to github.com!",
	}}, nil)
	require.NoError(t, err)
	require.Len(t, dotted, 3)
	assert.Equal(t, "Never edit package.json by hand", dotted[0].Content)
	assert.Equal(t, types.CategoryRules, dotted[0].Category)
	assert.Equal(t, "We use PostgreSQL 16.2 for storage and queries", dotted[1].Content)
	assert.Equal(t, types.CategoryFacts, dotted[1].Category)
	assert.Equal(t, "Always run make lint before pushing to github.com", dotted[2].Content)
}

func TestPatternExtractorCapsContent(t *testing.T) {
	long := "Always " + strings.Repeat("keep the build green ", 40)
	cands, err := PatternExtractor{MaxContentLength: 50}.Extract(context.Background(),
		[]*types.Event{{ID: "e1", Type: types.EventUserMessage, Content: long}}, nil)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Len(t, []rune(cands[0].Content), 50)
}

func TestConsolidatorCreateUpdateSkip(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	c, err := NewConsolidator(db, DefaultConfig(), nil)
	require.NoError(t, err)

	existing := &types.Memory{
		Namespace:  "ns",
		Content:    "the api gateway uses envoy with mutual tls between every internal service pair",
		Category:   types.CategoryFacts,
		Confidence: 0.6,
		Lineage:    []types.EventID{"old"},
	}
	require.NoError(t, db.InsertMemory(ctx, existing))

	// 12 of 13 tokens shared: similarity ≈ 0.92.
	res, err := c.Consolidate(ctx, "ns", "s1", types.CandidateMemory{
		Content:    "the api gateway uses envoy with mutual tls between every internal service",
		Category:   types.CategoryFacts,
		Confidence: 0.6,
		Lineage:    []types.EventID{"new"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActionUpdated, res.Action)
	assert.Equal(t, existing.ID, res.MemoryID)
	assert.Greater(t, res.ConfidenceDelta, 0.0)
	assert.Greater(t, res.Similarity, 0.9)

	got, err := db.GetMemory(ctx, existing.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	assert.Equal(t, []types.EventID{"old", "new"}, got.Lineage)
	require.NotNil(t, got.LastUsedAt)

	// 9 of 14 tokens shared: similarity ≈ 0.64, inside the skip band.
	res, err = c.Consolidate(ctx, "ns", "s1", types.CandidateMemory{
		Content:  "the api gateway uses envoy with mutual tls between services",
		Category: types.CategoryFacts,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActionSkipped, res.Action)
	assert.Equal(t, existing.ID, res.MatchedMemoryID)

	res, err = c.Consolidate(ctx, "ns", "s1", types.CandidateMemory{
		Content:    "Release notes are written in the changelog file",
		Category:   types.CategoryContext,
		Confidence: 0.6,
		Importance: 0.4,
		Tags:       []string{"context"},
		Lineage:    []types.EventID{"e9"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.ActionCreated, res.Action)

	created, err := db.GetMemory(ctx, res.MemoryID)
	require.NoError(t, err)
	require.NotNil(t, created.ExpiresAt, "context memories expire")
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *created.ExpiresAt, time.Minute)
	assert.Equal(t, "s1", created.Metadata["session_id"])
	assert.InDelta(t, 0.4, created.Importance(), 1e-9)

	all, err := db.ListMemories(ctx, types.MemoryFilter{Namespace: "ns"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.95
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidInput)

	cfg = DefaultConfig()
	cfg.CategoryTTLDays = map[string]int{"gossip": 1}
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidInput)
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, []*types.Event, []types.Category) ([]types.CandidateMemory, error) {
	return nil, errors.New("model unavailable")
}

type staticExtractor []types.CandidateMemory

func (s staticExtractor) Extract(context.Context, []*types.Event, []types.Category) ([]types.CandidateMemory, error) {
	return s, nil
}

func seedSession(t *testing.T, db *state.DB, contents ...string) *types.Session {
	t.Helper()
	ctx := context.Background()
	sess := &types.Session{Namespace: "ns", Role: "coder"}
	require.NoError(t, db.CreateSession(ctx, sess))
	for _, c := range contents {
		require.NoError(t, db.Append(ctx, &types.Event{SessionID: sess.ID, Type: types.EventUserMessage, Role: "user", Content: c}))
	}
	require.NoError(t, db.EndSession(ctx, sess.ID, time.Now()))
	return sess
}

func TestProcessSessionCompletion(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, db,
		"Use PostgreSQL for storage and queries.",
		"Use PostgreSQL for the storage and queries.",
		"Never log access tokens.",
		"thanks!",
	)

	p, err := New(db, DefaultConfig(), WithExtractor(failingExtractor{}))
	require.NoError(t, err)

	report, err := p.ProcessSessionCompletion(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "ns", report.Namespace)
	assert.Equal(t, 4, report.EventsProcessed)
	assert.Equal(t, 3, report.Extracted)
	assert.Equal(t, 1, report.Deduplicated)
	assert.Equal(t, 2, report.Created)
	assert.True(t, report.ExternalFailed)

	left, err := db.Unprocessed(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, left)

	// A second run has nothing to do.
	again, err := p.ProcessSessionCompletion(ctx, sess.ID, "ns")
	require.NoError(t, err)
	assert.Zero(t, again.EventsProcessed)
	assert.Empty(t, again.Results)
}

func TestProcessSessionCorroboratesAcrossSessions(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	p, err := New(db, DefaultConfig())
	require.NoError(t, err)

	first := seedSession(t, db, "Never log access tokens in production.")
	_, err = p.ProcessSessionCompletion(ctx, first.ID, "ns")
	require.NoError(t, err)

	second := seedSession(t, db, "Never log access tokens in production!")
	report, err := p.ProcessSessionCompletion(ctx, second.ID, "ns")
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, types.ActionUpdated, report.Results[0].Action)

	mems, err := db.ListMemories(ctx, types.MemoryFilter{Namespace: "ns"})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Len(t, mems[0].Lineage, 2)
}

func TestProcessSessionWithoutCandidatesMarksEvents(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, db, "hello there", "ok")

	p, err := New(db, DefaultConfig())
	require.NoError(t, err)
	report, err := p.ProcessSessionCompletion(ctx, sess.ID, "ns")
	require.NoError(t, err)
	assert.Zero(t, report.Extracted)

	left, err := db.Unprocessed(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestProcessSessionExternalExtractor(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, db, "hello there")

	p, err := New(db, DefaultConfig(), WithExtractor(staticExtractor{
		{Content: "The team ships on Thursdays", Category: types.CategoryFacts},
		{Content: "Unknown category", Category: "gossip"},
	}))
	require.NoError(t, err)
	report, err := p.ProcessSessionCompletion(ctx, sess.ID, "ns")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)

	mems, err := db.ListMemories(ctx, types.MemoryFilter{Namespace: "ns"})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, types.SourceExtractor, mems[0].SourceType)
	assert.Equal(t, PatternConfidence, mems[0].Confidence)
}

func TestProcessSessionUnknownSession(t *testing.T) {
	p, err := New(newTestStore(t), DefaultConfig())
	require.NoError(t, err)
	_, err = p.ProcessSessionCompletion(context.Background(), "missing", "")
	require.ErrorIs(t, err, types.ErrNotFound)
}
