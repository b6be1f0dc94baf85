package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/agentmem/internal/types"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory MemoryStore. Search ranks by the share of query
// words found in the content.
type fakeStore struct {
	mems    []*types.Memory
	touched []types.MemoryID
	failOn  string
	lists   int
}

func (f *fakeStore) InsertMemory(_ context.Context, m *types.Memory) error {
	f.mems = append(f.mems, m)
	return nil
}

func (f *fakeStore) GetMemory(_ context.Context, id types.MemoryID) (*types.Memory, error) {
	for _, m := range f.mems {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, types.ErrNotFound
}

func (f *fakeStore) UpdateMemory(context.Context, *types.Memory) error { return nil }

func (f *fakeStore) SearchMemories(_ context.Context, q types.SearchQuery) ([]types.RankedMemory, error) {
	if f.failOn == "search" {
		return nil, types.ErrStoreUnavailable
	}
	words := strings.Fields(strings.ToLower(q.Text))
	var out []types.RankedMemory
	for _, m := range f.mems {
		if m.Namespace != q.Namespace || m.Expired(q.Now) {
			continue
		}
		if q.Category != "" && m.Category != q.Category {
			continue
		}
		hits := 0
		for _, w := range words {
			if strings.Contains(strings.ToLower(m.Content), w) {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, types.RankedMemory{Memory: m, Rank: float64(hits) / float64(len(words)+1)})
		}
	}
	return out, nil
}

func (f *fakeStore) ListMemories(_ context.Context, filter types.MemoryFilter) ([]*types.Memory, error) {
	if f.failOn == "list" {
		return nil, types.ErrStoreUnavailable
	}
	f.lists++
	var out []*types.Memory
	for _, m := range f.mems {
		if m.Namespace != filter.Namespace {
			continue
		}
		if filter.Category != "" && m.Category != filter.Category {
			continue
		}
		if !filter.Since.IsZero() && m.CreatedAt.Before(filter.Since) {
			continue
		}
		if len(filter.Tags) > 0 && !anyTag(m.Tags(), filter.Tags) {
			continue
		}
		if !filter.IncludeExpired && m.Expired(filter.Now) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if filter.Order == types.OrderImportance && out[i].Importance() != out[j].Importance() {
			return out[i].Importance() > out[j].Importance()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset >= len(out) {
		return []*types.Memory{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func anyTag(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (f *fakeStore) TouchMemories(_ context.Context, ids []types.MemoryID, _ time.Time) error {
	if f.failOn == "touch" {
		return errors.New("disk full")
	}
	f.touched = append(f.touched, ids...)
	return nil
}

func (f *fakeStore) PurgeExpired(context.Context, time.Time) (int64, error) { return 0, nil }

func mem(id, content string, age time.Duration, importance float64, tags ...string) *types.Memory {
	md := map[string]any{"importance": importance}
	if len(tags) > 0 {
		md["tags"] = tags
	}
	return &types.Memory{
		ID:        types.MemoryID(id),
		Namespace: "ns",
		Content:   content,
		Category:  types.CategoryFacts,
		Metadata:  md,
		CreatedAt: testNow.Add(-age),
	}
}

func newRetriever(t *testing.T, store *fakeStore, cfg Config, opts ...Option) *Retriever {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	r, err := New(store, cfg, opts...)
	require.NoError(t, err)
	return r
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.RecencyWeight = 0.3
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidInput)

	cfg = DefaultConfig()
	cfg.RelevanceWeight, cfg.ImportanceWeight = -0.1, 0.9
	require.ErrorIs(t, cfg.Validate(), types.ErrInvalidInput)

	cfg = DefaultConfig()
	cfg.Decay = "cliff"
	_, err := New(&fakeStore{}, cfg)
	require.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestScoreFormula(t *testing.T) {
	r := newRetriever(t, &fakeStore{}, DefaultConfig())
	assert.InDelta(t, 0.5*0.8+0.2*0.5+0.3*0.9, r.Score(0.8, 0.5, 0.9), 1e-9)
}

func TestRelevanceOutweighsImportance(t *testing.T) {
	// A: relevance 0.9, 1 day old, importance 0.5.
	// B: relevance 0.3, 1 hour old, importance 0.9.
	r := newRetriever(t, &fakeStore{}, DefaultConfig())
	a := r.score(mem("a", "", 24*time.Hour, 0.5), 0.9, testNow)
	b := r.score(mem("b", "", time.Hour, 0.9), 0.3, testNow)
	assert.Greater(t, a.Score, b.Score)
}

func TestRetrieveRanksAndFilters(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{
		mem("pg", "database is postgresql", 24*time.Hour, 0.5),
		mem("lint", "always lint before commit", time.Hour, 0.9),
		mem("pg-old", "postgresql vacuum settings", 60*24*time.Hour, 0.5),
	}}
	expired := mem("gone", "postgresql is down", time.Hour, 1)
	past := testNow.Add(-time.Minute)
	expired.ExpiresAt = &past
	store.mems = append(store.mems, expired)

	r := newRetriever(t, store, DefaultConfig())
	got, err := r.Retrieve(context.Background(), Query{Namespace: "ns", Text: "postgresql"})
	require.NoError(t, err)
	require.Len(t, got, 2, "unmatched and expired memories are dropped")
	assert.Equal(t, types.MemoryID("pg"), got[0].Memory.ID)
	assert.Equal(t, types.MemoryID("pg-old"), got[1].Memory.ID)
	assert.Zero(t, got[1].Recency, "older than the decay window")
	assert.Equal(t, []types.MemoryID{"pg", "pg-old"}, store.touched)
}

func TestRetrieveWithoutQuery(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{
		mem("low", "a", time.Hour, 0.1),
		mem("high", "b", time.Hour, 0.9),
		mem("old", "c", 20*24*time.Hour, 0.9),
	}}
	r := newRetriever(t, store, DefaultConfig())
	no := false
	got, err := r.Retrieve(context.Background(), Query{Namespace: "ns", Limit: 2, UpdateUsage: &no})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.MemoryID("high"), got[0].Memory.ID)
	assert.Equal(t, types.MemoryID("old"), got[1].Memory.ID)
	for _, s := range got {
		assert.Zero(t, s.Relevance)
	}
	assert.Empty(t, store.touched)
}

func TestRetrieveMinRelevanceOverride(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{
		mem("weak", "one match here", time.Hour, 0.5),
	}}
	r := newRetriever(t, store, DefaultConfig())

	// "match nothing else really" has 4 words: rank = 1/5 = 0.2.
	high := 0.5
	got, err := r.Retrieve(context.Background(), Query{Namespace: "ns", Text: "match nothing else really", MinRelevance: &high})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Retrieve(context.Background(), Query{Namespace: "ns", Text: "match nothing else really"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRetrieveValidation(t *testing.T) {
	r := newRetriever(t, &fakeStore{}, DefaultConfig())
	_, err := r.Retrieve(context.Background(), Query{})
	require.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = r.Retrieve(context.Background(), Query{Namespace: "ns", Category: "gossip"})
	require.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRetrieveSurfacesStoreErrors(t *testing.T) {
	r := newRetriever(t, &fakeStore{failOn: "search"}, DefaultConfig())
	_, err := r.Retrieve(context.Background(), Query{Namespace: "ns", Text: "x"})
	require.ErrorIs(t, err, types.ErrStoreUnavailable)

	r = newRetriever(t, &fakeStore{failOn: "list"}, DefaultConfig())
	_, err = r.Retrieve(context.Background(), Query{Namespace: "ns"})
	require.ErrorIs(t, err, types.ErrStoreUnavailable)
}

func TestRetrieveScansPastMaxCandidates(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{mem("critical", "never force push", 5*24*time.Hour, 1)}}
	for i := 0; i < 25; i++ {
		store.mems = append(store.mems, mem(fmt.Sprintf("new-%d", i), "noise", time.Duration(i)*time.Minute, 0.2))
	}
	cfg := DefaultConfig()
	cfg.MaxCandidates = 10
	r := newRetriever(t, store, cfg)
	no := false

	got, err := r.Retrieve(context.Background(), Query{Namespace: "ns", Limit: 1, UpdateUsage: &no})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.MemoryID("critical"), got[0].Memory.ID)
	assert.Equal(t, 3, store.lists, "26 rows in pages of 10")

	zero := 0.0
	got, err = r.Retrieve(context.Background(), Query{Namespace: "ns", Text: "noise", Limit: 30, MinRelevance: &zero, UpdateUsage: &no})
	require.NoError(t, err)
	assert.Len(t, got, 26, "zero threshold keeps unmatched memories")
}

func TestRetrieveIgnoresTouchFailure(t *testing.T) {
	store := &fakeStore{failOn: "touch", mems: []*types.Memory{mem("a", "x", time.Hour, 0.5)}}
	r := newRetriever(t, store, DefaultConfig())
	got, err := r.Retrieve(context.Background(), Query{Namespace: "ns"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRetrieveHighImportance(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{
		mem("mid", "a", time.Hour, 0.6),
		mem("top-old", "b", 10*24*time.Hour, 0.95),
		mem("top-new", "c", 2*time.Hour, 0.95),
		{ID: "default", Namespace: "ns", Category: types.CategoryRules, CreatedAt: testNow},
	}}
	r := newRetriever(t, store, DefaultConfig())
	got, err := r.RetrieveHighImportance(context.Background(), "ns", "", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, types.MemoryID("top-new"), got[0].Memory.ID)
	assert.Equal(t, types.MemoryID("top-old"), got[1].Memory.ID)
	assert.Equal(t, types.MemoryID("mid"), got[2].Memory.ID)

	rules, err := r.RetrieveHighImportance(context.Background(), "ns", types.CategoryRules, 0)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, types.DefaultImportance, rules[0].Importance)
}

func TestRetrieveByTags(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{
		mem("db", "a", time.Hour, 0.4, "db"),
		mem("infra", "b", time.Hour, 0.8, "infra", "db"),
		mem("style", "c", time.Hour, 0.9, "style"),
	}}
	r := newRetriever(t, store, DefaultConfig())
	got, err := r.RetrieveByTags(context.Background(), "ns", []string{"db"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.MemoryID("infra"), got[0].Memory.ID)

	none, err := r.RetrieveByTags(context.Background(), "ns", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRetrieveRecent(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{
		mem("week", "a", 7*24*time.Hour, 0.9),
		mem("hour", "b", time.Hour, 0.1),
		mem("day", "c", 24*time.Hour, 0.5),
	}}
	r := newRetriever(t, store, DefaultConfig())
	got, err := r.RetrieveRecent(context.Background(), "ns", 48*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.MemoryID("hour"), got[0].Memory.ID)
	assert.Equal(t, types.MemoryID("day"), got[1].Memory.ID)
}

func TestDecayFunctions(t *testing.T) {
	window := 30 * 24 * time.Hour
	lin := LinearDecay(window)
	assert.Equal(t, 1.0, lin(0))
	assert.InDelta(t, 0.5, lin(window/2), 1e-9)
	assert.Zero(t, lin(2*window))

	exp := ExponentialDecay(window)
	assert.InDelta(t, 0.5, exp(window), 1e-9)
	assert.Greater(t, exp(time.Hour), exp(24*time.Hour))
}

func TestScoreIsMonotonic(t *testing.T) {
	r := newRetriever(t, &fakeStore{}, DefaultConfig())
	base := mem("m", "", 5*24*time.Hour, 0.5)

	s := r.score(base, 0.4, testNow).Score
	assert.Greater(t, r.score(base, 0.6, testNow).Score, s, "higher relevance")
	assert.Greater(t, r.score(mem("m", "", time.Hour, 0.5), 0.4, testNow).Score, s, "newer")
	assert.Greater(t, r.score(mem("m", "", 5*24*time.Hour, 0.8), 0.4, testNow).Score, s, "more important")
}

func TestWithDecayReplacesDecay(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{mem("a", "x", 10*24*time.Hour, 0.5)}}
	flat := func(time.Duration) float64 { return 1 }
	r := newRetriever(t, store, DefaultConfig(), WithDecay(flat))
	got, err := r.Retrieve(context.Background(), Query{Namespace: "ns"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Recency)
}

func TestImportantRecentBeatsStaleAtEqualRelevance(t *testing.T) {
	store := &fakeStore{mems: []*types.Memory{
		mem("b", "deploy with helm", 60*24*time.Hour, 0.5),
		mem("a", "deploy with helm", 24*time.Hour, 0.9),
	}}
	r := newRetriever(t, store, DefaultConfig())
	got, err := r.Retrieve(context.Background(), Query{Namespace: "ns", Text: "deploy helm"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Relevance, got[1].Relevance)
	assert.Equal(t, types.MemoryID("a"), got[0].Memory.ID)
}
