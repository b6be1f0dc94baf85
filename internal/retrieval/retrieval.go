// Package retrieval ranks stored memories for a turn by a weighted blend of
// text relevance, recency and importance.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/user/agentmem/internal/types"
)

// DecayFunc maps a memory's age onto [0,1]. It must be non-increasing in age.
type DecayFunc func(age time.Duration) float64

// LinearDecay falls from 1 to 0 over window.
func LinearDecay(window time.Duration) DecayFunc {
	return func(age time.Duration) float64 {
		if age <= 0 {
			return 1
		}
		return math.Max(0, 1-float64(age)/float64(window))
	}
}

// ExponentialDecay halves every halfLife.
func ExponentialDecay(halfLife time.Duration) DecayFunc {
	return func(age time.Duration) float64 {
		if age <= 0 {
			return 1
		}
		return math.Pow(0.5, float64(age)/float64(halfLife))
	}
}

// Config holds scoring weights and limits.
type Config struct {
	RelevanceWeight  float64 `json:"relevance_weight" yaml:"relevance_weight" toml:"relevance_weight"`
	RecencyWeight    float64 `json:"recency_weight" yaml:"recency_weight" toml:"recency_weight"`
	ImportanceWeight float64 `json:"importance_weight" yaml:"importance_weight" toml:"importance_weight"`
	RecencyDecayDays float64 `json:"recency_decay_days" yaml:"recency_decay_days" toml:"recency_decay_days"`
	MinRelevance     float64 `json:"min_relevance" yaml:"min_relevance" toml:"min_relevance"`
	DefaultLimit     int     `json:"default_limit" yaml:"default_limit" toml:"default_limit"`
	MaxCandidates    int     `json:"max_candidates" yaml:"max_candidates" toml:"max_candidates"`
	// Decay is "linear" or "exponential".
	Decay      string `json:"decay" yaml:"decay" toml:"decay"`
	TrackUsage bool   `json:"track_usage" yaml:"track_usage" toml:"track_usage"`
}

// DefaultConfig returns the default weights 0.5 / 0.2 / 0.3.
func DefaultConfig() Config {
	return Config{
		RelevanceWeight:  0.5,
		RecencyWeight:    0.2,
		ImportanceWeight: 0.3,
		RecencyDecayDays: 30,
		MinRelevance:     0.1,
		DefaultLimit:     10,
		MaxCandidates:    500,
		Decay:            "linear",
		TrackUsage:       true,
	}
}

// Validate checks the weights are non-negative and sum to one.
func (c Config) Validate() error {
	if c.RelevanceWeight < 0 || c.RecencyWeight < 0 || c.ImportanceWeight < 0 {
		return fmt.Errorf("retrieval: weights must be non-negative: %w", types.ErrInvalidInput)
	}
	sum := c.RelevanceWeight + c.RecencyWeight + c.ImportanceWeight
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("retrieval: weights sum to %.6f, want 1.0: %w", sum, types.ErrInvalidInput)
	}
	if c.RecencyDecayDays <= 0 {
		return fmt.Errorf("retrieval: recency_decay_days must be positive: %w", types.ErrInvalidInput)
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		return fmt.Errorf("retrieval: min_relevance must be within [0,1]: %w", types.ErrInvalidInput)
	}
	if c.DefaultLimit <= 0 || c.MaxCandidates <= 0 {
		return fmt.Errorf("retrieval: limits must be positive: %w", types.ErrInvalidInput)
	}
	switch c.Decay {
	case "", "linear", "exponential":
	default:
		return fmt.Errorf("retrieval: unknown decay %q: %w", c.Decay, types.ErrInvalidInput)
	}
	return nil
}

func (c Config) decayFunc() DecayFunc {
	window := time.Duration(c.RecencyDecayDays * float64(24*time.Hour))
	if c.Decay == "exponential" {
		return ExponentialDecay(window)
	}
	return LinearDecay(window)
}

// ScoredMemory is a memory with its composite score and components.
type ScoredMemory struct {
	Memory     *types.Memory `json:"memory"`
	Score      float64       `json:"score"`
	Relevance  float64       `json:"relevance"`
	Recency    float64       `json:"recency"`
	Importance float64       `json:"importance"`
}

// Query parameters for Retrieve. Zero values select defaults.
type Query struct {
	Namespace string
	Text      string
	Category  types.Category
	Limit     int
	// MinRelevance overrides the configured threshold when non-nil.
	MinRelevance *float64
	// UpdateUsage overrides the configured usage tracking when non-nil.
	UpdateUsage *bool
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithDecay replaces the configured decay function.
func WithDecay(fn DecayFunc) Option {
	return func(r *Retriever) { r.decay = fn }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Retriever) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) { r.logger = l.With("component", "retrieval") }
}

// Retriever scores memories from a MemoryStore.
type Retriever struct {
	store  types.MemoryStore
	cfg    Config
	decay  DecayFunc
	now    func() time.Time
	logger *slog.Logger
}

// New validates cfg and returns a Retriever.
func New(store types.MemoryStore, cfg Config, opts ...Option) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Retriever{
		store:  store,
		cfg:    cfg,
		decay:  cfg.decayFunc(),
		now:    time.Now,
		logger: slog.Default().With("component", "retrieval"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Score computes the composite score from its components.
func (r *Retriever) Score(relevance, recency, importance float64) float64 {
	return relevance*r.cfg.RelevanceWeight + recency*r.cfg.RecencyWeight + importance*r.cfg.ImportanceWeight
}

func (r *Retriever) score(mem *types.Memory, relevance float64, now time.Time) ScoredMemory {
	recency := clamp01(r.decay(now.Sub(mem.CreatedAt)))
	importance := mem.Importance()
	return ScoredMemory{
		Memory:     mem,
		Relevance:  relevance,
		Recency:    recency,
		Importance: importance,
		Score:      r.Score(relevance, recency, importance),
	}
}

// Retrieve returns the best memories of a namespace for an optional query.
// Without a query, relevance is zero for every memory and no threshold
// applies.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]ScoredMemory, error) {
	if q.Namespace == "" {
		return nil, fmt.Errorf("retrieve: namespace is required: %w", types.ErrInvalidInput)
	}
	if q.Category != "" {
		if _, err := types.ParseCategory(string(q.Category)); err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
	}
	now := r.now()
	limit := r.limit(q.Limit)
	minRel := r.cfg.MinRelevance
	if q.MinRelevance != nil {
		minRel = *q.MinRelevance
	}
	text := strings.TrimSpace(q.Text)

	ranks := map[types.MemoryID]float64{}
	var hits []types.RankedMemory
	if text != "" {
		var err error
		hits, err = r.store.SearchMemories(ctx, types.SearchQuery{
			Namespace: q.Namespace,
			Text:      text,
			Category:  q.Category,
			Limit:     r.cfg.MaxCandidates,
			Now:       now,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieve: search: %w", err)
		}
		for _, h := range hits {
			ranks[h.Memory.ID] = clamp01(h.Rank)
		}
	}

	top := newTopN(limit, byScore)
	if text != "" && minRel > 0 {
		// Memories without a hit have zero relevance and cannot pass.
		for _, h := range hits {
			if h.Memory.Expired(now) || ranks[h.Memory.ID] < minRel {
				continue
			}
			top.add(r.score(h.Memory, ranks[h.Memory.ID], now))
		}
	} else {
		err := r.scan(ctx, types.MemoryFilter{
			Namespace: q.Namespace,
			Category:  q.Category,
			Now:       now,
		}, func(mem *types.Memory) {
			if !mem.Expired(now) {
				top.add(r.score(mem, ranks[mem.ID], now))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("retrieve: list candidates: %w", err)
		}
	}
	scored := top.result()

	track := r.cfg.TrackUsage
	if q.UpdateUsage != nil {
		track = *q.UpdateUsage
	}
	if track {
		r.touch(ctx, scored, now)
	}
	return scored, nil
}

// RetrieveHighImportance returns the most important memories regardless of
// any query, ties broken by recency.
func (r *Retriever) RetrieveHighImportance(ctx context.Context, namespace string, category types.Category, limit int) ([]ScoredMemory, error) {
	if namespace == "" {
		return nil, fmt.Errorf("retrieve high importance: namespace is required: %w", types.ErrInvalidInput)
	}
	now := r.now()
	limit = r.limit(limit)
	mems, err := r.store.ListMemories(ctx, types.MemoryFilter{
		Namespace: namespace,
		Category:  category,
		Order:     types.OrderImportance,
		Limit:     limit,
		Now:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve high importance: %w", err)
	}
	return r.rankBy(mems, now, limit, byImportanceThenRecency), nil
}

// RetrieveByTags returns memories carrying any of the tags, ordered by
// importance then recency.
func (r *Retriever) RetrieveByTags(ctx context.Context, namespace string, tags []string, limit int) ([]ScoredMemory, error) {
	if namespace == "" {
		return nil, fmt.Errorf("retrieve by tags: namespace is required: %w", types.ErrInvalidInput)
	}
	if len(tags) == 0 {
		return []ScoredMemory{}, nil
	}
	now := r.now()
	limit = r.limit(limit)
	mems, err := r.store.ListMemories(ctx, types.MemoryFilter{
		Namespace: namespace,
		Tags:      tags,
		Order:     types.OrderImportance,
		Limit:     limit,
		Now:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve by tags: %w", err)
	}
	return r.rankBy(mems, now, limit, byImportanceThenRecency), nil
}

// RetrieveRecent returns memories created within window, newest first.
func (r *Retriever) RetrieveRecent(ctx context.Context, namespace string, window time.Duration, limit int) ([]ScoredMemory, error) {
	if namespace == "" {
		return nil, fmt.Errorf("retrieve recent: namespace is required: %w", types.ErrInvalidInput)
	}
	now := r.now()
	limit = r.limit(limit)
	filter := types.MemoryFilter{
		Namespace: namespace,
		Limit:     limit,
		Now:       now,
	}
	if window > 0 {
		filter.Since = now.Add(-window)
	}
	mems, err := r.store.ListMemories(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("retrieve recent: %w", err)
	}
	return r.rankBy(mems, now, limit, byRecency), nil
}

type lessFunc func(a, b ScoredMemory) bool

func byScore(a, b ScoredMemory) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
}

func byImportanceThenRecency(a, b ScoredMemory) bool {
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
}

func byRecency(a, b ScoredMemory) bool {
	return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
}

func (r *Retriever) rankBy(mems []*types.Memory, now time.Time, limit int, less lessFunc) []ScoredMemory {
	scored := make([]ScoredMemory, 0, len(mems))
	for _, mem := range mems {
		if mem.Expired(now) {
			continue
		}
		scored = append(scored, r.score(mem, 0, now))
	}
	sort.SliceStable(scored, func(i, j int) bool { return less(scored[i], scored[j]) })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// scan feeds every memory matching filter to fn, one page of
// MaxCandidates rows at a time.
func (r *Retriever) scan(ctx context.Context, filter types.MemoryFilter, fn func(*types.Memory)) error {
	filter.Limit = r.cfg.MaxCandidates
	for filter.Offset = 0; ; filter.Offset += filter.Limit {
		page, err := r.store.ListMemories(ctx, filter)
		if err != nil {
			return err
		}
		for _, mem := range page {
			fn(mem)
		}
		if len(page) < filter.Limit {
			return nil
		}
	}
}

// topN keeps the best n memories seen so far.
type topN struct {
	n     int
	less  lessFunc
	items []ScoredMemory
	seen  map[types.MemoryID]bool
}

func newTopN(n int, less lessFunc) *topN {
	return &topN{n: n, less: less, seen: map[types.MemoryID]bool{}}
}

// add ignores a memory already seen, which happens when inserts shift
// pages under a scan.
func (t *topN) add(s ScoredMemory) {
	if t.seen[s.Memory.ID] {
		return
	}
	t.seen[s.Memory.ID] = true
	t.items = append(t.items, s)
	if len(t.items) >= 2*t.n+64 {
		t.trim()
	}
}

func (t *topN) trim() {
	sort.SliceStable(t.items, func(i, j int) bool { return t.less(t.items[i], t.items[j]) })
	if len(t.items) > t.n {
		t.items = t.items[:t.n]
	}
}

func (t *topN) result() []ScoredMemory {
	t.trim()
	return t.items
}

func (r *Retriever) limit(n int) int {
	if n <= 0 {
		return r.cfg.DefaultLimit
	}
	return n
}

// touch records usage. Failures only cost statistics, so they are logged.
func (r *Retriever) touch(ctx context.Context, scored []ScoredMemory, now time.Time) {
	if len(scored) == 0 {
		return
	}
	ids := make([]types.MemoryID, len(scored))
	for i, s := range scored {
		ids[i] = s.Memory.ID
	}
	if err := r.store.TouchMemories(ctx, ids, now); err != nil {
		r.logger.Warn("failed to record memory usage", "error", err, "count", len(ids))
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
