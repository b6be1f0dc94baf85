package memorygen

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/user/agentmem/internal/types"
)

// Config holds the deduplication and consolidation thresholds.
type Config struct {
	// SimilarityThreshold is the lower edge of the skip band.
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold" toml:"similarity_threshold"`
	// CorroborationThreshold: a match strictly above it updates the existing memory.
	CorroborationThreshold float64 `json:"corroboration_threshold" yaml:"corroboration_threshold" toml:"corroboration_threshold"`
	ConfidenceIncrement    float64 `json:"confidence_increment" yaml:"confidence_increment" toml:"confidence_increment"`
	DedupThreshold         float64 `json:"dedup_threshold" yaml:"dedup_threshold" toml:"dedup_threshold"`
	SearchLimit            int     `json:"search_limit" yaml:"search_limit" toml:"search_limit"`
	MaxContentLength       int     `json:"max_content_length" yaml:"max_content_length" toml:"max_content_length"`
	// CategoryTTLDays sets expires_at on new memories of a category.
	CategoryTTLDays map[string]int `json:"category_ttl_days,omitempty" yaml:"category_ttl_days,omitempty" toml:"category_ttl_days,omitempty"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:    0.6,
		CorroborationThreshold: 0.9,
		ConfidenceIncrement:    0.1,
		DedupThreshold:         0.8,
		SearchLimit:            5,
		MaxContentLength:       500,
		CategoryTTLDays:        map[string]int{string(types.CategoryContext): 30},
	}
}

// Validate checks the thresholds form a sane band.
func (c Config) Validate() error {
	in01 := func(v float64) bool { return v >= 0 && v <= 1 }
	switch {
	case !in01(c.SimilarityThreshold), !in01(c.CorroborationThreshold), !in01(c.DedupThreshold):
		return fmt.Errorf("consolidation: thresholds must be within [0,1]: %w", types.ErrInvalidInput)
	case c.SimilarityThreshold > c.CorroborationThreshold:
		return fmt.Errorf("consolidation: similarity_threshold above corroboration_threshold: %w", types.ErrInvalidInput)
	case c.ConfidenceIncrement < 0 || c.ConfidenceIncrement > 1:
		return fmt.Errorf("consolidation: confidence_increment must be within [0,1]: %w", types.ErrInvalidInput)
	case c.SearchLimit <= 0 || c.MaxContentLength <= 0:
		return fmt.Errorf("consolidation: limits must be positive: %w", types.ErrInvalidInput)
	}
	for cat, days := range c.CategoryTTLDays {
		if _, err := types.ParseCategory(cat); err != nil {
			return fmt.Errorf("consolidation: ttl: %w", err)
		}
		if days < 0 {
			return fmt.Errorf("consolidation: ttl for %s is negative: %w", cat, types.ErrInvalidInput)
		}
	}
	return nil
}

// TTL returns the lifetime of new memories in the category, or zero.
func (c Config) TTL(cat types.Category) time.Duration {
	return time.Duration(c.CategoryTTLDays[string(cat)]) * 24 * time.Hour
}

// Consolidator merges candidates into the stored memory set.
type Consolidator struct {
	store  types.MemoryStore
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewConsolidator validates cfg and returns a Consolidator.
func NewConsolidator(store types.MemoryStore, cfg Config, logger *slog.Logger) (*Consolidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "consolidator"),
	}, nil
}

// Consolidate compares cand against the closest stored memories of the
// namespace and creates, corroborates or skips.
func (c *Consolidator) Consolidate(ctx context.Context, namespace string, sessionID types.SessionID, cand types.CandidateMemory) (types.ConsolidationResult, error) {
	now := c.now().UTC()
	hits, err := c.store.SearchMemories(ctx, types.SearchQuery{
		Namespace: namespace,
		Text:      cand.Content,
		Limit:     c.cfg.SearchLimit,
		Now:       now,
	})
	if err != nil {
		return types.ConsolidationResult{}, fmt.Errorf("consolidate: search: %w", err)
	}

	var (
		best    *types.Memory
		bestSim float64
	)
	candTokens := tokenSet(cand.Content)
	for _, h := range hits {
		sim := jaccardSets(candTokens, tokenSet(h.Memory.Content))
		if best == nil || sim > bestSim {
			best, bestSim = h.Memory, sim
		}
	}

	switch {
	case best == nil || bestSim < c.cfg.SimilarityThreshold:
		res, err := c.create(ctx, namespace, sessionID, cand, now)
		if err != nil {
			return types.ConsolidationResult{}, err
		}
		if best != nil {
			res.MatchedMemoryID = best.ID
			res.Similarity = bestSim
		}
		return res, nil

	case bestSim > c.cfg.CorroborationThreshold:
		return c.corroborate(ctx, best, bestSim, cand, now)

	default:
		c.logger.Debug("candidate skipped", "similarity", bestSim, "matched", best.ID)
		return types.ConsolidationResult{
			Action:          types.ActionSkipped,
			MatchedMemoryID: best.ID,
			Similarity:      bestSim,
			Reason:          fmt.Sprintf("similar to existing memory (%.2f) but below corroboration threshold", bestSim),
		}, nil
	}
}

func (c *Consolidator) create(ctx context.Context, namespace string, sessionID types.SessionID, cand types.CandidateMemory, now time.Time) (types.ConsolidationResult, error) {
	importance := cand.Importance
	if importance <= 0 {
		importance = types.DefaultImportance
	}
	metadata := map[string]any{"importance": math.Min(importance, 1)}
	if len(cand.Tags) > 0 {
		metadata["tags"] = cand.Tags
	}
	if sessionID != "" {
		metadata["session_id"] = string(sessionID)
	}
	mem := &types.Memory{
		ID:         types.NewMemoryID(),
		Namespace:  namespace,
		Content:    capRunes(cand.Content, c.cfg.MaxContentLength),
		Category:   cand.Category,
		Metadata:   metadata,
		SourceType: cand.SourceType,
		Confidence: clampConfidence(cand.Confidence),
		CreatedAt:  now,
		Lineage:    cand.Lineage,
	}
	if ttl := c.cfg.TTL(cand.Category); ttl > 0 {
		exp := now.Add(ttl)
		mem.ExpiresAt = &exp
	}
	if err := c.store.InsertMemory(ctx, mem); err != nil {
		return types.ConsolidationResult{}, fmt.Errorf("consolidate: create: %w", err)
	}
	return types.ConsolidationResult{
		Action:          types.ActionCreated,
		MemoryID:        mem.ID,
		ConfidenceDelta: mem.Confidence,
		Reason:          "no sufficiently similar memory",
	}, nil
}

func (c *Consolidator) corroborate(ctx context.Context, mem *types.Memory, sim float64, cand types.CandidateMemory, now time.Time) (types.ConsolidationResult, error) {
	before := mem.Confidence
	mem.Confidence = clampConfidence(before + c.cfg.ConfidenceIncrement)
	mem.Lineage = appendUnique(mem.Lineage, cand.Lineage...)
	mem.LastUsedAt = &now
	if err := c.store.UpdateMemory(ctx, mem); err != nil {
		return types.ConsolidationResult{}, fmt.Errorf("consolidate: corroborate: %w", err)
	}
	return types.ConsolidationResult{
		Action:          types.ActionUpdated,
		MemoryID:        mem.ID,
		MatchedMemoryID: mem.ID,
		Similarity:      sim,
		ConfidenceDelta: mem.Confidence - before,
		Reason:          "corroborated existing memory",
	}, nil
}

func clampConfidence(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
