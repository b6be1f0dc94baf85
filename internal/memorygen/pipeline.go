// Package memorygen mines finished sessions for durable memories: pattern
// extraction, batch deduplication and consolidation against the stored set.
package memorygen

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/user/agentmem/internal/types"
)

// Store is the persistence the pipeline needs.
type Store interface {
	types.SessionStore
	types.EventStore
	types.MemoryStore
}

// Report summarizes one pipeline run.
type Report struct {
	SessionID       types.SessionID             `json:"session_id"`
	Namespace       string                      `json:"namespace"`
	EventsProcessed int                         `json:"events_processed"`
	Extracted       int                         `json:"extracted"`
	ExternalFailed  bool                        `json:"external_failed,omitempty"`
	Deduplicated    int                         `json:"deduplicated"`
	Created         int                         `json:"created"`
	Updated         int                         `json:"updated"`
	Skipped         int                         `json:"skipped"`
	Results         []types.ConsolidationResult `json:"results"`
	Duration        time.Duration               `json:"duration"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExtractor adds an external extractor that runs after the pattern one.
func WithExtractor(e types.Extractor) Option {
	return func(p *Pipeline) { p.external = e }
}

// WithCategories restricts extraction to the given categories.
func WithCategories(cats ...types.Category) Option {
	return func(p *Pipeline) { p.categories = cats }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l.With("component", "memorygen") }
}

// Pipeline turns a session's unprocessed events into memories.
type Pipeline struct {
	store        Store
	cfg          Config
	patterns     PatternExtractor
	external     types.Extractor
	consolidator *Consolidator
	categories   []types.Category
	logger       *slog.Logger
}

// New validates cfg and returns a Pipeline.
func New(store Store, cfg Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		store:      store,
		cfg:        cfg,
		patterns:   PatternExtractor{MaxContentLength: cfg.MaxContentLength},
		categories: types.AllCategories,
		logger:     slog.Default().With("component", "memorygen"),
	}
	for _, opt := range opts {
		opt(p)
	}
	c, err := NewConsolidator(store, cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.consolidator = c
	return p, nil
}

// ProcessSessionCompletion extracts, deduplicates and consolidates the
// session's unprocessed events, then marks them processed. An empty namespace
// is taken from the session. Store errors leave the events unprocessed so the
// run can be repeated.
func (p *Pipeline) ProcessSessionCompletion(ctx context.Context, sessionID types.SessionID, namespace string) (*Report, error) {
	start := time.Now()
	if namespace == "" {
		sess, err := p.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("process session: %w", err)
		}
		namespace = sess.Namespace
	}
	report := &Report{SessionID: sessionID, Namespace: namespace, Results: []types.ConsolidationResult{}}

	events, err := p.store.Unprocessed(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("process session: load events: %w", err)
	}
	report.EventsProcessed = len(events)
	if len(events) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	candidates, err := p.patterns.Extract(ctx, events, p.categories)
	if err != nil {
		return nil, fmt.Errorf("process session: extract: %w", err)
	}
	if p.external != nil {
		more, err := p.external.Extract(ctx, events, p.categories)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("process session: extract: %w", ctx.Err())
			}
			p.logger.Warn("external extractor failed, using pattern results only",
				"session", sessionID, "error", err)
			report.ExternalFailed = true
		} else {
			candidates = append(candidates, p.allowed(more)...)
		}
	}
	report.Extracted = len(candidates)

	survivors := Dedup(candidates, p.cfg.DedupThreshold)
	report.Deduplicated = len(candidates) - len(survivors)

	for _, cand := range survivors {
		res, err := p.consolidator.Consolidate(ctx, namespace, sessionID, cand)
		if err != nil {
			return nil, fmt.Errorf("process session: %w", err)
		}
		report.Results = append(report.Results, res)
		switch res.Action {
		case types.ActionCreated:
			report.Created++
		case types.ActionUpdated:
			report.Updated++
		case types.ActionSkipped:
			report.Skipped++
		}
	}

	ids := make([]types.EventID, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	if err := p.store.MarkProcessed(ctx, sessionID, ids); err != nil {
		return nil, fmt.Errorf("process session: mark processed: %w", err)
	}

	report.Duration = time.Since(start)
	p.logger.Info("session processed",
		"session", sessionID,
		"events", report.EventsProcessed,
		"candidates", report.Extracted,
		"created", report.Created,
		"updated", report.Updated,
		"skipped", report.Skipped,
	)
	return report, nil
}

// allowed drops external candidates outside the configured categories and
// fills in defaults the extractor left empty.
func (p *Pipeline) allowed(cands []types.CandidateMemory) []types.CandidateMemory {
	out := make([]types.CandidateMemory, 0, len(cands))
	for _, c := range cands {
		if _, err := types.ParseCategory(string(c.Category)); err != nil {
			p.logger.Debug("dropping candidate with unknown category", "category", c.Category)
			continue
		}
		if !slices.Contains(p.categories, c.Category) {
			continue
		}
		if c.SourceType == "" {
			c.SourceType = types.SourceExtractor
		}
		if c.Confidence <= 0 {
			c.Confidence = PatternConfidence
		}
		out = append(out, c)
	}
	return out
}
