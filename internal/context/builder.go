// Package context assembles the per-turn working context of an agent: the
// trimmed session history, relevant and important memories, the session
// scratchpad and static background text.
package context

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/agentmem/internal/retrieval"
	"github.com/user/agentmem/internal/types"
)

// Piece names used in BuiltContext.Partial.
const (
	PieceHistory    = "history"
	PieceRelevant   = "relevant_memories"
	PieceImportant  = "important_memories"
	PieceScratchpad = "scratchpad"
	PieceBackground = "background"
)

// HistorySource is the part of the session log the builder reads.
type HistorySource interface {
	GetRecentEvents(ctx context.Context, id types.SessionID, maxCount int, filter ...types.EventType) ([]*types.Event, error)
	GetState(ctx context.Context, id types.SessionID) (*types.SessionState, error)
}

// MemorySource is the part of the retriever the builder reads.
type MemorySource interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.ScoredMemory, error)
	RetrieveHighImportance(ctx context.Context, namespace string, category types.Category, limit int) ([]retrieval.ScoredMemory, error)
}

// TurnInput identifies the turn being assembled.
type TurnInput struct {
	SessionID types.SessionID
	Namespace string
	Message   string
}

// Limits bound each piece of the context.
type Limits struct {
	MaxHistoryTurns  int           `json:"max_history_turns" yaml:"max_history_turns" toml:"max_history_turns"`
	MaxHistoryTokens int           `json:"max_history_tokens" yaml:"max_history_tokens" toml:"max_history_tokens"`
	MemoryLimit      int           `json:"memory_limit" yaml:"memory_limit" toml:"memory_limit"`
	ImportanceLimit  int           `json:"importance_limit" yaml:"importance_limit" toml:"importance_limit"`
	StepTimeout      time.Duration `json:"step_timeout" yaml:"step_timeout" toml:"step_timeout"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHistoryTurns:  50,
		MaxHistoryTokens: 4000,
		MemoryLimit:      10,
		ImportanceLimit:  5,
		StepTimeout:      2 * time.Second,
	}
}

// BuiltContext is the assembled bundle for one turn.
type BuiltContext struct {
	SessionID     types.SessionID          `json:"session_id"`
	History       []*types.Event           `json:"history"`
	HistoryTokens int                      `json:"history_tokens"`
	Relevant      []retrieval.ScoredMemory `json:"-"`
	Important     []retrieval.ScoredMemory `json:"-"`
	// Memories is the union of Relevant and Important, deduplicated by id
	// and sorted by score descending.
	Memories   []retrieval.ScoredMemory `json:"memories"`
	Scratchpad types.Scratchpad         `json:"scratchpad"`
	Background string                   `json:"background,omitempty"`
	// Partial lists the pieces that failed or timed out and are empty.
	Partial []string `json:"partial,omitempty"`
}

// IsPartial reports whether any piece is missing.
func (b *BuiltContext) IsPartial() bool {
	return len(b.Partial) > 0
}

// Builder assembles BuiltContext values.
type Builder struct {
	history    HistorySource
	memories   MemorySource
	background BackgroundSource
	counter    TokenCounter
	logger     *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithBackground sets the background source.
func WithBackground(src BackgroundSource) Option {
	return func(b *Builder) { b.background = src }
}

// WithTokenCounter sets the token counter used for history trimming.
func WithTokenCounter(c TokenCounter) Option {
	return func(b *Builder) { b.counter = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New creates a Builder. The default token counter estimates four
// characters per token.
func New(history HistorySource, memories MemorySource, opts ...Option) *Builder {
	b := &Builder{
		history:  history,
		memories: memories,
		counter:  CharCounter{CharsPerToken: 4},
		logger:   slog.Default().With("component", "context"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the context for a turn. The pieces are loaded
// concurrently, each bounded by lim.StepTimeout. A piece that fails leaves
// its field empty and is named in Partial; Build itself only fails when the
// caller's context is done.
func (b *Builder) Build(ctx context.Context, in TurnInput, lim Limits) (*BuiltContext, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("build context: session id is required: %w", types.ErrInvalidInput)
	}
	out := &BuiltContext{SessionID: in.SessionID}

	var (
		mu      sync.Mutex
		partial []string
	)
	fail := func(piece string, err error) {
		b.logger.Warn("context piece unavailable", "session_id", string(in.SessionID), "piece", piece, "error", err)
		mu.Lock()
		partial = append(partial, piece)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	step := func(piece string, fn func(context.Context) error) {
		g.Go(func() error {
			sctx, cancel := b.stepContext(gctx, lim.StepTimeout)
			defer cancel()
			if err := fn(sctx); err != nil {
				fail(piece, err)
			}
			// Step failures never cancel sibling steps.
			return nil
		})
	}

	step(PieceHistory, func(ctx context.Context) error {
		events, err := b.history.GetRecentEvents(ctx, in.SessionID, lim.MaxHistoryTurns)
		if err != nil {
			return err
		}
		out.History, out.HistoryTokens = b.trimHistory(events, lim.MaxHistoryTokens)
		return nil
	})

	if in.Message != "" && b.memories != nil && lim.MemoryLimit > 0 {
		step(PieceRelevant, func(ctx context.Context) error {
			mems, err := b.memories.Retrieve(ctx, retrieval.Query{
				Namespace: in.Namespace,
				Text:      in.Message,
				Limit:     lim.MemoryLimit,
			})
			if err != nil {
				return err
			}
			out.Relevant = mems
			return nil
		})
	}

	if b.memories != nil && lim.ImportanceLimit > 0 {
		step(PieceImportant, func(ctx context.Context) error {
			mems, err := b.memories.RetrieveHighImportance(ctx, in.Namespace, "", lim.ImportanceLimit)
			if err != nil {
				return err
			}
			out.Important = mems
			return nil
		})
	}

	step(PieceScratchpad, func(ctx context.Context) error {
		st, err := b.history.GetState(ctx, in.SessionID)
		if err != nil {
			return err
		}
		out.Scratchpad = st.Scratchpad
		return nil
	})

	if b.background != nil {
		step(PieceBackground, func(ctx context.Context) error {
			text, err := b.background.Background(ctx)
			if err != nil {
				return err
			}
			out.Background = text
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	sort.Strings(partial)
	out.Partial = partial
	out.Memories = MergeMemories(out.Relevant, out.Important)
	return out, nil
}

func (b *Builder) stepContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// trimHistory drops events oldest-first until the remainder fits maxTokens.
// maxTokens <= 0 disables trimming.
func (b *Builder) trimHistory(events []*types.Event, maxTokens int) ([]*types.Event, int) {
	counts := make([]int, len(events))
	total := 0
	for i, ev := range events {
		counts[i] = b.counter.Count(ev.Content)
		total += counts[i]
	}
	if maxTokens <= 0 {
		return events, total
	}
	start := 0
	for start < len(events) && total > maxTokens {
		total -= counts[start]
		start++
	}
	return events[start:], total
}

// MergeMemories combines memory lists, keeping the higher-scored entry for
// each id, and sorts the result by score descending. Ties go to the newer
// memory.
func MergeMemories(lists ...[]retrieval.ScoredMemory) []retrieval.ScoredMemory {
	best := make(map[types.MemoryID]retrieval.ScoredMemory)
	for _, list := range lists {
		for _, sm := range list {
			if sm.Memory == nil {
				continue
			}
			if cur, ok := best[sm.Memory.ID]; !ok || sm.Score > cur.Score {
				best[sm.Memory.ID] = sm
			}
		}
	}
	out := make([]retrieval.ScoredMemory, 0, len(best))
	for _, sm := range best {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Memory.CreatedAt.Equal(out[j].Memory.CreatedAt) {
			return out[i].Memory.CreatedAt.After(out[j].Memory.CreatedAt)
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	return out
}
