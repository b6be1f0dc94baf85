// Package compaction keeps a session's history within size limits. It is a
// pure policy over an ordered event list and never touches the store.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/user/agentmem/internal/types"
)

// Strategy names a compaction algorithm.
type Strategy string

const (
	StrategyNone                   Strategy = "none"
	StrategySlidingWindow          Strategy = "sliding_window"
	StrategyTokenTruncation        Strategy = "token_truncation"
	StrategyRecursiveSummarization Strategy = "recursive_summarization"
)

// ParseStrategy validates s against the known strategies.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyNone, StrategySlidingWindow, StrategyTokenTruncation, StrategyRecursiveSummarization:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown compaction strategy %q: %w", s, types.ErrInvalidInput)
}

// Fallback reasons.
const (
	ReasonNoSummarizer        = "no_summarizer"
	ReasonSummarizationFailed = "summarization_failed"
	ReasonCancelled           = "cancelled"
)

// tokenPressure is the fraction of the token budget above which the policy
// switches to summarization.
const tokenPressure = 0.8

// Config holds compaction limits.
type Config struct {
	MaxTurns          int `json:"max_turns" yaml:"max_turns" toml:"max_turns"`
	TokenBudget       int `json:"token_budget" yaml:"token_budget" toml:"token_budget"`
	CharsPerToken     int `json:"chars_per_token" yaml:"chars_per_token" toml:"chars_per_token"`
	KeepRecentTurns   int `json:"keep_recent_turns" yaml:"keep_recent_turns" toml:"keep_recent_turns"`
	SummaryTargetSize int `json:"summary_target_size" yaml:"summary_target_size" toml:"summary_target_size"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxTurns:          20,
		TokenBudget:       8000,
		CharsPerToken:     4,
		KeepRecentTurns:   5,
		SummaryTargetSize: 500,
	}
}

// Validate checks that every limit is positive.
func (c Config) Validate() error {
	switch {
	case c.MaxTurns <= 0:
		return fmt.Errorf("compaction: max_turns must be positive: %w", types.ErrInvalidInput)
	case c.TokenBudget <= 0:
		return fmt.Errorf("compaction: token_budget must be positive: %w", types.ErrInvalidInput)
	case c.CharsPerToken <= 0:
		return fmt.Errorf("compaction: chars_per_token must be positive: %w", types.ErrInvalidInput)
	case c.KeepRecentTurns <= 0:
		return fmt.Errorf("compaction: keep_recent_turns must be positive: %w", types.ErrInvalidInput)
	case c.SummaryTargetSize <= 0:
		return fmt.Errorf("compaction: summary_target_size must be positive: %w", types.ErrInvalidInput)
	}
	return nil
}

// Result describes one compaction pass.
type Result struct {
	Strategy       Strategy       `json:"strategy"`
	Requested      Strategy       `json:"requested"`
	Events         []*types.Event `json:"events"`
	Summary        string         `json:"summary,omitempty"`
	EventsBefore   int            `json:"events_before"`
	EventsAfter    int            `json:"events_after"`
	TurnsBefore    int            `json:"turns_before"`
	TurnsAfter     int            `json:"turns_after"`
	TokensBefore   int            `json:"tokens_before"`
	TokensAfter    int            `json:"tokens_after"`
	ReductionRatio float64        `json:"reduction_ratio"`
	Fallback       bool           `json:"fallback,omitempty"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
}

// Engine applies compaction strategies. The summarizer is optional.
type Engine struct {
	cfg        Config
	summarizer types.Summarizer
	logger     *slog.Logger
}

// New validates cfg and returns an Engine. A nil summarizer disables
// summaries; a nil logger uses slog.Default.
func New(cfg Config, summarizer types.Summarizer, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		summarizer: summarizer,
		logger:     logger.With("component", "compaction"),
	}, nil
}

// Config returns the engine's limits.
func (e *Engine) Config() Config {
	return e.cfg
}

// EstimateTokens returns floor(total runes of content / chars per token).
func (e *Engine) EstimateTokens(events []*types.Event) int {
	return estimateTokens(events, e.cfg.CharsPerToken)
}

func estimateTokens(events []*types.Event, charsPerToken int) int {
	runes := 0
	for _, ev := range events {
		runes += utf8.RuneCountInString(ev.Content)
	}
	return runes / charsPerToken
}

// Turns splits events into turns. A turn starts at a user message and runs
// up to the next one; events before the first user message form a turn of
// their own.
func Turns(events []*types.Event) [][]*types.Event {
	var (
		turns   [][]*types.Event
		current []*types.Event
	)
	for _, ev := range events {
		if ev.Type == types.EventUserMessage && len(current) > 0 {
			turns = append(turns, current)
			current = nil
		}
		current = append(current, ev)
	}
	if len(current) > 0 {
		turns = append(turns, current)
	}
	return turns
}

func flatten(turns [][]*types.Event) []*types.Event {
	n := 0
	for _, t := range turns {
		n += len(t)
	}
	out := make([]*types.Event, 0, n)
	for _, t := range turns {
		out = append(out, t...)
	}
	return out
}

// SelectStrategy picks the strategy for the current history: summarization
// under token pressure, a sliding window when there are too many turns,
// otherwise nothing.
func (e *Engine) SelectStrategy(events []*types.Event) Strategy {
	tokens := e.EstimateTokens(events)
	if float64(tokens) > tokenPressure*float64(e.cfg.TokenBudget) {
		return StrategyRecursiveSummarization
	}
	if len(Turns(events)) > e.cfg.MaxTurns {
		return StrategySlidingWindow
	}
	return StrategyNone
}

// CompactIfNeeded selects a strategy and applies it.
func (e *Engine) CompactIfNeeded(ctx context.Context, events []*types.Event) (*Result, error) {
	return e.Apply(ctx, e.SelectStrategy(events), events)
}

// Apply runs the given strategy. Summarizer problems never surface as errors;
// they are reported through Fallback on the result.
func (e *Engine) Apply(ctx context.Context, strategy Strategy, events []*types.Event) (*Result, error) {
	var res *Result
	switch strategy {
	case StrategyNone:
		res = &Result{Strategy: StrategyNone, Events: events}
	case StrategySlidingWindow:
		res = e.slidingWindow(ctx, events)
	case StrategyTokenTruncation:
		res = e.tokenTruncation(ctx, events)
	case StrategyRecursiveSummarization:
		res = e.recursiveSummarization(ctx, events)
	default:
		return nil, fmt.Errorf("apply compaction: unknown strategy %q: %w", strategy, types.ErrInvalidInput)
	}
	res.Requested = strategy
	e.fillStats(res, events)

	if res.Strategy != StrategyNone {
		e.logger.Debug("compacted history",
			"strategy", res.Strategy,
			"events_before", res.EventsBefore,
			"events_after", res.EventsAfter,
			"tokens_before", res.TokensBefore,
			"tokens_after", res.TokensAfter,
			"fallback", res.FallbackReason,
		)
	}
	return res, nil
}

func (e *Engine) fillStats(res *Result, before []*types.Event) {
	res.EventsBefore = len(before)
	res.EventsAfter = len(res.Events)
	res.TurnsBefore = len(Turns(before))
	res.TurnsAfter = len(Turns(res.Events))
	res.TokensBefore = e.EstimateTokens(before)
	res.TokensAfter = e.EstimateTokens(res.Events)
	if res.TokensBefore > 0 {
		res.ReductionRatio = 1 - float64(res.TokensAfter)/float64(res.TokensBefore)
	}
}

func (e *Engine) slidingWindow(ctx context.Context, events []*types.Event) *Result {
	res := &Result{Strategy: StrategySlidingWindow, Events: events}
	turns := Turns(events)
	if len(turns) <= e.cfg.MaxTurns {
		return res
	}
	cut := len(turns) - e.cfg.MaxTurns
	dropped := flatten(turns[:cut])
	res.Events = flatten(turns[cut:])
	res.Summary = e.trySummarize(ctx, dropped)
	return res
}

func (e *Engine) tokenTruncation(ctx context.Context, events []*types.Event) *Result {
	res := &Result{Strategy: StrategyTokenTruncation, Events: events}
	runes := 0
	start := len(events)
	for i := len(events) - 1; i >= 0; i-- {
		runes += utf8.RuneCountInString(events[i].Content)
		if runes/e.cfg.CharsPerToken > e.cfg.TokenBudget {
			break
		}
		start = i
	}
	if start == 0 {
		return res
	}
	res.Events = events[start:]
	res.Summary = e.trySummarize(ctx, events[:start])
	return res
}

func (e *Engine) recursiveSummarization(ctx context.Context, events []*types.Event) *Result {
	if e.summarizer == nil {
		res := e.slidingWindow(ctx, events)
		res.Fallback = true
		res.FallbackReason = ReasonNoSummarizer
		return res
	}

	res := &Result{Strategy: StrategyRecursiveSummarization, Events: events}
	turns := Turns(events)
	if len(turns) <= e.cfg.KeepRecentTurns {
		return res
	}
	cut := len(turns) - e.cfg.KeepRecentTurns
	older := flatten(turns[:cut])
	recent := flatten(turns[cut:])

	if err := ctx.Err(); err != nil {
		res.Events = recent
		res.Fallback = true
		res.FallbackReason = ReasonCancelled
		return res
	}
	summary, err := e.summarize(ctx, older)
	if err != nil {
		e.logger.Warn("summarization failed, keeping recent turns only", "error", err, "dropped", len(older))
		res.Events = recent
		res.Fallback = true
		res.FallbackReason = ReasonSummarizationFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res.FallbackReason = ReasonCancelled
		}
		return res
	}

	last := older[len(older)-1]
	synthetic := &types.Event{
		SessionID: last.SessionID,
		Seq:       0,
		Type:      types.EventSystem,
		Role:      "system",
		Content:   summary,
		At:        last.At,
		Synthetic: true,
	}
	res.Summary = summary
	res.Events = append([]*types.Event{synthetic}, recent...)
	return res
}

// trySummarize summarizes dropped events when a summarizer is configured.
// Failures are logged and yield an empty summary.
func (e *Engine) trySummarize(ctx context.Context, dropped []*types.Event) string {
	if e.summarizer == nil || len(dropped) == 0 || ctx.Err() != nil {
		return ""
	}
	summary, err := e.summarize(ctx, dropped)
	if err != nil {
		e.logger.Warn("summarization of dropped events failed", "error", err, "dropped", len(dropped))
		return ""
	}
	return summary
}

func (e *Engine) summarize(ctx context.Context, events []*types.Event) (string, error) {
	summary, err := e.summarizer.Summarize(ctx, events, e.cfg.SummaryTargetSize)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(summary) == "" {
		return "", errors.New("summarizer returned an empty summary")
	}
	return truncateRunes(summary, e.cfg.SummaryTargetSize), nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
