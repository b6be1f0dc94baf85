// Package llmbridge implements the summarizer and extractor interfaces on
// top of a chat-completion provider.
package llmbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/agentmem/internal/types"
	"github.com/user/agentmem/pkg/llm"
)

// maxTranscriptChars bounds the transcript sent in one request.
const maxTranscriptChars = 24000

// Summarizer condenses events with a model.
type Summarizer struct {
	provider llm.Provider
	logger   *slog.Logger
}

// NewSummarizer creates a Summarizer over provider.
func NewSummarizer(provider llm.Provider) *Summarizer {
	return &Summarizer{
		provider: provider,
		logger:   slog.Default().With("component", "llm-summarizer"),
	}
}

const summarizePrompt = `You compress the earlier part of an agent's working session so the agent can continue without the full log.
Keep decisions, constraints, file names, open problems and the state of the current task. Drop greetings and repetition.
Reply with plain prose of at most %d characters.`

// Summarize returns a summary of events of at most maxChars runes.
func (s *Summarizer) Summarize(ctx context.Context, events []*types.Event, maxChars int) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(summarizePrompt, maxChars)},
		{Role: "user", Content: Transcript(events, maxTranscriptChars)},
	}
	resp, err := s.provider.Complete(ctx, messages, llm.WithMaxTokens(maxChars/2+64))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	s.logger.Debug("summarized events", "events", len(events), "tokens", resp.Usage.TotalTokens)
	return strings.TrimSpace(resp.Content), nil
}

// Extractor asks a model for durable memories in a session.
type Extractor struct {
	provider llm.Provider
	logger   *slog.Logger
}

// NewExtractor creates an Extractor over provider.
func NewExtractor(provider llm.Provider) *Extractor {
	return &Extractor{
		provider: provider,
		logger:   slog.Default().With("component", "llm-extractor"),
	}
}

const extractPrompt = `You read a transcript of an AI agent's work session and extract durable knowledge worth remembering in later sessions.
Allowed categories: %s.
- facts: decisions, architecture, how the project works
- preferences: how the user likes things done
- rules: things that must or must not be done
- skills: procedures that worked
- context: short-lived situational details
Only extract statements that will still be true and useful later. Do not invent anything.
Reply with a JSON object: {"memories":[{"content":"...","category":"...","confidence":0.0-1.0,"importance":0.0-1.0,"tags":["..."]}]}`

type extracted struct {
	Memories []struct {
		Content    string   `json:"content"`
		Category   string   `json:"category"`
		Confidence float64  `json:"confidence"`
		Importance float64  `json:"importance"`
		Tags       []string `json:"tags"`
	} `json:"memories"`
}

// Extract returns candidate memories drawn from events. Categories outside
// allowed are dropped; an empty allowed list permits every category.
func (e *Extractor) Extract(ctx context.Context, events []*types.Event, allowed []types.Category) ([]types.CandidateMemory, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if len(allowed) == 0 {
		allowed = types.AllCategories
	}
	names := make([]string, len(allowed))
	permit := make(map[types.Category]bool, len(allowed))
	for i, c := range allowed {
		names[i] = string(c)
		permit[c] = true
	}

	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(extractPrompt, strings.Join(names, ", "))},
		{Role: "user", Content: Transcript(events, maxTranscriptChars)},
	}
	resp, err := e.provider.Complete(ctx, messages, llm.WithJSON())
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	var out extracted
	if err := json.Unmarshal([]byte(stripFence(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("extract: parse model reply: %w", err)
	}

	lineage := make([]types.EventID, 0, len(events))
	for _, ev := range events {
		if !ev.Synthetic {
			lineage = append(lineage, ev.ID)
		}
	}

	var cands []types.CandidateMemory
	for _, m := range out.Memories {
		cat := types.Category(strings.ToLower(strings.TrimSpace(m.Category)))
		content := strings.TrimSpace(m.Content)
		if content == "" || !permit[cat] {
			continue
		}
		cands = append(cands, types.CandidateMemory{
			Content:    content,
			Category:   cat,
			Confidence: m.Confidence,
			Importance: m.Importance,
			Tags:       m.Tags,
			SourceType: types.SourceExtractor,
			Lineage:    lineage,
		})
	}
	e.logger.Debug("extracted memories", "events", len(events), "candidates", len(cands))
	return cands, nil
}

// Transcript renders events as "role: content" lines, keeping the most
// recent part when longer than maxChars.
func Transcript(events []*types.Event, maxChars int) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Content == "" {
			continue
		}
		role := ev.Role
		if role == "" {
			role = string(ev.Type)
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, ev.Content)
	}
	s := sb.String()
	if maxChars > 0 && len(s) > maxChars {
		s = s[len(s)-maxChars:]
		if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
			s = s[i+1:]
		}
	}
	return s
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
