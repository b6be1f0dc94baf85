package compaction

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/user/agentmem/internal/types"
)

// ExtractiveSummarizer builds a summary without a model by keeping the first
// sentence of each conversational event until the target size is reached.
type ExtractiveSummarizer struct{}

var _ types.Summarizer = ExtractiveSummarizer{}

// Summarize implements types.Summarizer.
func (ExtractiveSummarizer) Summarize(ctx context.Context, events []*types.Event, maxChars int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if maxChars <= 0 {
		return "", fmt.Errorf("summarize: max chars must be positive: %w", types.ErrInvalidInput)
	}

	header := fmt.Sprintf("Earlier in this session (%d events):", len(events))
	var b strings.Builder
	b.WriteString(header)
	used := utf8.RuneCountInString(header)
	for _, ev := range events {
		line := summaryLine(ev)
		if line == "" {
			continue
		}
		n := utf8.RuneCountInString(line) + 1
		if used+n > maxChars {
			break
		}
		b.WriteString("\n")
		b.WriteString(line)
		used += n
	}
	return truncateRunes(b.String(), maxChars), nil
}

func summaryLine(ev *types.Event) string {
	var who string
	switch ev.Type {
	case types.EventUserMessage:
		who = "user"
	case types.EventModelMessage:
		who = "assistant"
	case types.EventValidationGate:
		who = "gate"
	case types.EventSystem:
		who = "system"
	default:
		return ""
	}
	text := firstSentence(ev.Content)
	if text == "" {
		return ""
	}
	return "- " + who + ": " + text
}

func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		s = s[:i+1]
	}
	return truncateRunes(s, 160)
}
